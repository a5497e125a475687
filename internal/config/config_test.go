package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", newFlags(t))
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 30*time.Second, cfg.CacheTTL)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, uint64(5), cfg.ConnectRetries)
	require.False(t, cfg.EnableFaucet)
	require.Zero(t, cfg.MaxPriceImpactBps)
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("AMM_PORT", "9000")
	t.Setenv("AMM_MAX_PRICE_IMPACT_BPS", "250")
	t.Setenv("AMM_ENABLE_FAUCET", "true")

	cfg, err := Load("", newFlags(t, "--port=9100"))
	require.NoError(t, err)
	require.Equal(t, "9100", cfg.Port, "flag beats env")
	require.Equal(t, uint64(250), cfg.MaxPriceImpactBps)
	require.True(t, cfg.EnableFaucet)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "amm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log-level: debug\ncache-ttl: 1m\n"), 0o600))

	cfg, err := Load(path, newFlags(t))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, time.Minute, cfg.CacheTTL)

	_, err = Load(filepath.Join(dir, "missing.yaml"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{Port: "8080"}

	tests := []struct {
		name   string
		mutate func(*Config)
		err    error
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "empty port", mutate: func(c *Config) { c.Port = "" }, err: ErrInvalidPort},
		{name: "named port", mutate: func(c *Config) { c.Port = "http" }, err: ErrInvalidPort},
		{name: "impact above 100%", mutate: func(c *Config) { c.MaxPriceImpactBps = 10_001 }, err: ErrInvalidLimit},
		{name: "reserve share above 100%", mutate: func(c *Config) { c.MaxReserveShareBps = 20_000 }, err: ErrInvalidLimit},
		{name: "cache without database", mutate: func(c *Config) { c.RedisURL = "redis://localhost:6379" }, err: ErrRedisWithoutDatabase},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := base
			test.mutate(&cfg)
			err := cfg.Validate()
			if test.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, test.err)
		})
	}
}

// Package config loads pool-engine settings from flags, AMM_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// ErrInvalidPort is returned for an empty or non-numeric port.
	ErrInvalidPort = errors.New("config: invalid port")

	// ErrInvalidLimit is returned for a trade limit outside (0, 10000] bps.
	ErrInvalidLimit = errors.New("config: limit must be at most 10000 bps")

	// ErrRedisWithoutDatabase is returned when a cache is configured
	// without the PostgreSQL store it fronts.
	ErrRedisWithoutDatabase = errors.New("config: redis-url requires database-url")
)

// Config holds the server settings.
type Config struct {
	Port               string
	DatabaseURL        string
	RedisURL           string
	CacheTTL           time.Duration
	LogLevel           string
	LogFormat          string
	LogFile            string
	MaxPriceImpactBps  uint64
	MaxReserveShareBps uint64
	EnableFaucet       bool
	ConnectRetries     uint64
	ShutdownTimeout    time.Duration
}

// RegisterFlags adds the server flags to fs. Defaults mirror Load's.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("port", "8080", "HTTP listen port")
	fs.String("database-url", "", "PostgreSQL URL; in-memory store when empty")
	fs.String("redis-url", "", "Redis URL for the read-through cache")
	fs.Duration("cache-ttl", 30*time.Second, "cache entry lifetime")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "json", "log format (json, text)")
	fs.String("log-file", "", "optional rotated log file")
	fs.Uint64("max-price-impact-bps", 0, "reject swaps moving the price more than this; 0 disables")
	fs.Uint64("max-reserve-share-bps", 0, "reject swaps taking more of the output reserve than this; 0 disables")
	fs.Bool("enable-faucet", false, "allow POST /accounts/{owner}/fund")
	fs.Uint64("connect-retries", 5, "database connection attempts before giving up")
	fs.Duration("shutdown-timeout", 5*time.Second, "graceful shutdown deadline")
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AMM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("cache-ttl", 30*time.Second)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "json")
	v.SetDefault("connect-retries", uint64(5))
	v.SetDefault("shutdown-timeout", 5*time.Second)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("pool-engine")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Port:               v.GetString("port"),
		DatabaseURL:        v.GetString("database-url"),
		RedisURL:           v.GetString("redis-url"),
		CacheTTL:           v.GetDuration("cache-ttl"),
		LogLevel:           v.GetString("log-level"),
		LogFormat:          v.GetString("log-format"),
		LogFile:            v.GetString("log-file"),
		MaxPriceImpactBps:  v.GetUint64("max-price-impact-bps"),
		MaxReserveShareBps: v.GetUint64("max-reserve-share-bps"),
		EnableFaucet:       v.GetBool("enable-faucet"),
		ConnectRetries:     v.GetUint64("connect-retries"),
		ShutdownTimeout:    v.GetDuration("shutdown-timeout"),
	}
	return cfg, cfg.Validate()
}

// Validate checks values that viper cannot type-check.
func (c Config) Validate() error {
	if c.Port == "" || strings.Trim(c.Port, "0123456789") != "" {
		return fmt.Errorf("%w: %q", ErrInvalidPort, c.Port)
	}
	if c.MaxPriceImpactBps > 10_000 {
		return fmt.Errorf("%w: max-price-impact-bps=%d", ErrInvalidLimit, c.MaxPriceImpactBps)
	}
	if c.MaxReserveShareBps > 10_000 {
		return fmt.Errorf("%w: max-reserve-share-bps=%d", ErrInvalidLimit, c.MaxReserveShareBps)
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		return ErrRedisWithoutDatabase
	}
	return nil
}

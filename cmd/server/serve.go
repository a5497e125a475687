package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pool-engine/internal/config"
	"github.com/atmx/pool-engine/internal/guard"
	"github.com/atmx/pool-engine/internal/logging"
	"github.com/atmx/pool-engine/internal/metrics"
	"github.com/atmx/pool-engine/internal/store"
	"github.com/atmx/pool-engine/internal/trade"
)

func runServe(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, logFile := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	defer logFile.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, kind, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()

	// --- Trade service ---
	limits := guard.NewImpactGuard(cfg.MaxPriceImpactBps, cfg.MaxReserveShareBps)
	svc := trade.NewService(st, limits, wsHub,
		trade.WithFaucet(cfg.EnableFaucet),
		trade.WithLogger(logger),
	)
	if cfg.EnableFaucet {
		slog.Warn("faucet enabled, accounts can be funded over HTTP")
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(svc, wsHub, kind),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wsHub.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("pool-engine listening", "port", cfg.Port, "store", kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down pool-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("pool-engine stopped", "err", err)
		return err
	}
	slog.Info("pool-engine stopped")
	return nil
}

// openStore selects the store from cfg: PostgreSQL (optionally behind a
// Redis cache) when a database URL is set, memory otherwise.
func openStore(ctx context.Context, cfg config.Config) (store.Store, string, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("database-url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), "memory", func() {}, nil
	}

	pool, err := connectPostgres(ctx, cfg.DatabaseURL, cfg.ConnectRetries)
	if err != nil {
		return nil, "", nil, err
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, "", nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	if cfg.RedisURL == "" {
		return pg, "postgres", pool.Close, nil
	}

	// Wrap with Redis read-through cache.
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, "", nil, fmt.Errorf("invalid redis-url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, cache misses will fall through", "err", err)
	}
	cleanup := func() {
		rdb.Close()
		pool.Close()
	}
	slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	return store.NewCachedStore(pg, rdb, cfg.CacheTTL), "postgres+redis", cleanup, nil
}

// connectPostgres opens a pool and waits for the database to accept
// connections, backing off between attempts.
func connectPostgres(ctx context.Context, url string, retries uint64) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	attempt := 0
	connect := func() error {
		attempt++
		p, err := pgxpool.New(ctx, url)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("database config: %w", err))
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			slog.Warn("database not ready", "attempt", attempt, "err", err)
			return err
		}
		pool = p
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	if err := backoff.Retry(connect, b); err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return pool, nil
}

func newRouter(svc *trade.Service, wsHub *trade.WSHub, storeKind string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS for frontend cross-origin requests.
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"pool-engine","store":%q,"ws_clients":%d}`,
			storeKind, wsHub.ClientCount())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time pool updates.
		r.Get("/ws", wsHub.HandleWS)

		svc.Routes(r)
	})

	return r
}

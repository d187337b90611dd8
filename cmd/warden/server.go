package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wardenhq/warden/pkg/api"
	"github.com/wardenhq/warden/pkg/archive"
	"github.com/wardenhq/warden/pkg/bundle"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/issuer"
	"github.com/wardenhq/warden/pkg/limiter"
	"github.com/wardenhq/warden/pkg/observability"
	"github.com/wardenhq/warden/pkg/sealing"
	"github.com/wardenhq/warden/pkg/store"
)

// runServer wires the full authority (keys, store, archive, budget buckets,
// engine, sweeper, HTTP API) and blocks until SIGINT or SIGTERM.
//
//nolint:gocognit,gocyclo // linear wiring, one dependency per block
func runServer(stderr io.Writer) int {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}

	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := ensureDataDirs(cfg); err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}

	key, err := sealing.LoadOrGenerateKeyPair(cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		fmt.Fprintf(stderr, "warden: signing keys: %v\n", err)
		return 1
	}

	st, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}
	defer st.Close()
	logger.Info("store ready", "driver", cfg.DBDriver)

	arc, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		fmt.Fprintf(stderr, "warden: certificate archive: %v\n", err)
		return 1
	}
	logger.Info("certificate archive ready", "backend", cfg.Archive.Backend)

	var buckets limiter.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			fmt.Fprintf(stderr, "warden: redis %s: %v\n", cfg.RedisAddr, err)
			return 1
		}
		buckets = limiter.NewRedisStore(rdb)
		logger.Info("hourly budgets on redis", "addr", cfg.RedisAddr)
	} else {
		buckets = limiter.NewMemoryStore()
	}

	var telemetry *observability.Provider
	if cfg.OTelEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTelEndpoint
		obsCfg.Insecure = cfg.OTelInsecure
		telemetry, err = observability.New(ctx, obsCfg)
		if err != nil {
			fmt.Fprintf(stderr, "warden: telemetry: %v\n", err)
			return 1
		}
		logger.Info("telemetry enabled", "endpoint", cfg.OTelEndpoint)
	}

	engine := issuer.New(issuer.Options{
		Store:  st,
		Signer: sealing.NewSigner(key),
		Registry: bundle.RegistryLogin{
			Registry: cfg.RegistryURL,
			Username: cfg.RegistryUsername,
			Token:    cfg.RegistryToken,
		},
		Archive: arc,
		Buckets: buckets,
		Logger:  logger.With("component", "issuer"),
	})

	sweeper := issuer.NewSweeper(st, logger.With("component", "sweeper"), cfg.SweepSchedule)
	if err := sweeper.Start(); err != nil {
		fmt.Fprintf(stderr, "warden: sweep schedule %q: %v\n", cfg.SweepSchedule, err)
		return 1
	}

	srv, err := api.NewServer(api.Options{
		Engine:             engine,
		AdminSecret:        cfg.AdminSecret,
		MinAppVersion:      cfg.MinAppVersion,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		Telemetry:          telemetry,
		Logger:             logger.With("component", "api"),
	})
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}

	if cfg.AdminSecret == "" {
		logger.Warn("WARDEN_ADMIN_SECRET is not set, admin endpoints will reject every request")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(":" + cfg.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		sweeper.Stop()
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	sweeper.Stop()
	if telemetry != nil {
		_ = telemetry.Shutdown(shutdownCtx)
	}
	return 0
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// ensureDataDirs creates the parent directories the default layout needs:
// the key directory always, the SQLite directory only when that backend is
// in use. The filesystem archive makes its own directory.
func ensureDataDirs(cfg *config.Config) error {
	dirs := []string{filepath.Dir(cfg.PrivateKeyPath), filepath.Dir(cfg.PublicKeyPath)}
	if cfg.DBDriver == "sqlite" || cfg.DBDriver == "" {
		dirs = append(dirs, filepath.Dir(cfg.DBDSN))
	}
	for _, dir := range dirs {
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thereceipt/print-bridge/internal/api"
	"github.com/thereceipt/print-bridge/internal/config"
	"github.com/thereceipt/print-bridge/internal/dispatch"
	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/presence"
	"github.com/thereceipt/print-bridge/internal/realtime"
)

// Version is set during build via ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", "printbridge.yaml", "path to the config file")
	addr := flag.String("addr", "", "listen address (overrides server.addr)")
	issueFor := flag.String("issue-token", "", "print a token for this subject (a device id for bridges) and exit")
	role := flag.String("role", api.RoleBridge, "role of the issued token")
	ttl := flag.Duration("ttl", 365*24*time.Hour, "lifetime of the issued token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	if *issueFor != "" {
		if cfg.Server.JWTSecret == "" {
			fmt.Fprintln(os.Stderr, "server.jwt_secret is not set")
			os.Exit(1)
		}
		token, err := api.NewAuth([]byte(cfg.Server.JWTSecret)).Issue(*issueFor, *role, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	target := cfg.Ledger.Path
	if cfg.Ledger.Driver == "postgres" {
		target = cfg.Ledger.DSN
	}
	store, err := ledger.Open(ctx, cfg.Ledger.Driver, target, ledger.WithStaleAfter(cfg.Ledger.StaleAfter))
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	dir, closeDir, err := openDirectory(ctx, cfg.Presence, logger)
	if err != nil {
		return err
	}
	defer closeDir()

	hub := realtime.NewHub(dir, logger)
	defer hub.Close()

	hub.OnOutcome(func(o realtime.Outcome) {
		fields := []zap.Field{
			zap.String("job_id", o.JobID),
			zap.String("device_id", o.DeviceID),
			zap.String("status", o.Status),
			zap.String("dialect", o.DialectUsed),
			zap.String("transport", o.TransportType),
			zap.Int("attempts", o.Attempts),
		}
		if o.Error != "" {
			logger.Warn("print job failed", append(fields, zap.String("error", o.Error))...)
			return
		}
		logger.Info("print job completed", fields...)
	})

	dispatcher := dispatch.New(store, dir, hub, dispatch.Options{
		SyncWait:    cfg.Server.SyncWait,
		StaleAfter:  cfg.Presence.StaleAfter,
		MaxAttempts: cfg.Ledger.MaxAttempts,
	}, logger)

	server := api.NewServer(api.Options{
		Dispatcher: dispatcher,
		Jobs:       store,
		Directory:  dir,
		Realtime:   hub,
		JWTSecret:  cfg.Server.JWTSecret,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting API server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("version", Version),
			zap.String("ledger", cfg.Ledger.Driver),
			zap.String("presence", cfg.Presence.Backend),
			zap.Bool("auth", cfg.Server.JWTSecret != ""))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return every(gctx, cfg.Server.ReapInterval, func() {
			n, err := store.ReapStale(gctx)
			if err != nil {
				logger.Warn("reaping stale jobs failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("failed stale jobs", zap.Int64("count", n))
			}
		})
	})

	g.Go(func() error {
		return every(gctx, cfg.Server.SweepInterval, func() {
			n, err := dir.Sweep(gctx)
			if err != nil {
				logger.Warn("presence sweep failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("removed stale bridges", zap.Int("count", n))
			}
		})
	})

	return g.Wait()
}

// openDirectory builds the configured presence backend
func openDirectory(ctx context.Context, cfg config.PresenceConfig, logger *zap.Logger) (presence.Directory, func(), error) {
	if cfg.Backend != "redis" {
		return presence.NewMemoryDirectory(cfg.StaleAfter, logger), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	dir := presence.NewRedisDirectory(rdb, cfg.StaleAfter, logger).WithNamespace(cfg.Namespace)
	return dir, func() {
		dir.Close()
		rdb.Close()
	}, nil
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

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

	"go.uber.org/zap"

	"github.com/thereceipt/print-bridge/internal/config"
	"github.com/thereceipt/print-bridge/internal/helper"
)

func main() {
	configPath := flag.String("config", "printbridge.yaml", "path to the config file")
	addr := flag.String("addr", "", "listen address (overrides helper.addr)")
	port := flag.String("port", "", "serial port to open at startup (overrides helper.port)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Helper.Addr = *addr
	}
	if *port != "" {
		cfg.Helper.Port = *port
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv := helper.NewServer(helper.Options{Baud: cfg.Helper.Baud, Logger: logger})
	defer srv.Disconnect()

	switch {
	case cfg.Helper.Port != "":
		if err := srv.Connect(cfg.Helper.Port, cfg.Helper.Baud); err != nil {
			logger.Warn("failed to open serial port", zap.String("port", cfg.Helper.Port), zap.Error(err))
		}
	case cfg.Helper.AutoConnect:
		if err := srv.AutoConnect(); err != nil {
			logger.Warn("auto connect failed, waiting for /connect", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Helper.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting print helper", zap.String("addr", cfg.Helper.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("helper server failed", zap.Error(err))
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down")
		httpServer.Shutdown(shutdownCtx)
	}
}

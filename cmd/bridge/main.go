package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thereceipt/print-bridge/internal/bridge"
	"github.com/thereceipt/print-bridge/internal/config"
	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/printer"
	"github.com/thereceipt/print-bridge/internal/realtime"
	"github.com/thereceipt/print-bridge/internal/tui"
)

func main() {
	configPath := flag.String("config", "printbridge.yaml", "path to the config file")
	deviceID := flag.String("device", "", "device id (overrides bridge.device_id)")
	withTUI := flag.Bool("tui", false, "show the status screen")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *deviceID != "" {
		cfg.Bridge.DeviceID = *deviceID
	}
	if *withTUI {
		cfg.Bridge.TUI = true
	}
	if err := cfg.ValidateBridge(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("bridge stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := printer.NewManager(logger, false)
	monitor := printer.NewMonitor(manager, cfg.Transport.ScanInterval, logger)

	selector, usb, err := buildTransports(cfg.Transport, manager, logger)
	if err != nil {
		return err
	}

	prefs, err := bridge.NewPreferenceStore(cfg.Bridge.PreferencesPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}
	diag := bridge.NewDiagnosticLog(cfg.Bridge.DiagnosticSize)

	var screen *tui.TViewApp
	if cfg.Bridge.TUI {
		screen = tui.NewTViewApp(tui.Options{
			Preferences: prefs,
			Printers:    manager.GetAllPrinters,
			Transports:  selector.Names(),
			HubURL:      cfg.Bridge.HubURL,
		})
		logger = teeToScreen(logger, cfg.Log.Level, screen)
	}

	if usb != nil {
		usb.Follow(monitor)
		defer usb.Close()
	}
	monitor.Start()
	defer monitor.Stop()

	target := cfg.Ledger.Path
	if cfg.Ledger.Driver == "postgres" {
		target = cfg.Ledger.DSN
	}
	store, err := ledger.Open(ctx, cfg.Ledger.Driver, target, ledger.WithStaleAfter(cfg.Ledger.StaleAfter))
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	client := realtime.NewClient(cfg.Bridge.HubURL, cfg.Bridge.Token, logger)

	rt, err := bridge.New(bridge.Config{
		DeviceID:          cfg.Bridge.DeviceID,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		PollInterval:      cfg.Bridge.PollInterval,
		Retry: bridge.RetryPolicy{
			Timeout:     cfg.Bridge.AttemptTimeout,
			Delay:       cfg.Bridge.RetryDelay,
			NextDialect: printer.Alternate,
		},
		Backoff: bridge.Backoff{
			Base:        cfg.Bridge.BackoffBase,
			Factor:      cfg.Bridge.BackoffFactor,
			Max:         cfg.Bridge.BackoffMax,
			MaxAttempts: cfg.Bridge.BackoffMaxAttempts,
		},
	}, store, bridge.NewWebsocketChannel(client), selector, prefs, diag, logger)
	if err != nil {
		return err
	}

	logger.Info("starting bridge",
		zap.String("device_id", cfg.Bridge.DeviceID),
		zap.String("hub", cfg.Bridge.HubURL),
		zap.Strings("transports", selector.Names()))
	rt.Start(ctx)

	if screen != nil {
		screen.SetRuntime(rt)
		screenDone := make(chan error, 1)
		go func() { screenDone <- screen.Run() }()

		select {
		case <-ctx.Done():
			screen.Stop()
			<-screenDone
		case err := <-screenDone:
			if err != nil {
				logger.Error("status screen failed", zap.Error(err))
			}
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("shutting down")
	return rt.Stop()
}

// buildTransports creates the transports named in cfg.Order. The returned
// USB transport, when configured, is opened and closed by the hot-plug
// monitor.
func buildTransports(cfg config.TransportConfig, manager *printer.Manager, logger *zap.Logger) (*printer.Selector, *printer.USBTransport, error) {
	var (
		ordered []printer.Transport
		byName  = make(map[string]printer.Transport)
		usb     *printer.USBTransport
	)

	build := func(name string) printer.Transport {
		if t, ok := byName[name]; ok {
			return t
		}
		var t printer.Transport
		switch name {
		case printer.TransportUSB:
			vid, pid := cfg.USB.VendorID, cfg.USB.ProductID
			if vid == 0 {
				vid, pid = firstUSBPrinter(manager)
			}
			if vid == 0 {
				logger.Warn("no usb printer configured or detected")
				return nil
			}
			usb = printer.NewUSBTransport(vid, pid, logger)
			t = usb
		case printer.TransportHostUSB:
			if cfg.Host.Device == "" {
				logger.Warn("host_usb transport needs transport.host.device")
				return nil
			}
			t = printer.NewHostTransport(cfg.Host.Device, cfg.Host.Baud)
		case printer.TransportNetwork:
			if cfg.Network.Host == "" {
				logger.Warn("network transport needs transport.network.host")
				return nil
			}
			nt := printer.NewNetworkTransport(cfg.Network.Host, cfg.Network.Port, cfg.Network.RelayURL)
			nt.DirectDisabled = cfg.Network.DirectDisabled
			t = nt
		case printer.TransportHelper:
			t = printer.NewHelperTransport(cfg.HelperURL)
		}
		if t != nil {
			byName[name] = t
		}
		return t
	}

	for _, name := range cfg.Order {
		if t := build(name); t != nil {
			ordered = append(ordered, t)
		}
	}

	selector := printer.NewSelector(ordered...)
	if cfg.Override != "" {
		t := build(cfg.Override)
		if t == nil {
			return nil, nil, fmt.Errorf("transport override %q is not configured", cfg.Override)
		}
		selector.SetOverride(t)
	}
	return selector, usb, nil
}

func firstUSBPrinter(manager *printer.Manager) (uint16, uint16) {
	printers, _ := manager.DetectPrinters()
	for _, p := range printers {
		if p.Type == "usb" {
			return p.VID, p.PID
		}
	}
	return 0, 0
}

// teeToScreen mirrors log entries into the status screen's log panel
func teeToScreen(logger *zap.Logger, level string, screen *tui.TViewApp) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	screenCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(screen.LogWriter()),
		lvl,
	)
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, screenCore)
	}))
}

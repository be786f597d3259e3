package printer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Monitor polls printer detection and reports hot-plug changes
type Monitor struct {
	detect   func() ([]*Printer, error)
	interval time.Duration
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	onAdded   func(*Printer)
	onRemoved func(*Printer)
	onPresent func(*Printer)
}

// NewMonitor creates a monitor driven by the manager's detection
func NewMonitor(manager *Manager, interval time.Duration, logger *zap.Logger) *Monitor {
	return newMonitor(manager.DetectPrinters, interval, logger)
}

func newMonitor(detect func() ([]*Printer, error), interval time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		detect:   detect,
		interval: interval,
		logger:   logger.Named("monitor"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnAdded sets the callback for a newly detected printer
func (m *Monitor) OnAdded(fn func(*Printer)) { m.onAdded = fn }

// OnRemoved sets the callback for a printer that disappeared
func (m *Monitor) OnRemoved(fn func(*Printer)) { m.onRemoved = fn }

// OnPresent sets the callback run on every scan for each printer that was
// already attached on the previous scan
func (m *Monitor) OnPresent(fn func(*Printer)) { m.onPresent = fn }

// Start runs an immediate scan and then scans on every tick
func (m *Monitor) Start() {
	previous := make(map[string]*Printer)
	m.checkChanges(previous)

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.checkChanges(previous)
			}
		}
	}()
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	m.cancel()
}

func (m *Monitor) checkChanges(previous map[string]*Printer) {
	current, err := m.detect()
	if err != nil {
		m.logger.Warn("printer detection failed", zap.Error(err))
		return
	}

	currentMap := make(map[string]*Printer, len(current))
	for _, p := range current {
		currentMap[p.ID] = p
	}

	for id, p := range currentMap {
		if _, exists := previous[id]; !exists {
			m.logger.Info("printer added", zap.String("printer", p.Description))
			if m.onAdded != nil {
				m.onAdded(p)
			}
		} else if m.onPresent != nil {
			m.onPresent(p)
		}
	}

	for id, p := range previous {
		if _, exists := currentMap[id]; !exists {
			m.logger.Info("printer removed", zap.String("printer", p.Description))
			if m.onRemoved != nil {
				m.onRemoved(p)
			}
		}
	}

	for id := range previous {
		delete(previous, id)
	}
	for id, p := range currentMap {
		previous[id] = p
	}
}

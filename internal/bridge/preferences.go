package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/thereceipt/print-bridge/internal/printer"
)

// PreferenceStore remembers the last dialect that printed successfully on
// each device. Last writer wins; the file is never shared between bridges.
type PreferenceStore struct {
	filePath string
	logger   *zap.Logger

	mu   sync.RWMutex
	data preferenceFile
}

type preferenceFile struct {
	Devices     map[string]*DevicePreference `json:"devices"`
	Default     printer.Dialect              `json:"default"`
	LastUpdated time.Time                    `json:"lastUpdated"`
}

// DevicePreference is one device's entry
type DevicePreference struct {
	Dialect     printer.Dialect `json:"dialect"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// NewPreferenceStore loads preferences from filePath. A missing file is
// created on first save; an empty path keeps preferences in memory.
func NewPreferenceStore(filePath string, logger *zap.Logger) (*PreferenceStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PreferenceStore{
		filePath: filePath,
		logger:   logger.Named("preferences"),
		data:     emptyPreferences(),
	}

	if filePath == "" {
		return p, nil
	}
	if err := p.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	return p, nil
}

func emptyPreferences() preferenceFile {
	return preferenceFile{
		Devices: make(map[string]*DevicePreference),
		Default: printer.DialectESCPOS,
	}
}

// Get returns the device's preferred dialect, or the default
func (p *PreferenceStore) Get(deviceID string) printer.Dialect {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if entry, ok := p.data.Devices[deviceID]; ok && entry.Dialect != "" {
		return entry.Dialect
	}
	if p.data.Default != "" {
		return p.data.Default
	}
	return printer.DialectESCPOS
}

// Save records the dialect that just succeeded on the device
func (p *PreferenceStore) Save(deviceID string, d printer.Dialect) error {
	if _, err := printer.ParseDialect(string(d)); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.data.Devices[deviceID] = &DevicePreference{Dialect: d, LastUpdated: now}
	p.data.LastUpdated = now
	return p.save()
}

// SetDefault changes the dialect used for devices without an entry
func (p *PreferenceStore) SetDefault(d printer.Dialect) error {
	if _, err := printer.ParseDialect(string(d)); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.Default = d
	p.data.LastUpdated = time.Now()
	return p.save()
}

// All returns a copy of every device entry
func (p *PreferenceStore) All() map[string]DevicePreference {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]DevicePreference, len(p.data.Devices))
	for k, v := range p.data.Devices {
		result[k] = *v
	}
	return result
}

// Watch reloads the file whenever it changes on disk until ctx is done
func (p *PreferenceStore) Watch(ctx context.Context) error {
	if p.filePath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// watch the directory: editors replace files by rename
	if err := watcher.Add(filepath.Dir(p.filePath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", p.filePath, err)
	}
	target := filepath.Clean(p.filePath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			p.mu.Lock()
			err := p.load()
			p.mu.Unlock()
			if err != nil {
				p.logger.Warn("failed to reload preferences", zap.Error(err))
				continue
			}
			p.logger.Info("preferences reloaded", zap.String("path", p.filePath))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("preference watcher error", zap.Error(err))
		}
	}
}

// load must be called with the lock held or before the store is shared
func (p *PreferenceStore) load() error {
	raw, err := os.ReadFile(p.filePath)
	if err != nil {
		return err
	}

	data := emptyPreferences()
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	if data.Devices == nil {
		data.Devices = make(map[string]*DevicePreference)
	}
	p.data = data
	return nil
}

func (p *PreferenceStore) save() error {
	if p.filePath == "" {
		return nil
	}

	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := p.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p.filePath)
}

// Package printer encodes receipts into printer command dialects and delivers
// them over USB, host device, network and local helper transports.
package printer

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/google/gousb"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

// Printer represents a detected printer
type Printer struct {
	ID          string `json:"id"`
	Type        string `json:"type"` // usb, serial
	Description string `json:"description"`
	Device      string `json:"device,omitempty"`
	VID         uint16 `json:"vid,omitempty"`
	PID         uint16 `json:"pid,omitempty"`
}

// Manager handles printer detection
type Manager struct {
	logger   *zap.Logger
	printers map[string]*Printer
	mu       sync.RWMutex

	// probeSerial opens serial candidates to confirm they exist
	probeSerial bool
}

// NewManager creates a printer manager
func NewManager(logger *zap.Logger, probeSerial bool) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:      logger.Named("discovery"),
		printers:    make(map[string]*Printer),
		probeSerial: probeSerial,
	}
}

// DetectPrinters scans USB and serial ports
func (m *Manager) DetectPrinters() ([]*Printer, error) {
	var printers []*Printer

	usbPrinters, err := detectUSB()
	if err != nil {
		m.logger.Warn("usb detection failed", zap.Error(err))
	} else {
		printers = append(printers, usbPrinters...)
	}

	printers = append(printers, m.detectSerial()...)

	m.mu.Lock()
	m.printers = make(map[string]*Printer, len(printers))
	for _, p := range printers {
		m.printers[p.ID] = p
	}
	m.mu.Unlock()

	return printers, nil
}

// GetAllPrinters returns the last detection result sorted by id
func (m *Manager) GetAllPrinters() []*Printer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Printer, 0, len(m.printers))
	for _, p := range m.printers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// detectUSB lists devices exposing the USB printer class
func detectUSB() ([]*Printer, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var printers []*Printer

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Class == gousb.ClassPrinter {
			return true
		}
		for _, cfg := range desc.Configs {
			for _, iface := range cfg.Interfaces {
				for _, alt := range iface.AltSettings {
					if alt.Class == gousb.ClassPrinter {
						return true
					}
				}
			}
		}
		return false
	})
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	for _, dev := range devices {
		desc := dev.Desc
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()

		description := fmt.Sprintf("USB: %04X:%04X", desc.Vendor, desc.Product)
		if manufacturer != "" || product != "" {
			description = fmt.Sprintf("USB: %s %s (%04X:%04X)",
				manufacturer, product, desc.Vendor, desc.Product)
		}

		printers = append(printers, &Printer{
			ID:          fmt.Sprintf("usb:%04X:%04X", uint16(desc.Vendor), uint16(desc.Product)),
			Type:        "usb",
			Description: description,
			VID:         uint16(desc.Vendor),
			PID:         uint16(desc.Product),
		})
		dev.Close()
	}

	return printers, nil
}

// SerialCandidates lists serial device paths that may host a printer
func SerialCandidates() []string {
	var ports []string

	switch runtime.GOOS {
	case "darwin":
		skipPatterns := []string{"Bluetooth", "Modem", "SPP", "DialIn", "Callout", "KeySerial", "debug-console"}
		cuPorts, _ := filepath.Glob("/dev/cu.*")

		for _, port := range cuPorts {
			skip := false
			for _, pattern := range skipPatterns {
				if strings.Contains(port, pattern) {
					skip = true
					break
				}
			}
			if !skip {
				ports = append(ports, port)
			}
		}

	case "linux":
		usbPorts, _ := filepath.Glob("/dev/ttyUSB*")
		acmPorts, _ := filepath.Glob("/dev/ttyACM*")
		lpPorts, _ := filepath.Glob("/dev/usb/lp*")
		ports = append(ports, usbPorts...)
		ports = append(ports, acmPorts...)
		ports = append(ports, lpPorts...)

	case "windows":
		for i := 1; i <= 32; i++ {
			ports = append(ports, fmt.Sprintf("COM%d", i))
		}
	}

	return ports
}

func (m *Manager) detectSerial() []*Printer {
	var printers []*Printer

	for _, portPath := range SerialCandidates() {
		if m.probeSerial && isSerialPort(portPath) {
			port, err := serial.OpenPort(&serial.Config{Name: portPath, Baud: 9600})
			if err != nil {
				continue
			}
			port.Close()
		}

		printers = append(printers, &Printer{
			ID:          "serial:" + portPath,
			Type:        "serial",
			Description: fmt.Sprintf("Serial: %s", filepath.Base(portPath)),
			Device:      portPath,
		})
	}

	return printers
}

package printer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/tarm/serial"
)

// HostTransport prints through the host OS driver: a usblp device node such
// as /dev/usb/lp0, or a USB-serial port (/dev/ttyUSB0, /dev/cu.*, COM3). The
// port is opened per send so the device can be unplugged between jobs.
type HostTransport struct {
	Device string
	Baud   int

	mu     sync.Mutex
	openFn func(device string, baud int) (io.WriteCloser, error)
}

// NewHostTransport creates a host device transport
func NewHostTransport(device string, baud int) *HostTransport {
	if baud == 0 {
		baud = 9600
	}
	return &HostTransport{
		Device: device,
		Baud:   baud,
		openFn: OpenDevice,
	}
}

// Name returns the transport name
func (t *HostTransport) Name() string { return TransportHostUSB }

// Available reports whether the device node exists
func (t *HostTransport) Available() bool {
	if t.Device == "" {
		return false
	}
	if strings.HasPrefix(t.Device, "COM") {
		return true
	}
	_, err := os.Stat(t.Device)
	return err == nil
}

// Send opens the device, writes everything and closes it
func (t *HostTransport) Send(ctx context.Context, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Device == "" {
		return 0, fmt.Errorf("host device not configured: %w", ErrTransportUnavailable)
	}

	w, err := t.openFn(t.Device, t.Baud)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", t.Device, err)
	}
	defer w.Close()

	n, err := writeAll(ctx, data, 4096, w.Write)
	if err != nil {
		return n, fmt.Errorf("failed to write to %s: %w", t.Device, err)
	}
	return n, nil
}

// OpenDevice opens a serial port or a raw device node for writing
func OpenDevice(device string, baud int) (io.WriteCloser, error) {
	if isSerialPort(device) {
		return OpenSerial(device, baud)
	}
	return os.OpenFile(device, os.O_WRONLY, 0)
}

// OpenSerial opens a serial port with 8N1 framing
func OpenSerial(device string, baud int) (*serial.Port, error) {
	if baud == 0 {
		baud = 9600
	}
	return serial.OpenPort(&serial.Config{
		Name:     device,
		Baud:     baud,
		Size:     8,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1,
	})
}

func isSerialPort(device string) bool {
	return strings.HasPrefix(device, "/dev/tty") ||
		strings.HasPrefix(device, "/dev/cu.") ||
		strings.HasPrefix(device, "COM")
}

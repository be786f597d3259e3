package printer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/gousb"
	"go.uber.org/zap"
)

const maxUSBPacket = 32

// usbLink is an open, claimed bulk OUT endpoint
type usbLink interface {
	Write(ctx context.Context, p []byte) (int, error)
	PacketSize() int
	ClearHalt() error
	Reset() error
	Reclaim() error
	Close() error
}

// USBTransport writes directly to a printer's bulk OUT endpoint through libusb
type USBTransport struct {
	vid, pid uint16
	dial     func(vid, pid uint16) (usbLink, error)
	logger   *zap.Logger

	// mu is held for a whole transfer; open mirrors link != nil so
	// Available never waits behind a send
	mu   sync.Mutex
	link usbLink
	open atomic.Bool
}

// NewUSBTransport creates a USB transport for the given vendor/product id.
// The device is not opened until Open is called.
func NewUSBTransport(vid, pid uint16, logger *zap.Logger) *USBTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &USBTransport{
		vid:    vid,
		pid:    pid,
		dial:   openGousbLink,
		logger: logger.Named("usb"),
	}
}

// Name returns the transport name
func (t *USBTransport) Name() string { return TransportUSB }

// Available reports whether a device handle is currently open
func (t *USBTransport) Available() bool {
	return t.open.Load()
}

// Matches reports whether a detected printer is this transport's device
func (t *USBTransport) Matches(p *Printer) bool {
	return p.Type == "usb" && p.VID == t.vid && p.PID == t.pid
}

// Open claims the device. Opening an already open transport is a no-op.
func (t *USBTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link != nil {
		return nil
	}

	link, err := t.dial(t.vid, t.pid)
	if err != nil {
		return err
	}
	t.link = link
	t.open.Store(true)
	t.logger.Info("usb printer opened", zap.String("id", fmt.Sprintf("%04X:%04X", t.vid, t.pid)))
	return nil
}

// Follow opens the device when the monitor detects it and closes it when it
// goes away. A failed open is retried on every scan while the device stays
// attached.
func (t *USBTransport) Follow(m *Monitor) {
	open := func(p *Printer) {
		if !t.Matches(p) || t.Available() {
			return
		}
		if err := t.Open(); err != nil {
			t.logger.Warn("failed to open usb printer", zap.String("printer", p.Description), zap.Error(err))
		}
	}
	m.OnAdded(open)
	m.OnPresent(open)
	m.OnRemoved(func(p *Printer) {
		if t.Matches(p) {
			t.Close()
		}
	})
}

// Close releases the device
func (t *USBTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link == nil {
		return nil
	}
	t.open.Store(false)
	err := t.link.Close()
	t.link = nil
	return err
}

// Send writes data in packet-sized chunks. On a transfer error the endpoint is
// cleared, the device reset and the interface reclaimed before the remaining
// bytes are retried once.
func (t *USBTransport) Send(ctx context.Context, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link == nil {
		return 0, fmt.Errorf("usb %04X:%04X: %w", t.vid, t.pid, ErrTransportUnavailable)
	}

	if err := t.link.ClearHalt(); err != nil {
		t.logger.Debug("clear halt before transfer failed", zap.Error(err))
	}

	write := func(p []byte) (int, error) { return t.link.Write(ctx, p) }
	sent, err := writeAll(ctx, data, t.link.PacketSize(), write)
	if err == nil {
		return sent, nil
	}
	if !isTransferError(err) {
		return sent, fmt.Errorf("usb write failed: %w", err)
	}

	t.logger.Warn("usb transfer error, recovering", zap.Int("sent", sent), zap.Error(err))
	if rerr := t.recover(); rerr != nil {
		return sent, fmt.Errorf("usb recovery failed after %v: %w", err, rerr)
	}

	n, err := writeAll(ctx, data[sent:], t.link.PacketSize(), write)
	sent += n
	if err != nil {
		return sent, fmt.Errorf("usb write failed after recovery: %w", err)
	}
	return sent, nil
}

func (t *USBTransport) recover() error {
	if err := t.link.ClearHalt(); err != nil {
		t.logger.Debug("clear halt failed", zap.Error(err))
	}
	if err := t.link.Reset(); err != nil {
		t.logger.Debug("device reset failed", zap.Error(err))
	}
	return t.link.Reclaim()
}

// isTransferError reports errors raised by a bulk transfer itself, as opposed
// to a missing device or a cancelled context.
func isTransferError(err error) bool {
	var status gousb.TransferStatus
	if errors.As(err, &status) {
		return status != gousb.TransferNoDevice && status != gousb.TransferCancelled
	}

	var usbErr gousb.Error
	if errors.As(err, &usbErr) {
		switch usbErr {
		case gousb.ErrorIO, gousb.ErrorPipe, gousb.ErrorTimeout, gousb.ErrorOverflow, gousb.ErrorBusy:
			return true
		}
	}
	return false
}

// gousbLink is a usbLink backed by libusb
type gousbLink struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	iface *gousb.Interface
	ep    *gousb.OutEndpoint

	cfgNum, ifaceNum, altNum, epNum int
}

func openGousbLink(vid, pid uint16) (usbLink, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to open USB device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device not found: %04X:%04X", vid, pid)
	}

	// detach usblp or other kernel drivers when claiming
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to enable auto detach: %w", err)
	}

	l := &gousbLink{ctx: ctx, dev: dev}
	if err := l.locateEndpoint(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	if err := l.claim(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return l, nil
}

// locateEndpoint finds the first interface setting with a bulk OUT endpoint
func (l *gousbLink) locateEndpoint() error {
	for _, cfgDesc := range l.dev.Desc.Configs {
		for _, ifaceDesc := range cfgDesc.Interfaces {
			for _, alt := range ifaceDesc.AltSettings {
				for _, ep := range alt.Endpoints {
					if ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk {
						l.cfgNum = cfgDesc.Number
						l.ifaceNum = ifaceDesc.Number
						l.altNum = alt.Alternate
						l.epNum = ep.Number
						return nil
					}
				}
			}
		}
	}
	return fmt.Errorf("no bulk OUT endpoint found on %s", l.dev.Desc)
}

func (l *gousbLink) claim() error {
	cfg, err := l.dev.Config(l.cfgNum)
	if err != nil {
		return fmt.Errorf("failed to set config %d: %w", l.cfgNum, err)
	}

	iface, err := cfg.Interface(l.ifaceNum, l.altNum)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("failed to claim interface %d: %w", l.ifaceNum, err)
	}

	ep, err := iface.OutEndpoint(l.epNum)
	if err != nil {
		iface.Close()
		cfg.Close()
		return fmt.Errorf("failed to open endpoint %d: %w", l.epNum, err)
	}

	l.cfg, l.iface, l.ep = cfg, iface, ep
	return nil
}

func (l *gousbLink) release() {
	if l.iface != nil {
		l.iface.Close()
		l.iface = nil
	}
	if l.cfg != nil {
		l.cfg.Close()
		l.cfg = nil
	}
	l.ep = nil
}

// Write runs one bulk transfer that is cancelled with ctx
func (l *gousbLink) Write(ctx context.Context, p []byte) (int, error) {
	if l.ep == nil {
		return 0, ErrTransportUnavailable
	}
	return l.ep.WriteContext(ctx, p)
}

func (l *gousbLink) PacketSize() int {
	if l.ep == nil || l.ep.Desc.MaxPacketSize <= 0 {
		return maxUSBPacket
	}
	if l.ep.Desc.MaxPacketSize < maxUSBPacket {
		return l.ep.Desc.MaxPacketSize
	}
	return maxUSBPacket
}

// ClearHalt sends CLEAR_FEATURE(ENDPOINT_HALT) to the OUT endpoint
func (l *gousbLink) ClearHalt() error {
	if l.ep == nil {
		return ErrTransportUnavailable
	}
	const (
		requestTypeEndpoint = 0x02
		requestClearFeature = 0x01
		featureEndpointHalt = 0x00
	)
	_, err := l.dev.Control(requestTypeEndpoint, requestClearFeature, featureEndpointHalt, uint16(l.ep.Desc.Address), nil)
	return err
}

func (l *gousbLink) Reset() error {
	l.release()
	return l.dev.Reset()
}

func (l *gousbLink) Reclaim() error {
	l.release()
	return l.claim()
}

func (l *gousbLink) Close() error {
	l.release()
	err := l.dev.Close()
	if cerr := l.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}

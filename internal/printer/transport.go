package printer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Transport names
const (
	TransportUSB     = "usb"
	TransportHostUSB = "host_usb"
	TransportNetwork = "network"
	TransportHelper  = "helper"
)

var (
	// ErrTransportUnavailable is returned when a transport cannot send right now
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrNoTransport is returned when no transport is available
	ErrNoTransport = errors.New("no transport available")
)

// Transport delivers a command buffer to a printer
type Transport interface {
	Name() string
	Available() bool
	Send(ctx context.Context, data []byte) (int, error)
}

// Selector picks the transport used for one delivery attempt. An override
// names a transport that is always used when set; otherwise the first
// available transport in order wins.
type Selector struct {
	mu       sync.RWMutex
	override Transport
	ordered  []Transport
}

// NewSelector creates a selector over transports in priority order
func NewSelector(ordered ...Transport) *Selector {
	s := &Selector{}
	for _, t := range ordered {
		if t != nil {
			s.ordered = append(s.ordered, t)
		}
	}
	return s
}

// SetOverride forces a specific transport, nil clears it
func (s *Selector) SetOverride(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = t
}

// Pick returns the transport for the next attempt
func (s *Selector) Pick() (Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.override != nil {
		return s.override, nil
	}

	for _, t := range s.ordered {
		if t.Available() {
			return t, nil
		}
	}
	return nil, ErrNoTransport
}

// Names lists the configured transports in order
func (s *Selector) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.ordered)+1)
	if s.override != nil {
		names = append(names, s.override.Name()+" (override)")
	}
	for _, t := range s.ordered {
		names = append(names, t.Name())
	}
	return names
}

// writeAll writes data in full or returns how far it got
func writeAll(ctx context.Context, data []byte, chunk int, write func([]byte) (int, error)) (int, error) {
	if chunk <= 0 {
		chunk = len(data)
	}

	sent := 0
	for sent < len(data) {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		end := sent + chunk
		if end > len(data) {
			end = len(data)
		}

		n, err := write(data[sent:end])
		sent += n
		if err != nil {
			return sent, err
		}
		if n == 0 {
			return sent, fmt.Errorf("short write at %d/%d bytes", sent, len(data))
		}
	}
	return sent, nil
}

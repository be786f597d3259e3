package printer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

const defaultDialTimeout = 10 * time.Second

// NetworkTransport sends raw commands to a printer's TCP port (9100). When
// direct sockets are disabled or the dial fails, and a relay URL is set, the
// buffer goes to a remote helper that opens the socket on our behalf.
type NetworkTransport struct {
	Host           string
	Port           int
	RelayURL       string
	DirectDisabled bool
	DialTimeout    time.Duration

	client *http.Client
	dialer *net.Dialer
}

// NewNetworkTransport creates a network transport for host:port
func NewNetworkTransport(host string, port int, relayURL string) *NetworkTransport {
	if port == 0 {
		port = 9100
	}
	return &NetworkTransport{
		Host:        host,
		Port:        port,
		RelayURL:    relayURL,
		DialTimeout: defaultDialTimeout,
		client:      &http.Client{Timeout: 30 * time.Second},
		dialer:      &net.Dialer{},
	}
}

// Name returns the transport name
func (t *NetworkTransport) Name() string { return TransportNetwork }

// Available reports whether a network target is configured
func (t *NetworkTransport) Available() bool {
	return t.Host != ""
}

// Address returns host:port
func (t *NetworkTransport) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Send delivers data directly or through the relay
func (t *NetworkTransport) Send(ctx context.Context, data []byte) (int, error) {
	if t.Host == "" {
		return 0, fmt.Errorf("network printer not configured: %w", ErrTransportUnavailable)
	}

	if !t.DirectDisabled {
		n, err := t.sendDirect(ctx, data)
		if err == nil || t.RelayURL == "" {
			return n, err
		}
		if n > 0 {
			// part of the job already reached the printer
			return n, err
		}
	}

	if t.RelayURL == "" {
		return 0, fmt.Errorf("direct sockets disabled and no relay configured: %w", ErrTransportUnavailable)
	}
	return t.sendRelay(ctx, data)
}

func (t *NetworkTransport) sendDirect(ctx context.Context, data []byte) (int, error) {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.dialer.DialContext(dialCtx, "tcp", t.Address())
	if err != nil {
		return 0, fmt.Errorf("failed to connect to network printer %s: %w", t.Address(), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}

	n, err := writeAll(ctx, data, 0, conn.Write)
	if err != nil {
		return n, fmt.Errorf("failed to write to network printer %s: %w", t.Address(), err)
	}
	return n, nil
}

type relayRequest struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
	Data string `json:"data"`
}

type relayResponse struct {
	Success   bool   `json:"success"`
	BytesSent int    `json:"bytesSent"`
	Error     string `json:"error"`
	Details   string `json:"details"`
}

func (t *NetworkTransport) sendRelay(ctx context.Context, data []byte) (int, error) {
	body, err := json.Marshal(relayRequest{
		IP:   t.Host,
		Port: t.Port,
		Data: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.RelayURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	var out relayResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if out.Details != "" {
			msg += ": " + out.Details
		}
		if msg == "" {
			msg = resp.Status
		}
		return 0, fmt.Errorf("relay rejected print: %s", msg)
	}
	if decodeErr != nil {
		return 0, fmt.Errorf("invalid relay response: %w", decodeErr)
	}
	if out.BytesSent == 0 {
		out.BytesSent = len(data)
	}
	return out.BytesSent, nil
}

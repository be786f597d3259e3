package printer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultHelperURL is where the local print helper listens
const DefaultHelperURL = "http://127.0.0.1:9100"

// HelperTransport relays to the local print helper process over loopback HTTP
type HelperTransport struct {
	BaseURL string
	client  *http.Client
}

// NewHelperTransport creates a helper transport
func NewHelperTransport(baseURL string) *HelperTransport {
	if baseURL == "" {
		baseURL = DefaultHelperURL
	}
	return &HelperTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the transport name
func (t *HelperTransport) Name() string { return TransportHelper }

// Available is always true: the helper is the last resort and a missing
// helper surfaces as a send error.
func (t *HelperTransport) Available() bool { return true }

// HelperStatus is the helper's GET /status body
type HelperStatus struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Port      string `json:"port"`
	Timestamp string `json:"timestamp"`
}

// Status queries the helper
func (t *HelperTransport) Status(ctx context.Context) (*HelperStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("helper unreachable: %w", err)
	}
	defer resp.Body.Close()

	var st HelperStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("invalid helper status: %w", err)
	}
	return &st, nil
}

// Send posts the buffer as base64 JSON to /print
func (t *HelperTransport) Send(ctx context.Context, data []byte) (int, error) {
	body, err := json.Marshal(map[string]string{
		"data": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/print", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("local helper unreachable: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success   bool   `json:"success"`
		BytesSent int    `json:"bytesSent"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && resp.StatusCode == http.StatusOK {
		return 0, fmt.Errorf("invalid helper response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return 0, fmt.Errorf("local helper failed: %s", msg)
	}
	if out.BytesSent == 0 {
		out.BytesSent = len(data)
	}
	return out.BytesSent, nil
}

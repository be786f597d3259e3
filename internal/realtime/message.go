// Package realtime is the publish-subscribe channel between the dispatcher
// hub and the bridges: a websocket hub on the server and a websocket client on
// each bridge. Every frame is a Message envelope.
package realtime

import (
	"encoding/json"
	"errors"
	"time"
)

// Event names
const (
	EventHeartbeat = "presence_heartbeat"
	EventJoin      = "presence_join"
	EventLeave     = "presence_leave"
	EventSync      = "presence_sync"

	EventPrintJob         = "print_job"
	EventPrintJobResponse = "print_job_response"
	EventError            = "error"
)

// Topics a connection subscribes to
const (
	TopicPresence = "presence"
	TopicJobs     = "jobs"
)

// Outcome statuses
const (
	OutcomeOK    = "OK"
	OutcomeError = "ERROR"
)

var (
	// ErrNotDelivered is returned when no connected bridge received a job
	ErrNotDelivered = errors.New("no subscriber received the job")
	// ErrClosed is returned when sending on a closed session
	ErrClosed = errors.New("realtime session closed")
)

// Message is the websocket envelope
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes v as the message data
func NewMessage(event string, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Data: data}, nil
}

// JobAnnouncement tells a bridge about a new job. Payload is the ledger
// payload, base64 in JSON.
type JobAnnouncement struct {
	JobID        string          `json:"jobId"`
	DeviceID     string          `json:"deviceId"`
	Payload      []byte          `json:"payload"`
	DocumentType string          `json:"documentType"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Outcome is a bridge's report on one job
type Outcome struct {
	JobID            string    `json:"jobId"`
	DeviceID         string    `json:"deviceId"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Error            string    `json:"error,omitempty"`
	DialectUsed      string    `json:"dialectUsed,omitempty"`
	TransportType    string    `json:"transportType,omitempty"`
	ProcessingTimeMs int64     `json:"processingTimeMs,omitempty"`
	Attempts         int       `json:"attempts,omitempty"`
}

type errorData struct {
	Error string `json:"error"`
}

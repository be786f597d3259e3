// Package ledger is the durable record of print jobs. It is the source of
// truth a bridge falls back to whenever the realtime channel misses a job.
package ledger

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is a job lifecycle state
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Unassigned is the target of a job no bridge has claimed yet
const Unassigned = "unassigned"

// DefaultMaxAttempts is the delivery attempt budget of a new job
const DefaultMaxAttempts = 2

var (
	ErrNotFound          = errors.New("job not found")
	ErrNotClaimable      = errors.New("job is not claimable")
	ErrInvalidTransition = errors.New("invalid status transition")
)

var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a status name
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return Status(s), true
	}
	return "", false
}

// Job is one ledger row
type Job struct {
	ID             string          `json:"id"`
	Payload        []byte          `json:"payload"`
	TargetDeviceID string          `json:"targetDeviceId"`
	DocumentType   string          `json:"documentType"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	SubmittedBy    string          `json:"submittedBy,omitempty"`
	RecordID       string          `json:"recordId,omitempty"`

	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`

	CreatedAt            time.Time  `json:"createdAt"`
	ProcessingStartedAt  *time.Time `json:"processingStartedAt,omitempty"`
	FinishedAt           *time.Time `json:"finishedAt,omitempty"`
	ProcessingDurationMs *int64     `json:"processingDurationMs,omitempty"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
}

// NewJob is the input of Create
type NewJob struct {
	Payload        []byte
	TargetDeviceID string
	DocumentType   string
	Metadata       json.RawMessage
	SubmittedBy    string
	RecordID       string
	MaxAttempts    int
}

// Filter narrows List
type Filter struct {
	Status   Status
	DeviceID string
	Limit    int
}

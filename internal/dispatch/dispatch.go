// Package dispatch accepts print requests, picks the bridge that should run
// them, records them in the ledger and announces them on the realtime
// channel.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/presence"
	"github.com/thereceipt/print-bridge/internal/realtime"
)

// Document types
const (
	DocServiceOrder = "service_order"
	DocChecklist    = "checklist"
	DocReceipt      = "receipt"
	DocWarranty     = "warranty"
	DocCustom       = "custom"
)

var documentTypes = map[string]bool{
	DocServiceOrder: true,
	DocChecklist:    true,
	DocReceipt:      true,
	DocWarranty:     true,
	DocCustom:       true,
}

const (
	DefaultSyncWait       = 3 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// ErrInvalidRequest is matched by every ValidationError
var ErrInvalidRequest = errors.New("invalid print request")

// ValidationError rejects a request before any job is created
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// Ledger is the part of the job ledger the dispatcher writes to
type Ledger interface {
	Create(ctx context.Context, nj ledger.NewJob) (*ledger.Job, error)
	LatestTarget(ctx context.Context) (string, bool, error)
	HasProcessing(ctx context.Context, deviceID string) (bool, error)
}

// Publisher announces jobs to bridges
type Publisher interface {
	PublishJob(ctx context.Context, ann realtime.JobAnnouncement) error
}

// Request is one print submission
type Request struct {
	SubmittedBy  string          `json:"userId"`
	RecordID     string          `json:"recordId"`
	Payload      []byte          `json:"payload"`
	DocumentType string          `json:"documentType"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Result is the synchronous answer to a submission
type Result struct {
	Success          bool   `json:"success"`
	JobID            string `json:"jobId"`
	DeviceID         string `json:"deviceId"`
	Queued           bool   `json:"queued"`
	Message          string `json:"message"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
}

// Options tunes the dispatcher
type Options struct {
	SyncWait    time.Duration
	StaleAfter  time.Duration
	MaxAttempts int
}

// Dispatcher is stateless per request and safe for concurrent use
type Dispatcher struct {
	ledger    Ledger
	dir       presence.Directory
	publisher Publisher
	opts      Options
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a dispatcher
func New(l Ledger, dir presence.Directory, pub Publisher, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.SyncWait <= 0 {
		opts.SyncWait = DefaultSyncWait
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = presence.DefaultStaleAfter
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = ledger.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		ledger:    l,
		dir:       dir,
		publisher: pub,
		opts:      opts,
		now:       time.Now,
		logger:    logger.Named("dispatch"),
	}
}

// Validate checks a request without side effects
func Validate(req *Request) error {
	if len(req.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	if !documentTypes[req.DocumentType] {
		return &ValidationError{Field: "documentType", Reason: fmt.Sprintf("unknown document type %q", req.DocumentType)}
	}
	if req.SubmittedBy != "" {
		if _, err := uuid.Parse(req.SubmittedBy); err != nil {
			return &ValidationError{Field: "userId", Reason: "must be a UUID"}
		}
	}
	if req.RecordID != "" {
		if _, err := uuid.Parse(req.RecordID); err != nil {
			return &ValidationError{Field: "recordId", Reason: "must be a UUID"}
		}
	}
	if len(req.Metadata) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(req.Metadata, &obj); err != nil || obj == nil {
			return &ValidationError{Field: "metadata", Reason: "must be a JSON object"}
		}
	}
	return nil
}

// Submit creates the job and announces it. Only validation and ledger errors
// fail the call; a missing bridge or a failed announcement leaves the job
// pending for the next ledger poll.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Result, error) {
	start := d.now()

	if err := Validate(&req); err != nil {
		return nil, err
	}

	target, err := d.pickTarget(ctx)
	if err != nil {
		return nil, err
	}

	busy := false
	if target != ledger.Unassigned {
		busy, err = d.ledger.HasProcessing(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("failed to check bridge load: %w", err)
		}
	}

	job, err := d.ledger.Create(ctx, ledger.NewJob{
		Payload:        req.Payload,
		TargetDeviceID: target,
		DocumentType:   req.DocumentType,
		Metadata:       req.Metadata,
		SubmittedBy:    req.SubmittedBy,
		RecordID:       req.RecordID,
		MaxAttempts:    d.opts.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	log := d.logger.With(zap.String("job_id", job.ID), zap.String("device_id", target))

	pubCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	if err := d.publisher.PublishJob(pubCtx, realtime.JobAnnouncement{
		JobID:        job.ID,
		DeviceID:     target,
		Payload:      req.Payload,
		DocumentType: req.DocumentType,
		Metadata:     req.Metadata,
	}); err != nil {
		log.Warn("job announcement failed, left for ledger poll", zap.Error(err))
	}

	queued := busy || target == ledger.Unassigned
	res := &Result{
		Success:          true,
		JobID:            job.ID,
		DeviceID:         target,
		Queued:           queued,
		Message:          resultMessage(target, busy),
		ProcessingTimeMs: d.now().Sub(start).Milliseconds(),
	}
	log.Info("job dispatched", zap.Bool("queued", queued), zap.String("document_type", req.DocumentType))
	return res, nil
}

func resultMessage(target string, busy bool) string {
	switch {
	case target == ledger.Unassigned:
		return "no bridge online, job queued for the first bridge to connect"
	case busy:
		return "bridge busy, job queued"
	default:
		return "job sent to bridge"
	}
}

// pickTarget ranks online bridges, then falls back to the last job's target,
// then to Unassigned
func (d *Dispatcher) pickTarget(ctx context.Context) (string, error) {
	records := d.awaitSync(ctx)
	if candidates := presence.Candidates(records, d.now(), d.opts.StaleAfter); len(candidates) > 0 {
		return candidates[0].DeviceID, nil
	}

	target, ok, err := d.ledger.LatestTarget(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to look up previous target: %w", err)
	}
	if ok {
		return target, nil
	}
	return ledger.Unassigned, nil
}

// awaitSync waits for the directory's sync, bounded by SyncWait, and falls
// back to a plain snapshot
func (d *Dispatcher) awaitSync(ctx context.Context) []presence.Record {
	synced := make(chan []presence.Record, 1)
	unsubscribe := d.dir.Subscribe(presence.Handlers{
		OnSync: func(rs []presence.Record) {
			select {
			case synced <- rs:
			default:
			}
		},
	})
	defer unsubscribe()

	timer := time.NewTimer(d.opts.SyncWait)
	defer timer.Stop()

	select {
	case rs := <-synced:
		return rs
	case <-timer.C:
		d.logger.Debug("presence sync timed out, using snapshot")
	case <-ctx.Done():
	}

	rs, err := d.dir.Snapshot(ctx)
	if err != nil {
		d.logger.Warn("presence snapshot failed", zap.Error(err))
		return nil
	}
	return rs
}

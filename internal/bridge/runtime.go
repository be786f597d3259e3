// Package bridge runs on each device attached to a printer. It keeps a
// presence session and a job subscription alive, queues announced jobs in
// arrival order, and delivers them one at a time with retry and dialect
// fallback. The job ledger is polled for anything the channel missed.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/presence"
	"github.com/thereceipt/print-bridge/internal/printer"
	"github.com/thereceipt/print-bridge/internal/realtime"
)

// DefaultPollInterval is how often the ledger is polled regardless of
// channel activity
const DefaultPollInterval = 30 * time.Second

// Ledger is the part of the job ledger a bridge mutates
type Ledger interface {
	ClaimNextFor(ctx context.Context, deviceID string) (*ledger.Job, bool, error)
	Claim(ctx context.Context, jobID, deviceID string) (*ledger.Job, error)
	RecordAttempt(ctx context.Context, jobID, deviceID string) (int, error)
	Finish(ctx context.Context, jobID, deviceID string, status ledger.Status, errorMessage string) error
}

// TransportPicker chooses the transport for one attempt
type TransportPicker interface {
	Pick() (printer.Transport, error)
}

// Config tunes a runtime
type Config struct {
	DeviceID          string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	Retry             RetryPolicy
	Backoff           Backoff
}

// State is a point-in-time view of the runtime
type State struct {
	DeviceID          string
	PresenceConnected bool
	JobsConnected     bool
	Queued            int
	CurrentJob        string
	Processed         int
	Failed            int
}

// Runtime is one bridge. All of its timers and connections are owned by
// Run and torn down when Run returns.
type Runtime struct {
	cfg        Config
	ledger     Ledger
	channel    Channel
	transports TransportPicker
	prefs      *PreferenceStore
	diag       *DiagnosticLog
	logger     *zap.Logger

	mu      sync.Mutex
	fifo    []realtime.JobAnnouncement
	jobConn JobConn
	state   State

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// New creates a runtime
func New(cfg Config, l Ledger, ch Channel, transports TransportPicker, prefs *PreferenceStore, diag *DiagnosticLog, logger *zap.Logger) (*Runtime, error) {
	if cfg.DeviceID == "" || cfg.DeviceID == ledger.Unassigned {
		return nil, fmt.Errorf("invalid device id %q", cfg.DeviceID)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = presence.DefaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if prefs == nil {
		prefs, _ = NewPreferenceStore("", logger)
	}
	if diag == nil {
		diag = NewDiagnosticLog(DefaultDiagnosticSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runtime{
		cfg:        cfg,
		ledger:     l,
		channel:    ch,
		transports: transports,
		prefs:      prefs,
		diag:       diag,
		logger:     logger.Named("bridge").With(zap.String("device_id", cfg.DeviceID)),
		state:      State{DeviceID: cfg.DeviceID},
		wake:       make(chan struct{}, 1),
	}, nil
}

// Diagnostics returns the runtime's diagnostic log
func (r *Runtime) Diagnostics() *DiagnosticLog { return r.diag }

// State returns a snapshot of the runtime
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	s.Queued = len(r.fifo)
	return s
}

// Start runs the bridge in the background until Stop
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		err := r.Run(ctx)
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
		close(done)
	}()
}

// Stop cancels every loop and suppresses reconnects. It waits for the
// attempt in flight to settle; a job that still has attempts left is left
// processing for the stale re-claim.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Run blocks until ctx is done
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("bridge starting")
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.superviseJobs(ctx) })
	g.Go(func() error { return r.supervisePresence(ctx) })
	g.Go(func() error { return r.worker(ctx) })
	g.Go(func() error { return r.prefs.Watch(ctx) })

	err := g.Wait()
	r.logger.Info("bridge stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Enqueue appends an announced job to the FIFO and wakes the worker.
// Announcements for other devices are dropped.
func (r *Runtime) Enqueue(ann realtime.JobAnnouncement) {
	if ann.DeviceID != "" && ann.DeviceID != ledger.Unassigned && ann.DeviceID != r.cfg.DeviceID {
		return
	}

	r.mu.Lock()
	r.fifo = append(r.fifo, ann)
	r.mu.Unlock()

	r.logger.Debug("job queued", zap.String("job_id", ann.JobID))
	r.signal()
}

func (r *Runtime) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runtime) dequeue() (realtime.JobAnnouncement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fifo) == 0 {
		return realtime.JobAnnouncement{}, false
	}
	ann := r.fifo[0]
	r.fifo = r.fifo[1:]
	return ann, true
}

func (r *Runtime) fifoEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fifo) == 0
}

// worker is the only goroutine that executes jobs
func (r *Runtime) worker(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			ann, ok := r.dequeue()
			if !ok {
				break
			}
			r.handleAnnouncement(ctx, ann)
			if ctx.Err() != nil {
				return nil
			}
		}

		r.pollLedger(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

func (r *Runtime) handleAnnouncement(ctx context.Context, ann realtime.JobAnnouncement) {
	job, err := r.ledger.Claim(ctx, ann.JobID, r.cfg.DeviceID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotClaimable) || errors.Is(err, ledger.ErrNotFound) {
			r.logger.Debug("announced job not claimable, skipping", zap.String("job_id", ann.JobID), zap.Error(err))
			return
		}
		r.logger.Warn("failed to claim announced job", zap.String("job_id", ann.JobID), zap.Error(err))
		return
	}
	r.process(ctx, job)
}

// pollLedger claims and runs ledger jobs while the FIFO stays empty
func (r *Runtime) pollLedger(ctx context.Context) {
	for ctx.Err() == nil && r.fifoEmpty() {
		job, ok, err := r.ledger.ClaimNextFor(ctx, r.cfg.DeviceID)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("ledger poll failed", zap.Error(err))
			}
			return
		}
		if !ok {
			return
		}
		r.logger.Info("picked up job from ledger", zap.String("job_id", job.ID))
		r.process(ctx, job)
	}
}

// process delivers one claimed job to a terminal state
func (r *Runtime) process(ctx context.Context, job *ledger.Job) {
	start := time.Now()
	log := r.logger.With(zap.String("job_id", job.ID))

	r.mu.Lock()
	r.state.CurrentJob = job.ID
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.state.CurrentJob = ""
		r.mu.Unlock()
	}()

	dialect := r.prefs.Get(r.cfg.DeviceID)
	var (
		last     attemptResult
		attempts int
	)
	for {
		n, err := r.ledger.RecordAttempt(ctx, job.ID, r.cfg.DeviceID)
		if err != nil {
			log.Warn("job no longer held, abandoning", zap.Error(err))
			return
		}
		attempts = n

		// a started send is never cut short by Stop, only by its timeout
		last = r.attempt(context.WithoutCancel(ctx), job.Payload, dialect)
		if last.Err == nil {
			break
		}
		log.Warn("print attempt failed",
			zap.Int("attempt", n),
			zap.String("dialect", string(dialect)),
			zap.String("transport", last.Transport),
			zap.Error(last.Err))

		if n >= job.MaxAttempts {
			break
		}
		if !sleepCtx(ctx, r.cfg.Retry.Delay) {
			log.Info("stopped between attempts, job left for re-claim", zap.Int("attempts", n))
			return
		}
		dialect = r.cfg.Retry.NextDialect(dialect)
	}

	elapsed := time.Since(start)
	outcome := realtime.Outcome{
		JobID:            job.ID,
		DeviceID:         r.cfg.DeviceID,
		Timestamp:        time.Now(),
		DialectUsed:      string(last.Dialect),
		TransportType:    last.Transport,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Attempts:         attempts,
	}
	diag := Diagnostic{
		Time:      outcome.Timestamp,
		JobID:     job.ID,
		Dialect:   string(last.Dialect),
		Transport: last.Transport,
		Attempts:  attempts,
		ElapsedMs: elapsed.Milliseconds(),
	}

	// terminal writes use a fresh context so a stop mid-job still records it
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if last.Err == nil {
		if err := r.prefs.Save(r.cfg.DeviceID, last.Dialect); err != nil {
			log.Warn("failed to save preferred dialect", zap.Error(err))
		}
		if err := r.ledger.Finish(finishCtx, job.ID, r.cfg.DeviceID, ledger.StatusCompleted, ""); err != nil {
			log.Error("failed to mark job completed", zap.Error(err))
		}
		outcome.Status = realtime.OutcomeOK
		diag.Status = string(ledger.StatusCompleted)

		r.mu.Lock()
		r.state.Processed++
		r.mu.Unlock()

		log.Info("job completed",
			zap.String("dialect", string(last.Dialect)),
			zap.String("transport", last.Transport),
			zap.Int("attempt", attempts),
			zap.Duration("elapsed", elapsed))
	} else {
		msg := last.Err.Error()
		if err := r.ledger.Finish(finishCtx, job.ID, r.cfg.DeviceID, ledger.StatusFailed, msg); err != nil {
			log.Error("failed to mark job failed", zap.Error(err))
		}
		outcome.Status = realtime.OutcomeError
		outcome.Error = msg
		diag.Status = string(ledger.StatusFailed)
		diag.Error = msg

		r.mu.Lock()
		r.state.Failed++
		r.mu.Unlock()

		log.Error("job failed",
			zap.Int("attempt", attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(last.Err))
	}

	r.diag.Add(diag)
	r.publishOutcome(outcome)
}

// attempt encodes for the dialect and sends through one transport
func (r *Runtime) attempt(ctx context.Context, payload []byte, dialect printer.Dialect) attemptResult {
	data := payload
	if dialect != printer.DialectESCPOS {
		converted, err := printer.ConvertDialect(payload, printer.DialectESCPOS, dialect)
		if err != nil {
			return attemptResult{Dialect: dialect, Err: err}
		}
		data = converted
	}

	t, err := r.transports.Pick()
	if err != nil {
		return attemptResult{Dialect: dialect, Err: err}
	}

	res := sendWithTimeout(ctx, t, data, r.cfg.Retry.Timeout)
	res.Dialect = dialect
	return res
}

func (r *Runtime) publishOutcome(o realtime.Outcome) {
	r.mu.Lock()
	conn := r.jobConn
	r.mu.Unlock()

	if conn == nil {
		r.logger.Warn("job channel down, outcome kept in ledger only", zap.String("job_id", o.JobID))
		return
	}
	if err := conn.PublishOutcome(o); err != nil {
		r.logger.Warn("failed to publish outcome", zap.String("job_id", o.JobID), zap.Error(err))
	}
}

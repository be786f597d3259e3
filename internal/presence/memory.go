package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryDirectory keeps presence in process. It serves a single hub.
type MemoryDirectory struct {
	mu         sync.Mutex
	records    map[string]Record
	subs       map[int]Handlers
	nextSub    int
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewMemoryDirectory creates an empty directory
func NewMemoryDirectory(staleAfter time.Duration, logger *zap.Logger) *MemoryDirectory {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryDirectory{
		records:    make(map[string]Record),
		subs:       make(map[int]Handlers),
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.Named("presence"),
	}
}

// SetClock replaces the time source
func (d *MemoryDirectory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Heartbeat creates or refreshes a record. A device that was absent or stale
// is announced as joined.
func (d *MemoryDirectory) Heartbeat(ctx context.Context, rec Record) error {
	if rec.DeviceID == "" {
		return ErrInvalidRecord
	}

	d.mu.Lock()
	now := d.now()
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = now
	}
	old, exists := d.records[rec.DeviceID]
	joined := !exists || !old.Online || old.Stale(now, d.staleAfter)
	d.records[rec.DeviceID] = rec
	subs, snapshot := d.subscribersLocked(), d.snapshotLocked(now)
	d.mu.Unlock()

	if joined {
		d.logger.Info("bridge joined", zap.String("device_id", rec.DeviceID), zap.String("role", rec.Role))
		notify(subs, &rec, nil, snapshot)
	}
	return nil
}

// Leave removes a record
func (d *MemoryDirectory) Leave(ctx context.Context, deviceID string) error {
	d.mu.Lock()
	rec, exists := d.records[deviceID]
	delete(d.records, deviceID)
	subs, snapshot := d.subscribersLocked(), d.snapshotLocked(d.now())
	d.mu.Unlock()

	if exists {
		d.logger.Info("bridge left", zap.String("device_id", deviceID))
		rec.Online = false
		notify(subs, nil, &rec, snapshot)
	}
	return nil
}

// Snapshot returns fresh records, most recently seen first
func (d *MemoryDirectory) Snapshot(ctx context.Context) ([]Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(d.now()), nil
}

// Subscribe registers handlers and delivers the current snapshot to OnSync
// before returning
func (d *MemoryDirectory) Subscribe(h Handlers) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = h
	snapshot := d.snapshotLocked(d.now())
	d.mu.Unlock()

	if h.OnSync != nil {
		h.OnSync(snapshot)
	}

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Sweep drops stale records and announces them as left
func (d *MemoryDirectory) Sweep(ctx context.Context) (int, error) {
	d.mu.Lock()
	now := d.now()
	var gone []Record
	for id, rec := range d.records {
		if rec.Stale(now, d.staleAfter) {
			delete(d.records, id)
			rec.Online = false
			gone = append(gone, rec)
		}
	}
	subs, snapshot := d.subscribersLocked(), d.snapshotLocked(now)
	d.mu.Unlock()

	for i := range gone {
		d.logger.Info("bridge timed out", zap.String("device_id", gone[i].DeviceID))
		notify(subs, nil, &gone[i], snapshot)
	}
	return len(gone), nil
}

func (d *MemoryDirectory) snapshotLocked(now time.Time) []Record {
	out := make([]Record, 0, len(d.records))
	for _, rec := range d.records {
		if !rec.Stale(now, d.staleAfter) {
			out = append(out, rec)
		}
	}
	sortByHeartbeat(out)
	return out
}

func (d *MemoryDirectory) subscribersLocked() []Handlers {
	out := make([]Handlers, 0, len(d.subs))
	for _, h := range d.subs {
		out = append(out, h)
	}
	return out
}

package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisKey     = "printbridge:presence"
	defaultRedisChannel = "printbridge:presence:events"
)

type presenceEvent struct {
	Type   string `json:"type"`
	Record Record `json:"record"`
}

// RedisDirectory shares presence across hub replicas: records live in one
// hash keyed by device id and joins/leaves are fanned out over pub/sub.
type RedisDirectory struct {
	rdb        redis.UniversalClient
	key        string
	channel    string
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisDirectory creates a directory over an existing client
func NewRedisDirectory(rdb redis.UniversalClient, staleAfter time.Duration, logger *zap.Logger) *RedisDirectory {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDirectory{
		rdb:        rdb,
		key:        defaultRedisKey,
		channel:    defaultRedisChannel,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.Named("presence.redis"),
	}
}

// WithNamespace prefixes the hash key and channel, for isolated deployments
func (d *RedisDirectory) WithNamespace(ns string) *RedisDirectory {
	d.key = ns + ":" + defaultRedisKey
	d.channel = ns + ":" + defaultRedisChannel
	return d
}

// Heartbeat writes the record and publishes a join when the device was absent
// or stale
func (d *RedisDirectory) Heartbeat(ctx context.Context, rec Record) error {
	if rec.DeviceID == "" {
		return ErrInvalidRecord
	}
	now := d.now()
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = now
	}

	joined := true
	raw, err := d.rdb.HGet(ctx, d.key, rec.DeviceID).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("failed to read presence: %w", err)
	default:
		var old Record
		if json.Unmarshal([]byte(raw), &old) == nil {
			joined = !old.Online || old.Stale(now, d.staleAfter)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := d.rdb.HSet(ctx, d.key, rec.DeviceID, data).Err(); err != nil {
		return fmt.Errorf("failed to write presence: %w", err)
	}

	if joined {
		return d.publish(ctx, "join", rec)
	}
	return nil
}

// Leave deletes the record and publishes a leave
func (d *RedisDirectory) Leave(ctx context.Context, deviceID string) error {
	raw, err := d.rdb.HGet(ctx, d.key, deviceID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read presence: %w", err)
	}

	if err := d.rdb.HDel(ctx, d.key, deviceID).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		rec = Record{DeviceID: deviceID}
	}
	rec.Online = false
	return d.publish(ctx, "leave", rec)
}

// Snapshot returns fresh records, most recently seen first
func (d *RedisDirectory) Snapshot(ctx context.Context) ([]Record, error) {
	all, err := d.rdb.HGetAll(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	now := d.now()
	out := make([]Record, 0, len(all))
	for id, raw := range all {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			d.logger.Warn("skipping malformed presence record", zap.String("device_id", id), zap.Error(err))
			continue
		}
		if !rec.Stale(now, d.staleAfter) {
			out = append(out, rec)
		}
	}
	sortByHeartbeat(out)
	return out, nil
}

// Subscribe listens on the event channel until the returned func is called.
// The current snapshot is delivered to OnSync before returning.
func (d *RedisDirectory) Subscribe(h Handlers) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ps := d.rdb.Subscribe(ctx, d.channel)
	// wait for the subscription so no event published after return is missed
	if _, err := ps.Receive(ctx); err != nil {
		d.logger.Warn("presence subscribe failed", zap.Error(err))
	}

	d.mu.Lock()
	d.subs = append(d.subs, ps)
	d.mu.Unlock()

	if h.OnSync != nil {
		if snapshot, err := d.Snapshot(ctx); err == nil {
			h.OnSync(snapshot)
		} else {
			d.logger.Warn("initial presence sync failed", zap.Error(err))
		}
	}

	go func() {
		for msg := range ps.Channel() {
			var ev presenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				d.logger.Warn("malformed presence event", zap.Error(err))
				continue
			}

			snapshot, err := d.Snapshot(ctx)
			if err != nil {
				d.logger.Warn("presence sync failed", zap.Error(err))
				continue
			}
			switch ev.Type {
			case "join":
				notify([]Handlers{h}, &ev.Record, nil, snapshot)
			case "leave":
				notify([]Handlers{h}, nil, &ev.Record, snapshot)
			}
		}
	}()

	return func() {
		cancel()
		ps.Close()
	}
}

// Sweep removes stale records and publishes a leave for each
func (d *RedisDirectory) Sweep(ctx context.Context) (int, error) {
	all, err := d.rdb.HGetAll(ctx, d.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read presence: %w", err)
	}

	now := d.now()
	removed := 0
	for id, raw := range all {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Stale(now, d.staleAfter) {
			n, err := d.rdb.HDel(ctx, d.key, id).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to delete presence: %w", err)
			}
			if n == 0 {
				// another replica swept it first
				continue
			}
			removed++
			rec.DeviceID = id
			rec.Online = false
			if err := d.publish(ctx, "leave", rec); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

// Close stops every subscription
func (d *RedisDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ps := range d.subs {
		ps.Close()
	}
	d.subs = nil
	return nil
}

func (d *RedisDirectory) publish(ctx context.Context, kind string, rec Record) error {
	data, err := json.Marshal(presenceEvent{Type: kind, Record: rec})
	if err != nil {
		return err
	}
	if err := d.rdb.Publish(ctx, d.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish presence %s: %w", kind, err)
	}
	return nil
}

package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/thereceipt/print-bridge/internal/presence"
)

// superviseJobs keeps the job subscription open. A dropped connection is
// re-dialled on the backoff schedule; the ledger poll covers the gap.
func (r *Runtime) superviseJobs(ctx context.Context) error {
	failures := 0
	for ctx.Err() == nil {
		conn, err := r.channel.SubscribeJobs(ctx, r.cfg.DeviceID, r.Enqueue)
		if err != nil {
			if !r.backoff(ctx, "jobs", &failures, err) {
				return nil
			}
			continue
		}

		failures = 0
		r.setJobConn(conn)
		r.logger.Info("job channel connected")
		// anything announced while we were away sits in the ledger
		r.signal()

		select {
		case <-ctx.Done():
			r.setJobConn(nil)
			conn.Close()
			return nil
		case <-conn.Done():
		}
		r.setJobConn(nil)

		if !r.backoff(ctx, "jobs", &failures, conn.Err()) {
			return nil
		}
	}
	return nil
}

// supervisePresence keeps a presence session open and heartbeats on it
func (r *Runtime) supervisePresence(ctx context.Context) error {
	failures := 0
	rec := presence.Record{
		DeviceID: r.cfg.DeviceID,
		Role:     presence.RoleBridge,
		Online:   true,
		Version:  presence.Version,
	}

	for ctx.Err() == nil {
		conn, err := r.channel.JoinPresence(ctx, rec, presence.Handlers{})
		if err != nil {
			if !r.backoff(ctx, "presence", &failures, err) {
				return nil
			}
			continue
		}

		failures = 0
		r.setPresenceConnected(true)
		r.logger.Info("presence joined")

		err = r.heartbeatLoop(ctx, conn)
		r.setPresenceConnected(false)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}

		if !r.backoff(ctx, "presence", &failures, err) {
			return nil
		}
	}
	return nil
}

func (r *Runtime) heartbeatLoop(ctx context.Context, conn PresenceConn) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return conn.Err()
		case <-ticker.C:
			if err := conn.Heartbeat(); err != nil {
				return err
			}
		}
	}
}

// backoff waits before the next reconnect. It returns false when the
// supervisor should stop, either because ctx ended or the attempt budget ran
// out. Jobs keep flowing through the ledger poll in both cases.
func (r *Runtime) backoff(ctx context.Context, channel string, failures *int, cause error) bool {
	if ctx.Err() != nil {
		return false
	}
	max := r.cfg.Backoff.MaxAttempts
	if max > 0 && *failures >= max {
		r.logger.Error("giving up on channel, relying on ledger poll",
			zap.String("channel", channel),
			zap.Int("attempts", *failures),
			zap.Error(cause))
		return false
	}

	delay := r.cfg.Backoff.Delay(*failures)
	*failures++
	r.logger.Warn("channel down, reconnecting",
		zap.String("channel", channel),
		zap.Int("attempt", *failures),
		zap.Duration("delay", delay),
		zap.Error(cause))
	return sleepCtx(ctx, delay)
}

func (r *Runtime) setJobConn(c JobConn) {
	r.mu.Lock()
	r.jobConn = c
	r.state.JobsConnected = c != nil
	r.mu.Unlock()
}

func (r *Runtime) setPresenceConnected(v bool) {
	r.mu.Lock()
	r.state.PresenceConnected = v
	r.mu.Unlock()
}

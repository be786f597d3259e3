package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thereceipt/print-bridge/internal/printer"
)

// ErrAttemptTimeout marks an attempt whose send did not settle in time
var ErrAttemptTimeout = errors.New("print attempt timed out")

// RetryPolicy is the per-job delivery policy. The attempt budget itself
// comes from the job's ledger row.
type RetryPolicy struct {
	Timeout     time.Duration
	Delay       time.Duration
	NextDialect func(printer.Dialect) printer.Dialect
}

// DefaultRetryPolicy is a 10s attempt timeout, a 2s pause and alternating
// dialects
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:     10 * time.Second,
		Delay:       2 * time.Second,
		NextDialect: printer.Alternate,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.NextDialect == nil {
		p.NextDialect = def.NextDialect
	}
	return p
}

// attemptResult is what one delivery attempt settled with
type attemptResult struct {
	Dialect   printer.Dialect
	Transport string
	BytesSent int
	Elapsed   time.Duration
	Err       error
}

// sendWithTimeout races one send against the timeout. The send's context
// carries the same deadline, and a send still running when the timeout fires
// is cancelled and abandoned.
func sendWithTimeout(ctx context.Context, t printer.Transport, data []byte, timeout time.Duration) attemptResult {
	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type sendResult struct {
		n   int
		err error
	}
	done := make(chan sendResult, 1)
	go func() {
		n, err := t.Send(sendCtx, data)
		done <- sendResult{n, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	res := attemptResult{Transport: t.Name()}
	select {
	case r := <-done:
		res.BytesSent, res.Err = r.n, r.err
	case <-timer.C:
		res.Err = fmt.Errorf("%s after %s: %w", t.Name(), timeout, ErrAttemptTimeout)
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	res.Elapsed = time.Since(start)
	return res
}

// Backoff is the reconnect schedule of a channel supervisor
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int // 0 retries forever
}

// DefaultBackoff is 2s doubling up to 10s, at most 10 attempts
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Factor: 2, Max: 10 * time.Second, MaxAttempts: 10}
}

// Delay returns the wait before reconnect attempt n (0-based)
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base
	for i := 0; i < n; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

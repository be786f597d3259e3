// Package presence tracks which bridges are reachable. Bridges heartbeat on a
// fixed interval; a record whose last heartbeat is older than the staleness
// threshold counts as offline whether or not a leave was ever seen.
package presence

import (
	"context"
	"errors"
	"sort"
	"time"
)

const (
	// RoleBridge is the only role eligible as a dispatch target
	RoleBridge = "print-bridge"
	// Version is sent with every heartbeat
	Version = "2.0"

	DefaultHeartbeatInterval = 45 * time.Second
	DefaultStaleAfter        = 120 * time.Second
)

var ErrInvalidRecord = errors.New("presence record requires a device id")

// Record is one bridge's presence
type Record struct {
	DeviceID      string    `json:"deviceId"`
	Role          string    `json:"role"`
	Online        bool      `json:"online"`
	LastHeartbeat time.Time `json:"timestamp"`
	Version       string    `json:"version,omitempty"`
}

// Handlers receive directory changes. OnSync gets the full fresh snapshot once
// on subscribe and again after every join or leave.
type Handlers struct {
	OnJoin  func(Record)
	OnLeave func(Record)
	OnSync  func([]Record)
}

// Directory is the presence registry shared by the dispatcher and the hub
type Directory interface {
	Heartbeat(ctx context.Context, rec Record) error
	Leave(ctx context.Context, deviceID string) error
	Snapshot(ctx context.Context) ([]Record, error)
	Subscribe(h Handlers) (unsubscribe func())
	Sweep(ctx context.Context) (int, error)
}

// Stale reports whether the record is too old to count as online
func (r Record) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(r.LastHeartbeat) > staleAfter
}

// Candidates returns the eligible dispatch targets, most recently seen first
func Candidates(records []Record, now time.Time, staleAfter time.Duration) []Record {
	var out []Record
	for _, r := range records {
		if r.Role != RoleBridge || !r.Online || r.Stale(now, staleAfter) {
			continue
		}
		out = append(out, r)
	}
	sortByHeartbeat(out)
	return out
}

func sortByHeartbeat(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastHeartbeat.After(records[j].LastHeartbeat)
	})
}

func notify(subs []Handlers, joined, left *Record, snapshot []Record) {
	for _, h := range subs {
		if joined != nil && h.OnJoin != nil {
			h.OnJoin(*joined)
		}
		if left != nil && h.OnLeave != nil {
			h.OnLeave(*left)
		}
		if h.OnSync != nil {
			h.OnSync(snapshot)
		}
	}
}

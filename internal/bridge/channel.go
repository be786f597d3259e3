package bridge

import (
	"context"

	"github.com/thereceipt/print-bridge/internal/presence"
	"github.com/thereceipt/print-bridge/internal/realtime"
)

// Channel opens the two realtime connections a bridge keeps
type Channel interface {
	JoinPresence(ctx context.Context, rec presence.Record, h presence.Handlers) (PresenceConn, error)
	SubscribeJobs(ctx context.Context, deviceID string, onJob func(realtime.JobAnnouncement)) (JobConn, error)
}

// PresenceConn is an open presence connection
type PresenceConn interface {
	Heartbeat() error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// JobConn is an open job subscription
type JobConn interface {
	PublishOutcome(o realtime.Outcome) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

type websocketChannel struct {
	client *realtime.Client
}

// NewWebsocketChannel adapts a realtime client
func NewWebsocketChannel(c *realtime.Client) Channel {
	return websocketChannel{client: c}
}

func (w websocketChannel) JoinPresence(ctx context.Context, rec presence.Record, h presence.Handlers) (PresenceConn, error) {
	s, err := w.client.JoinPresence(ctx, rec, h)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (w websocketChannel) SubscribeJobs(ctx context.Context, deviceID string, onJob func(realtime.JobAnnouncement)) (JobConn, error) {
	s, err := w.client.SubscribeJobs(ctx, deviceID, onJob)
	if err != nil {
		return nil, err
	}
	return s, nil
}

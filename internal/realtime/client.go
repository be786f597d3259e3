package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/presence"
)

// Client dials the hub on behalf of one bridge
type Client struct {
	baseURL string
	header  http.Header
	dialer  *websocket.Dialer
	logger  *zap.Logger
	// readTimeout ends a session that hears nothing, not even a ping
	readTimeout time.Duration
}

// NewClient creates a client for a hub base URL such as ws://host:12212/ws.
// A non-empty token is sent as a bearer Authorization header.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &Client{
		baseURL:     baseURL,
		header:      header,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:      logger.Named("realtime"),
		readTimeout: pongWait,
	}
}

// Session is one open websocket connection. Done is closed when the
// connection ends for any reason; Err then reports why.
type Session struct {
	conn        *websocket.Conn
	logger      *zap.Logger
	readTimeout time.Duration

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Send writes one message
func (s *Session) Send(event string, v any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	msg, err := NewMessage(event, v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.finish(fmt.Errorf("write failed: %w", err))
		return err
	}
	return nil
}

// Close ends the session
func (s *Session) Close() error {
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.finish(ErrClosed)
	return nil
}

func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		s.conn.Close()
		close(s.done)
	})
}

func (s *Session) readLoop(handle func(Message)) {
	extend := func() { s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)) }
	extend()
	s.conn.SetPingHandler(func(appData string) error {
		extend()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.finish(fmt.Errorf("read failed: %w", err))
			return
		}
		extend()
		if msg.Event == EventError {
			var e errorData
			json.Unmarshal(msg.Data, &e)
			s.logger.Warn("hub reported error", zap.String("error", e.Error))
			continue
		}
		handle(msg)
	}
}

func (c *Client) dial(ctx context.Context, topic, deviceID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	q := u.Query()
	q.Set("topic", topic)
	if deviceID != "" {
		q.Set("deviceId", deviceID)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", topic, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", topic, err)
	}
	return conn, nil
}

func (c *Client) newSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn, logger: c.logger, readTimeout: c.readTimeout, done: make(chan struct{})}
}

// PresenceSession is a joined presence connection
type PresenceSession struct {
	*Session
	record presence.Record
}

// JoinPresence connects to the presence topic and sends the first heartbeat
// immediately. Handlers receive the hub's join, leave and sync events.
func (c *Client) JoinPresence(ctx context.Context, rec presence.Record, h presence.Handlers) (*PresenceSession, error) {
	if rec.Role == "" {
		rec.Role = presence.RoleBridge
	}
	if rec.Version == "" {
		rec.Version = presence.Version
	}
	rec.Online = true

	conn, err := c.dial(ctx, TopicPresence, rec.DeviceID)
	if err != nil {
		return nil, err
	}

	ps := &PresenceSession{
		Session: c.newSession(conn),
		record:  rec,
	}
	go ps.readLoop(func(msg Message) {
		switch msg.Event {
		case EventJoin, EventLeave:
			var r presence.Record
			if err := json.Unmarshal(msg.Data, &r); err != nil {
				return
			}
			if msg.Event == EventJoin && h.OnJoin != nil {
				h.OnJoin(r)
			}
			if msg.Event == EventLeave && h.OnLeave != nil {
				h.OnLeave(r)
			}
		case EventSync:
			var rs []presence.Record
			if err := json.Unmarshal(msg.Data, &rs); err == nil && h.OnSync != nil {
				h.OnSync(rs)
			}
		}
	})

	if err := ps.Heartbeat(); err != nil {
		ps.Close()
		return nil, err
	}
	return ps, nil
}

// Heartbeat re-sends the presence record
func (ps *PresenceSession) Heartbeat() error {
	rec := ps.record
	rec.LastHeartbeat = time.Now()
	return ps.Send(EventHeartbeat, rec)
}

// JobSession is a subscribed jobs connection
type JobSession struct {
	*Session
	deviceID string
}

// SubscribeJobs connects to the jobs topic. onJob receives announcements
// addressed to deviceID or to no device in particular.
func (c *Client) SubscribeJobs(ctx context.Context, deviceID string, onJob func(JobAnnouncement)) (*JobSession, error) {
	conn, err := c.dial(ctx, TopicJobs, deviceID)
	if err != nil {
		return nil, err
	}

	js := &JobSession{
		Session:  c.newSession(conn),
		deviceID: deviceID,
	}
	go js.readLoop(func(msg Message) {
		if msg.Event != EventPrintJob {
			return
		}
		var ann JobAnnouncement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			js.logger.Warn("malformed job announcement", zap.Error(err))
			return
		}
		if !addressedTo(ann.DeviceID, deviceID) {
			return
		}
		onJob(ann)
	})
	return js, nil
}

// PublishOutcome reports a job outcome to the hub
func (js *JobSession) PublishOutcome(o Outcome) error {
	return js.Send(EventPrintJobResponse, o)
}

func addressedTo(target, deviceID string) bool {
	return target == "" || target == ledger.Unassigned || deviceID == "" || target == deviceID
}

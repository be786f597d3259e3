package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/presence"
)

const sendBuffer = 256

const (
	writeWait = 10 * time.Second
	// pongWait bounds the silence tolerated on a connection; the hub pings
	// at nine tenths of it
	pongWait = 60 * time.Second
)

// Hub fans job announcements out to bridges, relays their outcomes to
// observers, and feeds bridge heartbeats into the presence directory.
//
// A connection picks its topic and identity with query parameters:
// /ws?topic=presence&deviceId=B1 or /ws?topic=jobs&deviceId=B1. A jobs
// connection without deviceId is an observer and receives every
// announcement and outcome.
type Hub struct {
	upgrader websocket.Upgrader
	dir      presence.Directory
	logger   *zap.Logger
	now      func() time.Time
	pongWait time.Duration

	mu        sync.RWMutex
	clients   map[*wsClient]bool
	onOutcome func(Outcome)

	unsubscribe func()
}

type wsClient struct {
	conn     *websocket.Conn
	send     chan Message
	hub      *Hub
	topic    string
	deviceID string
}

// NewHub creates a hub over a presence directory
func NewHub(dir presence.Directory, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		dir:      dir,
		logger:   logger.Named("hub"),
		now:      time.Now,
		pongWait: pongWait,
		clients:  make(map[*wsClient]bool),
	}

	h.unsubscribe = dir.Subscribe(presence.Handlers{
		OnJoin:  func(r presence.Record) { h.broadcastPresence(EventJoin, r) },
		OnLeave: func(r presence.Record) { h.broadcastPresence(EventLeave, r) },
		OnSync:  func(rs []presence.Record) { h.broadcastPresence(EventSync, rs) },
	})
	return h
}

// OnOutcome sets the callback for outcomes reported by bridges
func (h *Hub) OnOutcome(fn func(Outcome)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOutcome = fn
}

// Close stops listening to the directory and drops every connection
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and runs the connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = TopicJobs
	}
	if topic != TopicJobs && topic != TopicPresence {
		http.Error(w, fmt.Sprintf("unknown topic %q", topic), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan Message, sendBuffer),
		hub:      h,
		topic:    topic,
		deviceID: r.URL.Query().Get("deviceId"),
	}
	h.addClient(client)

	h.logger.Info("websocket client connected",
		zap.String("topic", topic), zap.String("device_id", client.deviceID))

	go client.writePump()
	go client.readPump()
}

// PublishJob sends an announcement to the addressed bridge, or to every
// bridge when the job is unassigned
func (h *Hub) PublishJob(ctx context.Context, ann JobAnnouncement) error {
	msg, err := NewMessage(EventPrintJob, ann)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.clients {
		if c.topic != TopicJobs {
			continue
		}
		switch {
		case c.deviceID == "":
			c.trySend(msg)
		case ann.DeviceID == ledger.Unassigned || ann.DeviceID == "" || c.deviceID == ann.DeviceID:
			if c.trySend(msg) {
				delivered++
			}
		}
	}

	if delivered == 0 {
		return fmt.Errorf("job %s for %s: %w", ann.JobID, ann.DeviceID, ErrNotDelivered)
	}
	return nil
}

// PublishOutcome sends an outcome to every observer
func (h *Hub) PublishOutcome(o Outcome) {
	msg, err := NewMessage(EventPrintJobResponse, o)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.topic == TopicJobs && c.deviceID == "" {
			c.trySend(msg)
		}
	}
}

// Connected lists device ids with an open connection on the topic
func (h *Hub) Connected(topic string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for c := range h.clients {
		if c.topic == topic && c.deviceID != "" && !seen[c.deviceID] {
			seen[c.deviceID] = true
			out = append(out, c.deviceID)
		}
	}
	return out
}

func (h *Hub) broadcastPresence(event string, v any) {
	msg, err := NewMessage(event, v)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.topic == TopicPresence {
			c.trySend(msg)
		}
	}
}

func (h *Hub) addClient(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

// removeClient reports whether the device still has another connection on
// the same topic
func (h *Hub) removeClient(c *wsClient) (stillConnected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	for other := range h.clients {
		if other.topic == c.topic && other.deviceID == c.deviceID {
			return true
		}
	}
	return false
}

func (c *wsClient) trySend(msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		// send buffer full, skip
		return false
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.hub.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Debug("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping error", zap.Error(err))
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		stillConnected := c.hub.removeClient(c)
		c.conn.Close()
		c.hub.logger.Info("websocket client disconnected",
			zap.String("topic", c.topic), zap.String("device_id", c.deviceID))

		if c.topic == TopicPresence && c.deviceID != "" && !stillConnected {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.hub.dir.Leave(ctx, c.deviceID); err != nil {
				c.hub.logger.Warn("presence leave failed", zap.String("device_id", c.deviceID), zap.Error(err))
			}
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		c.handleMessage(msg)
	}
}

func (c *wsClient) handleMessage(msg Message) {
	switch msg.Event {
	case EventHeartbeat:
		c.handleHeartbeat(msg.Data)
	case EventPrintJobResponse:
		c.handleOutcome(msg.Data)
	default:
		c.sendError(fmt.Sprintf("unknown event: %s", msg.Event))
	}
}

func (c *wsClient) handleHeartbeat(data json.RawMessage) {
	if c.topic != TopicPresence {
		c.sendError("heartbeats belong on the presence topic")
		return
	}

	var rec presence.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		c.sendError(fmt.Sprintf("invalid heartbeat: %v", err))
		return
	}
	c.hub.mu.Lock()
	if c.deviceID == "" {
		c.deviceID = rec.DeviceID
	}
	deviceID := c.deviceID
	c.hub.mu.Unlock()

	if rec.DeviceID != deviceID {
		c.sendError("heartbeat device id does not match connection")
		return
	}
	// server time decides staleness
	rec.LastHeartbeat = c.hub.now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.hub.dir.Heartbeat(ctx, rec); err != nil {
		c.hub.logger.Warn("presence heartbeat failed", zap.String("device_id", rec.DeviceID), zap.Error(err))
		c.sendError("heartbeat rejected")
	}
}

func (c *wsClient) handleOutcome(data json.RawMessage) {
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		c.sendError(fmt.Sprintf("invalid outcome: %v", err))
		return
	}
	if c.topic != TopicJobs || c.deviceID == "" || o.DeviceID != c.deviceID {
		c.hub.logger.Warn("outcome rejected",
			zap.String("job_id", o.JobID),
			zap.String("device_id", o.DeviceID),
			zap.String("connection_device_id", c.deviceID))
		c.sendError("outcome device id does not match connection")
		return
	}

	c.hub.logger.Info("job outcome",
		zap.String("job_id", o.JobID),
		zap.String("device_id", o.DeviceID),
		zap.String("status", o.Status),
		zap.String("dialect", o.DialectUsed),
		zap.String("transport", o.TransportType),
		zap.Int64("elapsed_ms", o.ProcessingTimeMs),
		zap.String("error", o.Error))

	c.hub.mu.RLock()
	fn := c.hub.onOutcome
	c.hub.mu.RUnlock()
	if fn != nil {
		fn(o)
	}
	c.hub.PublishOutcome(o)
}

func (c *wsClient) sendError(message string) {
	msg, err := NewMessage(EventError, errorData{Error: message})
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c] {
		c.trySend(msg)
	}
}

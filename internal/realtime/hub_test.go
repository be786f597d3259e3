package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/presence"
)

func newTestHub(t *testing.T) (*Hub, *presence.MemoryDirectory, string) {
	t.Helper()
	return newTestHubWithPongWait(t, 0)
}

func newTestHubWithPongWait(t *testing.T, wait time.Duration) (*Hub, *presence.MemoryDirectory, string) {
	t.Helper()
	dir := presence.NewMemoryDirectory(presence.DefaultStaleAfter, nil)
	hub := NewHub(dir, nil)
	if wait > 0 {
		hub.pongWait = wait
	}
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, dir, srv.URL
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPresenceJoinAndLeaveOnDisconnect(t *testing.T) {
	_, dir, url := newTestHub(t)
	ctx := context.Background()

	client := NewClient(url, "", nil)
	ps, err := client.JoinPresence(ctx, presence.Record{DeviceID: "B1"}, presence.Handlers{})
	if err != nil {
		t.Fatalf("JoinPresence failed: %v", err)
	}

	waitFor(t, "heartbeat to reach the directory", func() bool {
		snapshot, _ := dir.Snapshot(ctx)
		return len(snapshot) == 1 && snapshot[0].DeviceID == "B1" && snapshot[0].Role == presence.RoleBridge
	})

	ps.Close()

	waitFor(t, "leave after disconnect", func() bool {
		snapshot, _ := dir.Snapshot(ctx)
		return len(snapshot) == 0
	})
}

func TestPresenceEventsReachObservers(t *testing.T) {
	_, _, url := newTestHub(t)
	ctx := context.Background()

	joins := make(chan string, 4)
	observer, err := NewClient(url, "", nil).JoinPresence(ctx, presence.Record{DeviceID: "observer", Role: "client"}, presence.Handlers{
		OnJoin: func(r presence.Record) { joins <- r.DeviceID },
	})
	if err != nil {
		t.Fatalf("JoinPresence failed: %v", err)
	}
	defer observer.Close()

	bridge, err := NewClient(url, "", nil).JoinPresence(ctx, presence.Record{DeviceID: "B7"}, presence.Handlers{})
	if err != nil {
		t.Fatalf("JoinPresence failed: %v", err)
	}
	defer bridge.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case id := <-joins:
			if id == "B7" {
				return
			}
		case <-deadline:
			t.Fatal("observer did not see B7 join")
		}
	}
}

func TestPublishJobAddressing(t *testing.T) {
	hub, _, url := newTestHub(t)
	ctx := context.Background()

	got1 := make(chan JobAnnouncement, 4)
	got2 := make(chan JobAnnouncement, 4)

	s1, err := NewClient(url, "", nil).SubscribeJobs(ctx, "B1", func(a JobAnnouncement) { got1 <- a })
	if err != nil {
		t.Fatalf("SubscribeJobs failed: %v", err)
	}
	defer s1.Close()
	s2, err := NewClient(url, "", nil).SubscribeJobs(ctx, "B2", func(a JobAnnouncement) { got2 <- a })
	if err != nil {
		t.Fatalf("SubscribeJobs failed: %v", err)
	}
	defer s2.Close()

	waitFor(t, "both bridges connected", func() bool { return len(hub.Connected(TopicJobs)) == 2 })

	payload := []byte{0x1B, '@', 0x00, 0xFF}
	if err := hub.PublishJob(ctx, JobAnnouncement{JobID: "j1", DeviceID: "B1", Payload: payload, DocumentType: "receipt"}); err != nil {
		t.Fatalf("PublishJob failed: %v", err)
	}

	select {
	case a := <-got1:
		if a.JobID != "j1" || string(a.Payload) != string(payload) {
			t.Errorf("unexpected announcement %+v", a)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("B1 did not receive its job")
	}

	if err := hub.PublishJob(ctx, JobAnnouncement{JobID: "j2", DeviceID: ledger.Unassigned, Payload: payload}); err != nil {
		t.Fatalf("PublishJob failed: %v", err)
	}
	select {
	case a := <-got2:
		if a.JobID != "j2" {
			t.Errorf("B2 received %s before the unassigned job", a.JobID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("B2 did not receive the unassigned job")
	}

	err = hub.PublishJob(ctx, JobAnnouncement{JobID: "j3", DeviceID: "B9", Payload: payload})
	if !errors.Is(err, ErrNotDelivered) {
		t.Errorf("expected ErrNotDelivered for an absent bridge, got %v", err)
	}
}

func TestOutcomeRelay(t *testing.T) {
	hub, _, url := newTestHub(t)
	ctx := context.Background()

	received := make(chan Outcome, 1)
	hub.OnOutcome(func(o Outcome) { received <- o })

	observed := make(chan string, 1)
	obsURL := "ws" + strings.TrimPrefix(url, "http") + "/?topic=jobs"
	obs, _, err := websocket.DefaultDialer.Dial(obsURL, nil)
	if err != nil {
		t.Fatalf("observer dial failed: %v", err)
	}
	defer obs.Close()
	go func() {
		for {
			var msg Message
			if err := obs.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Event == EventPrintJobResponse {
				observed <- string(msg.Data)
				return
			}
		}
	}()

	js, err := NewClient(url, "", nil).SubscribeJobs(ctx, "B1", func(JobAnnouncement) {})
	if err != nil {
		t.Fatalf("SubscribeJobs failed: %v", err)
	}
	defer js.Close()

	waitFor(t, "bridge connected", func() bool { return len(hub.Connected(TopicJobs)) == 1 })

	err = js.PublishOutcome(Outcome{
		JobID:         "j1",
		DeviceID:      "B1",
		Status:        OutcomeOK,
		Timestamp:     time.Now(),
		DialectUsed:   "escbema",
		TransportType: "usb",
	})
	if err != nil {
		t.Fatalf("PublishOutcome failed: %v", err)
	}

	select {
	case o := <-received:
		if o.JobID != "j1" || o.Status != OutcomeOK || o.DialectUsed != "escbema" {
			t.Errorf("unexpected outcome %+v", o)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("outcome not received by hub")
	}

	select {
	case data := <-observed:
		if !strings.Contains(data, `"jobId":"j1"`) {
			t.Errorf("unexpected observed outcome %s", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("observer did not receive outcome")
	}
}

func TestSessionDoneOnServerClose(t *testing.T) {
	dir := presence.NewMemoryDirectory(presence.DefaultStaleAfter, nil)
	hub := NewHub(dir, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	js, err := NewClient(srv.URL, "", nil).SubscribeJobs(context.Background(), "B1", func(JobAnnouncement) {})
	if err != nil {
		t.Fatalf("SubscribeJobs failed: %v", err)
	}

	waitFor(t, "bridge connected", func() bool { return len(hub.Connected(TopicJobs)) == 1 })
	hub.Close()

	select {
	case <-js.Done():
		if js.Err() == nil {
			t.Error("expected a reason for the closed session")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not notice the hub closing")
	}

	if err := js.PublishOutcome(Outcome{JobID: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestUnknownTopicRejected(t *testing.T) {
	_, _, url := newTestHub(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/?topic=nope", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("expected 400, got %v", resp)
	}
}

func TestSessionEndsWhenHubGoesSilent(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	client := NewClient(srv.URL, "", nil)
	client.readTimeout = 100 * time.Millisecond
	js, err := client.SubscribeJobs(context.Background(), "B1", func(JobAnnouncement) {})
	if err != nil {
		t.Fatalf("SubscribeJobs failed: %v", err)
	}

	select {
	case <-js.Done():
		if js.Err() == nil {
			t.Error("expected a reason for the timed out session")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session stayed open on a silent connection")
	}
}

func TestHubPingsKeepIdleSessionOpen(t *testing.T) {
	hub, _, url := newTestHubWithPongWait(t, 400*time.Millisecond)

	client := NewClient(url, "", nil)
	client.readTimeout = time.Second
	js, err := client.SubscribeJobs(context.Background(), "B1", func(JobAnnouncement) {})
	if err != nil {
		t.Fatalf("SubscribeJobs failed: %v", err)
	}
	defer js.Close()

	select {
	case <-js.Done():
		t.Fatalf("idle session closed: %v", js.Err())
	case <-time.After(1500 * time.Millisecond):
	}
	if got := hub.Connected(TopicJobs); len(got) != 1 {
		t.Errorf("expected B1 to stay connected, got %v", got)
	}
}

func TestHubDropsBridgeThatStopsAnswering(t *testing.T) {
	_, dir, url := newTestHubWithPongWait(t, 100*time.Millisecond)
	ctx := context.Background()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/?topic=presence&deviceId=B1", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	msg, _ := NewMessage(EventHeartbeat, presence.Record{DeviceID: "B1", Role: presence.RoleBridge, Online: true})
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	waitFor(t, "heartbeat to reach the directory", func() bool {
		snapshot, _ := dir.Snapshot(ctx)
		return len(snapshot) == 1
	})

	// never reading means pings go unanswered
	waitFor(t, "leave after missed pongs", func() bool {
		snapshot, _ := dir.Snapshot(ctx)
		return len(snapshot) == 0
	})
}

func TestOutcomeMustMatchConnectionDevice(t *testing.T) {
	hub, _, url := newTestHub(t)
	ctx := context.Background()

	received := make(chan Outcome, 4)
	hub.OnOutcome(func(o Outcome) { received <- o })

	js, err := NewClient(url, "", nil).SubscribeJobs(ctx, "B1", func(JobAnnouncement) {})
	if err != nil {
		t.Fatalf("SubscribeJobs failed: %v", err)
	}
	defer js.Close()

	obs, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/?topic=jobs", nil)
	if err != nil {
		t.Fatalf("observer dial failed: %v", err)
	}
	defer obs.Close()

	waitFor(t, "bridge connected", func() bool { return len(hub.Connected(TopicJobs)) == 1 })

	if err := js.PublishOutcome(Outcome{JobID: "forged", DeviceID: "B2", Status: OutcomeOK}); err != nil {
		t.Fatalf("PublishOutcome failed: %v", err)
	}
	msg, _ := NewMessage(EventPrintJobResponse, Outcome{JobID: "observer", DeviceID: "B1", Status: OutcomeOK})
	if err := obs.WriteJSON(msg); err != nil {
		t.Fatalf("observer write failed: %v", err)
	}
	if err := js.PublishOutcome(Outcome{JobID: "real", DeviceID: "B1", Status: OutcomeOK}); err != nil {
		t.Fatalf("PublishOutcome failed: %v", err)
	}

	select {
	case o := <-received:
		if o.JobID != "real" {
			t.Fatalf("expected only the matching outcome, got %+v", o)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("matching outcome not received")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case o := <-received:
		t.Errorf("unexpected outcome %+v", o)
	default:
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/thereceipt/print-bridge/internal/dispatch"
	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/presence"
	"github.com/thereceipt/print-bridge/internal/realtime"
)

type nopPublisher struct{}

func (nopPublisher) PublishJob(context.Context, realtime.JobAnnouncement) error { return nil }

type testEnv struct {
	store  *ledger.Store
	dir    *presence.MemoryDirectory
	server *Server
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	store, err := ledger.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir := presence.NewMemoryDirectory(presence.DefaultStaleAfter, nil)
	d := dispatch.New(store, dir, nopPublisher{}, dispatch.Options{SyncWait: 100 * time.Millisecond}, nil)

	return &testEnv{
		store: store,
		dir:   dir,
		server: NewServer(Options{
			Dispatcher: d,
			Jobs:       store,
			Directory:  dir,
			JWTSecret:  secret,
		}),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func printBody() map[string]any {
	return map[string]any{
		"payload":      base64.StdEncoding.EncodeToString([]byte{0x1B, '@', 'h', 'i', 0x0A}),
		"documentType": "receipt",
		"metadata":     map[string]any{"description": "OS 1042"},
	}
}

func TestSubmitPrintJob(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	env.dir.Heartbeat(ctx, presence.Record{DeviceID: "B1", Role: presence.RoleBridge, Online: true})

	w := env.do(t, "POST", "/print-jobs", printBody(), "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res dispatch.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if !res.Success || res.DeviceID != "B1" || res.JobID == "" {
		t.Errorf("unexpected result %+v", res)
	}

	job, err := env.store.Get(ctx, res.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(job.Payload) != "\x1b@hi\n" {
		t.Errorf("payload not decoded: %q", job.Payload)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name  string
		edit  func(map[string]any)
		field string
	}{
		{"not base64", func(b map[string]any) { b["payload"] = "%%%" }, "payload"},
		{"empty payload", func(b map[string]any) { b["payload"] = "" }, "payload"},
		{"unknown type", func(b map[string]any) { b["documentType"] = "invoice" }, "documentType"},
		{"bad user id", func(b map[string]any) { b["userId"] = "alice" }, "userId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := printBody()
			tt.edit(body)
			w := env.do(t, "POST", "/print-jobs", body, "")
			if w.Code != 400 {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			var resp map[string]any
			json.Unmarshal(w.Body.Bytes(), &resp)
			if resp["field"] != tt.field {
				t.Errorf("expected field %s, got %v", tt.field, resp["field"])
			}
		})
	}
}

func TestListAndGetJobs(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	a, _ := env.store.Create(ctx, ledger.NewJob{Payload: []byte{1}, TargetDeviceID: "B1", DocumentType: "receipt"})
	env.store.Create(ctx, ledger.NewJob{Payload: []byte{2}, TargetDeviceID: "B2", DocumentType: "receipt"})

	w := env.do(t, "GET", "/jobs?device=B1", nil, "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Jobs []ledger.Job `json:"jobs"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != a.ID {
		t.Errorf("unexpected list %+v", list.Jobs)
	}

	if w := env.do(t, "GET", "/jobs?status=lost", nil, ""); w.Code != 400 {
		t.Errorf("expected 400 for unknown status, got %d", w.Code)
	}

	w = env.do(t, "GET", "/job/"+a.ID, nil, "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var job ledger.Job
	json.Unmarshal(w.Body.Bytes(), &job)
	if job.ID != a.ID || job.Status != ledger.StatusPending {
		t.Errorf("unexpected job %+v", job)
	}

	if w := env.do(t, "GET", "/job/missing", nil, ""); w.Code != 404 {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetBridges(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	env.dir.Heartbeat(ctx, presence.Record{DeviceID: "B1", Role: presence.RoleBridge, Online: true})
	env.dir.Heartbeat(ctx, presence.Record{DeviceID: "web", Role: "client", Online: true})

	w := env.do(t, "GET", "/bridges", nil, "")
	var resp struct {
		Bridges []presence.Record `json:"bridges"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Bridges) != 1 || resp.Bridges[0].DeviceID != "B1" {
		t.Errorf("unexpected bridges %+v", resp.Bridges)
	}
}

func TestAuthRequiresRole(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	auth := NewAuth([]byte("s3cret"))
	submitter := "6f1c1b7e-4a53-4d8e-9a43-0d6f8f7b2c11"

	if w := env.do(t, "POST", "/print-jobs", printBody(), ""); w.Code != 401 {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/print-jobs", printBody(), "garbage"); w.Code != 401 {
		t.Errorf("expected 401 for a bad token, got %d", w.Code)
	}

	viewer, _ := auth.Issue(submitter, "viewer", time.Hour)
	if w := env.do(t, "POST", "/print-jobs", printBody(), viewer); w.Code != 403 {
		t.Errorf("expected 403 for wrong role, got %d", w.Code)
	}

	other, _ := NewAuth([]byte("other")).Issue(submitter, RoleAdmin, time.Hour)
	if w := env.do(t, "POST", "/print-jobs", printBody(), other); w.Code != 401 {
		t.Errorf("expected 401 for a foreign signature, got %d", w.Code)
	}

	token, err := auth.Issue(submitter, RoleAttendant, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	w := env.do(t, "POST", "/print-jobs", printBody(), token)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res dispatch.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	job, _ := env.store.Get(context.Background(), res.JobID)
	if job.SubmittedBy != submitter {
		t.Errorf("expected submitter from token, got %q", job.SubmittedBy)
	}

	if w := env.do(t, "GET", "/health", nil, ""); w.Code != 200 {
		t.Errorf("health must stay open, got %d", w.Code)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	token, _ := NewAuth([]byte("s3cret")).Issue("6f1c1b7e-4a53-4d8e-9a43-0d6f8f7b2c11", RoleAdmin, -time.Minute)

	if w := env.do(t, "GET", "/jobs", nil, token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for expired token, got %d", w.Code)
	}
}

func TestRealtimeRequiresMatchingToken(t *testing.T) {
	reached := 0
	srv := NewServer(Options{
		Directory: presence.NewMemoryDirectory(presence.DefaultStaleAfter, nil),
		Realtime: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached++
			w.WriteHeader(http.StatusNoContent)
		}),
		JWTSecret: "s3cret",
	})
	auth := NewAuth([]byte("s3cret"))
	bridge, _ := auth.Issue("B1", RoleBridge, time.Hour)
	admin, _ := auth.Issue("6f1c1b7e-4a53-4d8e-9a43-0d6f8f7b2c11", RoleAdmin, time.Hour)

	tests := []struct {
		name  string
		query string
		token string
		want  int
	}{
		{"no token", "?topic=presence&deviceId=EVIL", "", http.StatusUnauthorized},
		{"bridge as itself", "?topic=presence&deviceId=B1", bridge, http.StatusNoContent},
		{"bridge as another device", "?topic=jobs&deviceId=B2", bridge, http.StatusForbidden},
		{"bridge without device", "?topic=jobs", bridge, http.StatusForbidden},
		{"admin observer", "?topic=jobs", admin, http.StatusNoContent},
		{"admin as device", "?topic=presence&deviceId=B1", admin, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws"+tt.query, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	if reached != 2 {
		t.Errorf("expected the hub to be reached twice, got %d", reached)
	}

	env := newTestEnv(t, "s3cret")
	if w := env.do(t, "POST", "/print-jobs", printBody(), bridge); w.Code != http.StatusForbidden {
		t.Errorf("bridge tokens must not submit jobs, got %d", w.Code)
	}
}

func TestRealtimeAuthEndToEnd(t *testing.T) {
	dir := presence.NewMemoryDirectory(presence.DefaultStaleAfter, nil)
	hub := realtime.NewHub(dir, nil)
	srv := httptest.NewServer(NewServer(Options{Directory: dir, Realtime: hub, JWTSecret: "s3cret"}).Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	ctx := context.Background()

	_, err := realtime.NewClient(srv.URL, "", nil).JoinPresence(ctx, presence.Record{DeviceID: "EVIL"}, presence.Handlers{})
	if err == nil {
		t.Fatal("expected an unauthenticated join to fail")
	}

	token, _ := NewAuth([]byte("s3cret")).Issue("B1", RoleBridge, time.Hour)
	ps, err := realtime.NewClient(srv.URL, token, nil).JoinPresence(ctx, presence.Record{DeviceID: "B1"}, presence.Handlers{})
	if err != nil {
		t.Fatalf("JoinPresence failed: %v", err)
	}
	defer ps.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, _ := dir.Snapshot(ctx)
		if len(snapshot) == 1 {
			if snapshot[0].DeviceID != "B1" {
				t.Fatalf("unexpected presence %+v", snapshot)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("authenticated heartbeat never reached the directory")
}

package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/presence"
	"github.com/thereceipt/print-bridge/internal/realtime"
)

type fakePublisher struct {
	mu   sync.Mutex
	anns []realtime.JobAnnouncement
	err  error
}

func (p *fakePublisher) PublishJob(ctx context.Context, ann realtime.JobAnnouncement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anns = append(p.anns, ann)
	return p.err
}

type fixture struct {
	store *ledger.Store
	dir   *presence.MemoryDirectory
	pub   *fakePublisher
	d     *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := ledger.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir := presence.NewMemoryDirectory(presence.DefaultStaleAfter, nil)
	pub := &fakePublisher{}
	return &fixture{
		store: store,
		dir:   dir,
		pub:   pub,
		d:     New(store, dir, pub, Options{SyncWait: 200 * time.Millisecond}, nil),
	}
}

func receiptRequest() Request {
	return Request{
		SubmittedBy:  "6f1c1b7e-4a53-4d8e-9a43-0d6f8f7b2c11",
		RecordID:     "0b9d2c6a-5f0e-4d71-8a4b-1e2f3a4b5c6d",
		Payload:      []byte{0x1B, '@', 'O', 'K', 0x0A, 0x1D, 'V', 0x00},
		DocumentType: DocReceipt,
		Metadata:     []byte(`{"description":"OS 1042"}`),
	}
}

func TestSubmitTargetsOnlineBridge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.dir.Heartbeat(ctx, presence.Record{DeviceID: "B1", Role: presence.RoleBridge, Online: true}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	req := receiptRequest()
	res, err := f.d.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.Success || res.DeviceID != "B1" || res.Queued {
		t.Errorf("unexpected result %+v", res)
	}

	job, err := f.store.Get(ctx, res.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.TargetDeviceID != "B1" || job.Status != ledger.StatusPending || job.MaxAttempts != 2 {
		t.Errorf("unexpected ledger row %+v", job)
	}
	if job.SubmittedBy != req.SubmittedBy || job.RecordID != req.RecordID {
		t.Errorf("submitter fields not stored: %+v", job)
	}

	if len(f.pub.anns) != 1 {
		t.Fatalf("expected one announcement, got %d", len(f.pub.anns))
	}
	ann := f.pub.anns[0]
	if ann.JobID != res.JobID || ann.DeviceID != "B1" || string(ann.Payload) != string(req.Payload) {
		t.Errorf("announcement does not match the ledger row: %+v", ann)
	}
}

func TestSubmitPrefersMostRecentHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now()
	f.dir.Heartbeat(ctx, presence.Record{DeviceID: "older", Role: presence.RoleBridge, Online: true, LastHeartbeat: now.Add(-30 * time.Second)})
	f.dir.Heartbeat(ctx, presence.Record{DeviceID: "newer", Role: presence.RoleBridge, Online: true, LastHeartbeat: now})
	f.dir.Heartbeat(ctx, presence.Record{DeviceID: "phone", Role: "client", Online: true, LastHeartbeat: now})

	res, err := f.d.Submit(ctx, receiptRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.DeviceID != "newer" {
		t.Errorf("expected newer, got %s", res.DeviceID)
	}
}

func TestSubmitWithoutAnyBridge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.d.Submit(ctx, receiptRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.Success || !res.Queued || res.DeviceID != ledger.Unassigned {
		t.Errorf("unexpected result %+v", res)
	}

	job, _ := f.store.Get(ctx, res.JobID)
	if job.TargetDeviceID != ledger.Unassigned || job.Status != ledger.StatusPending {
		t.Errorf("unexpected ledger row %+v", job)
	}

	claimed, ok, err := f.store.ClaimNextFor(ctx, "B2")
	if err != nil || !ok {
		t.Fatalf("ClaimNextFor failed: ok=%v err=%v", ok, err)
	}
	if claimed.ID != res.JobID || claimed.TargetDeviceID != "B2" {
		t.Errorf("expected B2 to take over the job, got %+v", claimed)
	}
}

func TestSubmitFallsBackToLatestTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Create(ctx, ledger.NewJob{Payload: []byte{1}, TargetDeviceID: "B5", DocumentType: DocCustom}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	res, err := f.d.Submit(ctx, receiptRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.DeviceID != "B5" || res.Queued {
		t.Errorf("expected the previous target B5 unqueued, got %+v", res)
	}
}

func TestSubmitIgnoresStaleBridge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dir.Heartbeat(ctx, presence.Record{
		DeviceID:      "B3",
		Role:          presence.RoleBridge,
		Online:        true,
		LastHeartbeat: time.Now().Add(-130 * time.Second),
	})

	res, err := f.d.Submit(ctx, receiptRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.DeviceID != ledger.Unassigned {
		t.Errorf("stale bridge must not be targeted, got %s", res.DeviceID)
	}
}

func TestSubmitQueuesBehindBusyBridge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dir.Heartbeat(ctx, presence.Record{DeviceID: "B1", Role: presence.RoleBridge, Online: true})

	first, err := f.d.Submit(ctx, receiptRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := f.store.Claim(ctx, first.JobID, "B1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	second, err := f.d.Submit(ctx, receiptRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !second.Queued || second.DeviceID != "B1" {
		t.Errorf("expected queued job for B1, got %+v", second)
	}
	job, _ := f.store.Get(ctx, second.JobID)
	if job.Status != ledger.StatusPending {
		t.Errorf("queued job must still be created pending, got %s", job.Status)
	}
}

func TestSubmitPublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pub.err = realtime.ErrNotDelivered

	res, err := f.d.Submit(ctx, receiptRequest())
	if err != nil {
		t.Fatalf("Submit must succeed when publishing fails: %v", err)
	}
	job, err := f.store.Get(ctx, res.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Status != ledger.StatusPending {
		t.Errorf("expected pending row, got %s", job.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Request)
		field string
	}{
		{"empty payload", func(r *Request) { r.Payload = nil }, "payload"},
		{"unknown document type", func(r *Request) { r.DocumentType = "invoice" }, "documentType"},
		{"bad submitter", func(r *Request) { r.SubmittedBy = "alice" }, "userId"},
		{"bad record", func(r *Request) { r.RecordID = "42" }, "recordId"},
		{"metadata array", func(r *Request) { r.Metadata = []byte(`[1,2]`) }, "metadata"},
		{"metadata null", func(r *Request) { r.Metadata = []byte(`null`) }, "metadata"},
	}

	f := newFixture(t)
	ctx := context.Background()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := receiptRequest()
			tt.edit(&req)

			_, err := f.d.Submit(ctx, req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("expected field %s, got %v", tt.field, err)
			}
		})
	}

	jobs, err := f.store.List(ctx, ledger.Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("rejected submissions must not create jobs, found %d", len(jobs))
	}
}

func TestValidateAcceptsEveryDocumentType(t *testing.T) {
	for _, doc := range []string{DocServiceOrder, DocChecklist, DocReceipt, DocWarranty, DocCustom} {
		req := receiptRequest()
		req.DocumentType = doc
		if err := Validate(&req); err != nil {
			t.Errorf("%s rejected: %v", doc, err)
		}
	}
}

// silentDirectory never syncs on subscribe
type silentDirectory struct {
	*presence.MemoryDirectory
}

func (silentDirectory) Subscribe(presence.Handlers) func() { return func() {} }

func TestSubmitFallsBackToSnapshotWhenSyncTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := silentDirectory{presence.NewMemoryDirectory(presence.DefaultStaleAfter, nil)}
	dir.Heartbeat(ctx, presence.Record{DeviceID: "B1", Role: presence.RoleBridge, Online: true})
	d := New(f.store, dir, f.pub, Options{SyncWait: 50 * time.Millisecond}, nil)

	start := time.Now()
	res, err := d.Submit(ctx, receiptRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("expected the dispatcher to wait for the sync timeout")
	}
	if res.DeviceID != "B1" {
		t.Errorf("expected snapshot fallback to find B1, got %s", res.DeviceID)
	}
}

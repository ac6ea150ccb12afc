package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"liveclass/common/logger"
	"liveclass/common/ws"
	"liveclass/server/apperr"
	"liveclass/server/metrics"
	"liveclass/server/performance"
	"liveclass/server/storage"
	"liveclass/server/tenancy"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]ws.Message
}

func (n *recordingNotifier) Broadcast(tenantID string, msg ws.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]ws.Message)
	}
	n.sent[tenantID] = append(n.sent[tenantID], msg)
}

func (n *recordingNotifier) types(tenantID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent[tenantID] {
		out = append(out, m.Type)
	}
	return out
}

type harness struct {
	engine   *Engine
	store    storage.Store
	agg      *performance.Aggregator
	roster   *tenancy.InMemoryStore
	counters *metrics.Counters
	clock    *fakeClock
	notes    *recordingNotifier
}

func testSchool(id string) tenancy.School {
	return tenancy.School{
		ID:   id,
		Name: "School " + id,
		Grades: []tenancy.Grade{{
			ID: "g5",
			Sections: []tenancy.Section{
				{ID: "a", Students: []tenancy.Student{
					{ID: "s1", DeviceID: "tab-1"},
					{ID: "s2", DeviceID: "tab-2"},
					{ID: "s3", DeviceID: "tab-3"},
				}},
				{ID: "b", Students: []tenancy.Student{
					{ID: "s4", DeviceID: "tab-4"},
				}},
			},
		}},
	}
}

func newSQLiteStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	return newHarnessWithStore(t, newSQLiteStore(t), opts...)
}

func newHarnessWithStore(t *testing.T, store storage.Store, opts ...func(*Options)) *harness {
	t.Helper()
	roster := tenancy.NewInMemoryStore()
	for _, id := range []string{"school-1", "school-2"} {
		if err := roster.PutSchool(testSchool(id)); err != nil {
			t.Fatalf("PutSchool: %v", err)
		}
	}
	log := logger.New(logger.DEBUG, "", 200)
	log.SetConsoleOutput(false)

	h := &harness{
		store:    store,
		roster:   roster,
		counters: metrics.NewCounters(),
		clock:    &fakeClock{now: t0},
		notes:    &recordingNotifier{},
	}
	h.agg = performance.New(performance.Options{
		Store:    store,
		Counters: h.counters,
		Logger:   log.Named("performance"),
	})
	o := Options{
		Store:      store,
		Roster:     roster,
		Aggregator: h.agg,
		Notifier:   h.notes,
		Counters:   h.counters,
		Logger:     log.Named("session"),
		Clock:      h.clock.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.engine = New(o)
	return h
}

func (h *harness) start(t *testing.T, tenantID string) StartResult {
	t.Helper()
	res, err := h.engine.Start(context.Background(), tenantID, "g5", "a")
	if err != nil {
		t.Fatalf("Start(%s): %v", tenantID, err)
	}
	return res
}

func (h *harness) report(t *testing.T, r Report) Receipt {
	t.Helper()
	if r.TenantID == "" {
		r.TenantID = "school-1"
	}
	rc, err := h.engine.Report(context.Background(), r)
	if err != nil {
		t.Fatalf("Report(%+v): %v", r, err)
	}
	return rc
}

func (h *harness) device(t *testing.T, tenantID, deviceID string) *storage.DeviceSyncRecord {
	t.Helper()
	recs, err := h.engine.Devices(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	for _, r := range recs {
		if r.DeviceID == deviceID {
			return r
		}
	}
	t.Fatalf("device %s not found in current session", deviceID)
	return nil
}

func (h *harness) pastDevice(t *testing.T, tenantID string, sessionID int64, deviceID string) *storage.DeviceSyncRecord {
	t.Helper()
	recs, err := h.store.ListDeviceRecords(context.Background(), tenantID, sessionID)
	if err != nil {
		t.Fatalf("ListDeviceRecords: %v", err)
	}
	for _, r := range recs {
		if r.DeviceID == deviceID {
			return r
		}
	}
	t.Fatalf("device %s not found in session %d", deviceID, sessionID)
	return nil
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	e := New(Options{})
	if e.Retention() != DefaultRetentionGenerations {
		t.Errorf("Retention() = %d, want %d", e.Retention(), DefaultRetentionGenerations)
	}
	if e.now().Location() != time.UTC {
		t.Error("default clock should report UTC")
	}
	if e.newID() == e.newID() {
		t.Error("report ids should be unique")
	}
}

func TestUnknownTenant(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.Start(ctx, "nope", "g5", "a"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("Start: expected NOT_FOUND, got %v", err)
	}
	if _, err := h.engine.Stop(ctx, "nope"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("Stop: expected NOT_FOUND, got %v", err)
	}
	_, err := h.engine.Report(ctx, Report{TenantID: "nope", DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportActivity})
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("Report: expected NOT_FOUND, got %v", err)
	}
	if _, err := h.engine.Start(ctx, "", "g5", "a"); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Errorf("empty tenant: expected INVALID, got %v", err)
	}
}

type flakyStore struct {
	storage.Store
	mu        sync.Mutex
	fail      bool
	failQueue bool
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyStore) setFailQueue(v bool) {
	f.mu.Lock()
	f.failQueue = v
	f.mu.Unlock()
}

func (f *flakyStore) ListQueuedReports(ctx context.Context, tenantID string, sessionID int64) ([]*storage.QueuedReport, error) {
	f.mu.Lock()
	fail := f.failQueue
	f.mu.Unlock()
	if fail {
		return nil, context.DeadlineExceeded
	}
	return f.Store.ListQueuedReports(ctx, tenantID, sessionID)
}

func (f *flakyStore) SaveDeviceRecords(ctx context.Context, records []*storage.DeviceSyncRecord) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return context.DeadlineExceeded
	}
	return f.Store.SaveDeviceRecords(ctx, records)
}

func TestPersistenceFailureInvalidatesCache(t *testing.T) {
	t.Parallel()
	flaky := &flakyStore{Store: newSQLiteStore(t)}
	h := newHarnessWithStore(t, flaky)
	h.start(t, "school-1")

	flaky.setFail(true)
	_, err := h.engine.Report(context.Background(), Report{
		TenantID: "school-1", DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportActivity,
	})
	if apperr.CodeOf(err) != apperr.CodePersistenceUnavailable {
		t.Fatalf("expected PERSISTENCE_UNAVAILABLE, got %v", err)
	}

	flaky.setFail(false)
	// The failed write must not leak into the reloaded state.
	if rec := h.device(t, "school-1", "tab-1"); rec.IsActive || rec.Phase != storage.PhasePending {
		t.Fatalf("failed report leaked into state: %+v", rec)
	}
	rc := h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportActivity})
	if rc.Disposition != Applied {
		t.Fatalf("expected applied after recovery, got %+v", rc)
	}
	if rec := h.device(t, "school-1", "tab-1"); !rec.IsActive {
		t.Errorf("expected tab-1 active after recovery: %+v", rec)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := newSQLiteStore(t)
	h := newHarnessWithStore(t, store)
	h.start(t, "school-1")
	h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportSynced})

	// A fresh engine over the same store picks up where the first left off.
	h2 := newHarnessWithStore(t, store)
	cur, err := h2.engine.Current(context.Background(), "school-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.SessionID != 1 || cur.State != storage.SessionStarted {
		t.Fatalf("unexpected session after restart: %+v", cur)
	}
	if rec := h2.device(t, "school-1", "tab-1"); rec.Phase != storage.PhaseSynced {
		t.Errorf("expected synced record after restart, got %v", rec.Phase)
	}
	if got := h2.start(t, "school-1"); got.Session.SessionID != 2 {
		t.Errorf("expected next id 2, got %d", got.Session.SessionID)
	}
}

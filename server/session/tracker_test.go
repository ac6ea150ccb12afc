package session

import (
	"context"
	"reflect"
	"testing"
	"time"

	"liveclass/common/ws"
	"liveclass/server/apperr"
	"liveclass/server/metrics"
	"liveclass/server/storage"
)

func TestReportAdvancesPhases(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t, "school-1")

	rc := h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportActivity, Timestamp: t0.Add(time.Second)})
	if rc.Disposition != Applied || rc.Code != "" || rc.CurrentSessionID != 1 {
		t.Fatalf("unexpected receipt: %+v", rc)
	}
	rec := h.device(t, "school-1", "tab-1")
	if !rec.IsActive || rec.Phase != storage.PhaseActive || !rec.LastActivityAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("after activity: %+v", rec)
	}

	// Synced without prior activity back-fills the activity.
	h.report(t, Report{DeviceID: "tab-2", SessionID: 1, Kind: storage.ReportSynced})
	if rec := h.device(t, "school-1", "tab-2"); !rec.IsActive || !rec.IsSynced() || !rec.Attended() {
		t.Errorf("synced should imply activity: %+v", rec)
	}

	h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportCompleted, Timestamp: t0.Add(10 * time.Second)})
	// A late activity report must not move the device backwards.
	h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportActivity, Timestamp: t0.Add(5 * time.Second)})
	rec = h.device(t, "school-1", "tab-1")
	if !rec.IsCompleted() || !rec.IsSynced() {
		t.Errorf("completed must stay completed: %+v", rec)
	}
	if !rec.LastActivityAt.Equal(t0.Add(10 * time.Second)) {
		t.Errorf("lastActivityAt moved backwards to %v", rec.LastActivityAt)
	}
	if h.counters.Get(metrics.ReportsApplied) != 4 {
		t.Errorf("reports_applied = %d, want 4", h.counters.Get(metrics.ReportsApplied))
	}
}

func TestReportUnassignedDeviceCreatesRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t, "school-1")

	// tab-4 belongs to section b, so it was not part of the fan-out.
	h.report(t, Report{DeviceID: "tab-4", SessionID: 1, Kind: storage.ReportActivity})
	rec := h.device(t, "school-1", "tab-4")
	if rec.StudentID != "s4" || rec.Phase != storage.PhaseActive {
		t.Errorf("unexpected lazily created record: %+v", rec)
	}
}

func TestReportValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	cases := []Report{
		{TenantID: "school-1", SessionID: 1, Kind: storage.ReportActivity},
		{TenantID: "school-1", DeviceID: "tab-1", SessionID: 0, Kind: storage.ReportActivity},
		{TenantID: "school-1", DeviceID: "tab-1", SessionID: 1, Kind: "bogus"},
		{TenantID: "school-1", DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportSynced, Result: &Result{Score: 1}},
	}
	for _, r := range cases {
		if _, err := h.engine.Report(ctx, r); apperr.CodeOf(err) != apperr.CodeInvalid {
			t.Errorf("Report(%+v): expected INVALID, got %v", r, err)
		}
	}
}

func TestCompletedReportSubmitsResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "school-1")

	// The student is taken from the roster when the device omits it.
	h.report(t, Report{DeviceID: "tab-2", SessionID: 1, Kind: storage.ReportCompleted, Result: &Result{Score: 64}})
	results, err := h.store.ListResults(ctx, "school-1", 1)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 1 || results[0].StudentID != "s2" || results[0].Score != 64 || results[0].DeviceID != "tab-2" {
		t.Fatalf("unexpected results: %+v", results)
	}

	out, err := h.engine.SubmitResult(ctx, "school-1", 1, "tab-2", Result{StudentID: "s2", Score: 64}, results[0].SubmittedAt)
	if err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if out.Status != storage.SubmitDuplicate {
		t.Errorf("retry should be a duplicate, got %s", out.Status)
	}
	if _, err := h.engine.SubmitResult(ctx, "school-1", 9, "tab-2", Result{StudentID: "s2", Score: 1}, t0); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("unknown session: expected NOT_FOUND, got %v", err)
	}
}

func TestSweepMarksSilentDevices(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "school-1")

	h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportActivity})
	h.report(t, Report{DeviceID: "tab-2", SessionID: 1, Kind: storage.ReportActivity})
	h.report(t, Report{DeviceID: "tab-3", SessionID: 1, Kind: storage.ReportCompleted})
	h.clock.Advance(90 * time.Second)
	h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportActivity})

	ids, err := h.engine.Sweep(ctx, "school-1", time.Minute)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"tab-2"}) {
		t.Fatalf("swept %v, want [tab-2]", ids)
	}
	rec := h.device(t, "school-1", "tab-2")
	if rec.IsActive || rec.Phase != storage.PhaseActive {
		t.Errorf("swept device should keep its phase and lose liveness: %+v", rec)
	}
	if !h.device(t, "school-1", "tab-3").IsCompleted() {
		t.Error("completed device must not be touched")
	}

	// A second sweep has nothing left to do.
	ids, err = h.engine.Sweep(ctx, "school-1", time.Minute)
	if err != nil || len(ids) != 0 {
		t.Errorf("second sweep = %v, %v", ids, err)
	}
	if h.counters.Get(metrics.DevicesSwept) != 1 {
		t.Errorf("devices_swept = %d", h.counters.Get(metrics.DevicesSwept))
	}
	types := h.notes.types("school-1")
	if types[len(types)-1] != ws.MessageTypeDeviceStale {
		t.Errorf("expected device_stale broadcast, got %v", types)
	}

	// A swept device that reports again becomes active.
	h.report(t, Report{DeviceID: "tab-2", SessionID: 1, Kind: storage.ReportSynced})
	if rec := h.device(t, "school-1", "tab-2"); !rec.IsActive || !rec.IsSynced() {
		t.Errorf("device should recover after reporting: %+v", rec)
	}

	if _, err := h.engine.Sweep(ctx, "school-1", 0); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Errorf("zero threshold: expected INVALID, got %v", err)
	}
}

func TestSweepUsesServerClock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "school-1")

	// tab-1 runs an hour fast, reports once and goes quiet.
	h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportActivity, Timestamp: t0.Add(time.Hour)})
	h.report(t, Report{DeviceID: "tab-2", SessionID: 1, Kind: storage.ReportActivity})
	h.clock.Advance(10 * time.Minute)
	// tab-2 runs an hour slow and is still reporting.
	h.report(t, Report{DeviceID: "tab-2", SessionID: 1, Kind: storage.ReportActivity, Timestamp: h.clock.Now().Add(-time.Hour)})

	ids, err := h.engine.Sweep(ctx, "school-1", 2*time.Minute)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"tab-1"}) {
		t.Fatalf("swept %v, want [tab-1]", ids)
	}
	rec := h.device(t, "school-1", "tab-1")
	if !rec.LastActivityAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("device timestamp should be kept, got %v", rec.LastActivityAt)
	}
	if !rec.LastSeenAt.Equal(t0) {
		t.Errorf("last seen = %v, want %v", rec.LastSeenAt, t0)
	}
	if rec := h.device(t, "school-1", "tab-2"); !rec.IsActive || !rec.LastSeenAt.Equal(h.clock.Now()) {
		t.Errorf("tab-2 should stay active and seen now: %+v", rec)
	}
}

func TestSweepIgnoresStoppedSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "school-1")
	h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportActivity})
	if _, err := h.engine.Stop(ctx, "school-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.clock.Advance(time.Hour)
	ids, err := h.engine.Sweep(ctx, "school-1", time.Minute)
	if err != nil || len(ids) != 0 {
		t.Errorf("Sweep on stopped session = %v, %v", ids, err)
	}
}

// A device that finishes while another goes quiet: the quiet one is swept
// but still counts towards attendance.
func TestSessionWithCompletedAndSilentDevice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.start(t, "school-1")
	h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportActivity})
	h.report(t, Report{DeviceID: "tab-2", SessionID: 1, Kind: storage.ReportActivity})
	h.clock.Advance(20 * time.Second)
	h.report(t, Report{DeviceID: "tab-1", SessionID: 1, Kind: storage.ReportCompleted,
		Result: &Result{StudentID: "s1", Score: 90}})

	h.clock.Advance(2 * time.Minute)
	ids, err := h.engine.Sweep(ctx, "school-1", time.Minute)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"tab-2"}) {
		t.Fatalf("swept %v, want [tab-2]", ids)
	}

	if _, err := h.engine.Stop(ctx, "school-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rollup, ok := h.agg.Query("school-1", "g5", "a")
	if !ok {
		t.Fatal("expected a rollup after stop")
	}
	if rollup.SampleCount != 1 || rollup.MeanScore != 90 {
		t.Errorf("rollup results = %d mean %v, want 1 mean 90", rollup.SampleCount, rollup.MeanScore)
	}
	if rollup.AttendanceCount != 2 {
		t.Errorf("attendance = %d, want 2", rollup.AttendanceCount)
	}
	if rec := h.pastDevice(t, "school-1", 1, "tab-2"); rec.IsActive {
		t.Errorf("tab-2 should be inactive: %+v", rec)
	}
}

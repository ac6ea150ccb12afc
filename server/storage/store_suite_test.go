package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func floatp(v float64) *float64 { return &v }

// runStoreSuite exercises every Store method. It runs against SQLite in the
// unit tests and against PostgreSQL in the integration tests.
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("SessionLifecycle", func(t *testing.T) {
		if _, err := store.LatestSession(ctx, "school-s"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LatestSession on empty tenant: got %v", err)
		}

		first := &Session{TenantID: "school-s", SessionID: 1, GradeID: "g5", SectionID: "a", State: SessionStarted, StartedAt: base}
		if err := store.SaveSession(ctx, first); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		stopped := base.Add(time.Hour)
		first.State = SessionStopped
		first.StoppedAt = &stopped
		first.FinalizedAt = &stopped
		first.SupersededBy = 2
		if err := store.SaveSession(ctx, first); err != nil {
			t.Fatalf("SaveSession update: %v", err)
		}
		second := &Session{TenantID: "school-s", SessionID: 2, GradeID: "g5", SectionID: "a", State: SessionStarted, StartedAt: stopped}
		if err := store.SaveSession(ctx, second); err != nil {
			t.Fatalf("SaveSession second: %v", err)
		}

		latest, err := store.LatestSession(ctx, "school-s")
		if err != nil {
			t.Fatalf("LatestSession: %v", err)
		}
		if latest.SessionID != 2 || latest.State != SessionStarted || latest.StoppedAt != nil {
			t.Errorf("unexpected latest session: %+v", latest)
		}

		got, err := store.GetSession(ctx, "school-s", 1)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.State != SessionStopped || got.SupersededBy != 2 || got.StoppedAt == nil || !got.StoppedAt.Equal(stopped) {
			t.Errorf("unexpected stored session: %+v", got)
		}
		if !got.StartedAt.Equal(base) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, base)
		}

		finalized, err := store.ListFinalizedSessions(ctx, "school-s", "g5", "a", 10)
		if err != nil {
			t.Fatalf("ListFinalizedSessions: %v", err)
		}
		if len(finalized) != 1 || finalized[0].SessionID != 1 {
			t.Errorf("expected only session 1 finalized, got %d", len(finalized))
		}

		if _, err := store.GetSession(ctx, "school-s", 99); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetSession missing: got %v", err)
		}
	})

	t.Run("DeviceRecords", func(t *testing.T) {
		activity := base.Add(5 * time.Minute)
		seen := base.Add(4 * time.Minute)
		records := []*DeviceSyncRecord{
			{TenantID: "school-d", SessionID: 1, DeviceID: "tab-2", StudentID: "stu-2", Phase: PhasePending, StartedAt: base, UpdatedAt: base},
			{TenantID: "school-d", SessionID: 1, DeviceID: "tab-1", StudentID: "stu-1", Phase: PhaseActive, IsActive: true, StartedAt: base, LastActivityAt: &activity, LastSeenAt: &seen, UpdatedAt: activity},
		}
		if err := store.SaveDeviceRecords(ctx, records); err != nil {
			t.Fatalf("SaveDeviceRecords: %v", err)
		}
		records[0].Phase = PhaseCompleted
		if err := store.SaveDeviceRecords(ctx, records[:1]); err != nil {
			t.Fatalf("SaveDeviceRecords update: %v", err)
		}

		got, err := store.ListDeviceRecords(ctx, "school-d", 1)
		if err != nil {
			t.Fatalf("ListDeviceRecords: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 records, got %d", len(got))
		}
		if got[0].DeviceID != "tab-1" || !got[0].IsActive || got[0].LastActivityAt == nil || !got[0].LastActivityAt.Equal(activity) {
			t.Errorf("unexpected tab-1 record: %+v", got[0])
		}
		if got[0].LastSeenAt == nil || !got[0].LastSeenAt.Equal(seen) {
			t.Errorf("last_seen_at = %v, want %v", got[0].LastSeenAt, seen)
		}
		if got[1].LastSeenAt != nil {
			t.Errorf("tab-2 was never seen, got last_seen_at %v", got[1].LastSeenAt)
		}
		if got[1].Phase != PhaseCompleted || !got[1].IsSynced() || got[1].IsActive {
			t.Errorf("unexpected tab-2 record: %+v", got[1])
		}
	})

	t.Run("SubmitResultDedup", func(t *testing.T) {
		r := &CompletedResult{TenantID: "school-r", StudentID: "stu-1", SessionID: 4, GradeID: "g5", SectionID: "a", Score: 70, SubmittedAt: base}
		out, err := store.SubmitResult(ctx, r)
		if err != nil || out.Status != SubmitAccepted {
			t.Fatalf("first submit: %+v %v", out, err)
		}

		same := *r
		same.Score = 99
		out, err = store.SubmitResult(ctx, &same)
		if err != nil || out.Status != SubmitDuplicate {
			t.Fatalf("equal timestamp should be duplicate: %+v %v", out, err)
		}

		later := *r
		later.Score = 85
		later.SubmittedAt = base.Add(time.Second)
		out, err = store.SubmitResult(ctx, &later)
		if err != nil || out.Status != SubmitReplaced || !out.ScoreChanged || out.PreviousScore != 70 {
			t.Fatalf("later submit should replace: %+v %v", out, err)
		}

		earlier := *r
		earlier.Score = 10
		earlier.SubmittedAt = base.Add(-time.Hour)
		out, err = store.SubmitResult(ctx, &earlier)
		if err != nil || out.Status != SubmitDuplicate {
			t.Fatalf("earlier submit should be duplicate: %+v %v", out, err)
		}

		results, err := store.ListResults(ctx, "school-r", 4)
		if err != nil {
			t.Fatalf("ListResults: %v", err)
		}
		if len(results) != 1 || results[0].Score != 85 {
			t.Errorf("expected one result with score 85, got %+v", results)
		}
	})

	t.Run("Rollups", func(t *testing.T) {
		rec := &RollupRecord{SchoolID: "school-u", GradeID: "g5", SectionID: "a", Contributions: []SessionContribution{
			{SessionID: 2, Count: 1, Sum: 80, Attendance: 1},
			{SessionID: 1, Count: 2, Sum: 150, Attendance: 3},
		}}
		if err := store.SaveRollup(ctx, rec); err != nil {
			t.Fatalf("SaveRollup: %v", err)
		}
		rec.Contributions = rec.Contributions[:1]
		if err := store.SaveRollup(ctx, rec); err != nil {
			t.Fatalf("SaveRollup update: %v", err)
		}
		all, err := store.ListRollups(ctx)
		if err != nil {
			t.Fatalf("ListRollups: %v", err)
		}
		var found *RollupRecord
		for _, r := range all {
			if r.SchoolID == "school-u" {
				found = r
			}
		}
		if found == nil || len(found.Contributions) != 1 || found.Contributions[0].SessionID != 2 {
			t.Errorf("unexpected rollup: %+v", found)
		}
	})

	t.Run("ReconciliationQueue", func(t *testing.T) {
		reports := []*QueuedReport{
			{ReportID: "r-1", TenantID: "school-q", DeviceID: "tab-1", SessionID: 1, Kind: ReportActivity, ReportedAt: base},
			{ReportID: "r-2", TenantID: "school-q", DeviceID: "tab-1", SessionID: 3, Kind: ReportCompleted, ReportedAt: base, StudentID: "stu-1", Score: floatp(91)},
			{ReportID: "r-3", TenantID: "school-q", DeviceID: "tab-2", SessionID: 3, Kind: ReportSynced, ReportedAt: base},
		}
		for _, r := range reports {
			if err := store.EnqueueReport(ctx, r); err != nil {
				t.Fatalf("EnqueueReport: %v", err)
			}
		}
		if reports[0].Seq >= reports[1].Seq || reports[1].Seq >= reports[2].Seq {
			t.Errorf("expected increasing seq, got %d %d %d", reports[0].Seq, reports[1].Seq, reports[2].Seq)
		}

		n, err := store.CountQueuedReports(ctx, "school-q")
		if err != nil || n != 3 {
			t.Fatalf("CountQueuedReports = %d, %v", n, err)
		}

		queued, err := store.ListQueuedReports(ctx, "school-q", 3)
		if err != nil {
			t.Fatalf("ListQueuedReports: %v", err)
		}
		if len(queued) != 2 || queued[0].ReportID != "r-2" || queued[1].ReportID != "r-3" {
			t.Fatalf("unexpected queue order: %+v", queued)
		}
		if queued[0].Score == nil || *queued[0].Score != 91 || queued[1].Score != nil {
			t.Errorf("scores not preserved: %v %v", queued[0].Score, queued[1].Score)
		}

		pruned, err := store.PruneQueuedReports(ctx, "school-q", 2)
		if err != nil {
			t.Fatalf("PruneQueuedReports: %v", err)
		}
		if len(pruned) != 1 || pruned[0].ReportID != "r-1" {
			t.Errorf("unexpected pruned set: %+v", pruned)
		}

		if err := store.DeleteQueuedReports(ctx, []int64{queued[0].Seq, queued[1].Seq}); err != nil {
			t.Fatalf("DeleteQueuedReports: %v", err)
		}
		if n, _ := store.CountQueuedReports(ctx, "school-q"); n != 0 {
			t.Errorf("expected empty queue, got %d", n)
		}
	})

	t.Run("SyncEvents", func(t *testing.T) {
		for _, kind := range []string{EventStaleDrop, EventDeviceStale} {
			if err := store.RecordSyncEvent(ctx, &SyncEvent{TenantID: "school-e", DeviceID: "tab-1", SessionID: 1, Kind: kind}); err != nil {
				t.Fatalf("RecordSyncEvent: %v", err)
			}
		}
		events, err := store.ListSyncEvents(ctx, "school-e", 10)
		if err != nil {
			t.Fatalf("ListSyncEvents: %v", err)
		}
		if len(events) != 2 || events[0].Kind != EventDeviceStale {
			t.Errorf("expected newest first, got %+v", events)
		}
	})

	t.Run("EngineMetrics", func(t *testing.T) {
		old := &EngineMetricsSnapshot{CollectedAt: base.Add(-48 * time.Hour), Counters: map[string]int64{"reports_applied": 1}}
		fresh := &EngineMetricsSnapshot{CollectedAt: base, Counters: map[string]int64{"reports_applied": 5}}
		for _, m := range []*EngineMetricsSnapshot{old, fresh} {
			if err := store.InsertEngineMetrics(ctx, m); err != nil {
				t.Fatalf("InsertEngineMetrics: %v", err)
			}
		}
		latest, err := store.LatestEngineMetrics(ctx)
		if err != nil {
			t.Fatalf("LatestEngineMetrics: %v", err)
		}
		if latest.Counters["reports_applied"] != 5 {
			t.Errorf("unexpected latest counters: %v", latest.Counters)
		}
		n, err := store.PruneEngineMetrics(ctx, base.Add(-24*time.Hour))
		if err != nil || n != 1 {
			t.Errorf("PruneEngineMetrics = %d, %v", n, err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}

func TestSQLiteStoreSuite(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, newTestStore(t))
}

func TestSQLiteStoreConcurrentSubmits(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			_, err := store.SubmitResult(ctx, &CompletedResult{
				TenantID: "school-c", StudentID: "stu-1", SessionID: 1, GradeID: "g1", SectionID: "a",
				Score: float64(i), SubmittedAt: base.Add(time.Duration(i) * time.Second),
			})
			errs <- err
		}(i)
	}
	for i := 0; i < 20; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("SubmitResult: %v", err)
		}
	}

	results, err := store.ListResults(ctx, "school-c", 1)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 1 || results[0].Score != 19 {
		t.Errorf("expected the latest submission to win, got %+v", results)
	}
}

func TestFormatTimeSortsLexically(t *testing.T) {
	t.Parallel()

	a := time.Date(2026, 1, 1, 0, 0, 5, 500000000, time.UTC)
	b := time.Date(2026, 1, 1, 0, 0, 5, 500010000, time.UTC)
	if !(formatTime(a) < formatTime(b)) {
		t.Errorf("%q should sort before %q", formatTime(a), formatTime(b))
	}
	if !parseTime(formatTime(b)).Equal(b) {
		t.Errorf("round trip lost precision")
	}
}

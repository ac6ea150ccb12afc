// Package performance maintains per-section score rollups over the most
// recent finalized sessions.
package performance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"liveclass/server/apperr"
	"liveclass/server/metrics"
	"liveclass/server/storage"
)

// DefaultWindow is the number of finalized sessions a rollup covers.
const DefaultWindow = 20

// Store is the persistence the aggregator needs.
type Store interface {
	SubmitResult(ctx context.Context, r *storage.CompletedResult) (storage.SubmitOutcome, error)
	ListResults(ctx context.Context, tenantID string, sessionID int64) ([]*storage.CompletedResult, error)
	ListDeviceRecords(ctx context.Context, tenantID string, sessionID int64) ([]*storage.DeviceSyncRecord, error)
	ListFinalizedSessions(ctx context.Context, tenantID, gradeID, sectionID string, limit int) ([]*storage.Session, error)
	SaveRollup(ctx context.Context, r *storage.RollupRecord) error
	ListRollups(ctx context.Context) ([]*storage.RollupRecord, error)
}

// Logger is the subset of the leveled logger the aggregator uses.
type Logger interface {
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
}

// Key identifies a rollup.
type Key struct {
	SchoolID  string
	GradeID   string
	SectionID string
}

// Rollup is the aggregate for one (school, grade, section).
type Rollup struct {
	SchoolID        string                        `json:"school_id"`
	GradeID         string                        `json:"grade_id"`
	SectionID       string                        `json:"section_id"`
	SampleCount     int64                         `json:"sample_count"`
	ScoreSum        float64                       `json:"score_sum"`
	MeanScore       float64                       `json:"mean_score"`
	AttendanceCount int64                         `json:"attendance_count"`
	SessionCount    int                           `json:"session_count"`
	Contributions   []storage.SessionContribution `json:"contributions"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

type snapshot struct {
	rollups map[Key]*Rollup
}

// Options configures an Aggregator.
type Options struct {
	Store    Store
	Window   int
	Counters *metrics.Counters
	Logger   Logger
}

// Aggregator owns the rollups. Writes are serialized; Query reads an
// immutable snapshot and never blocks.
type Aggregator struct {
	store    Store
	window   int
	counters *metrics.Counters
	log      Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// New creates an aggregator with an empty snapshot.
func New(opts Options) *Aggregator {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	a := &Aggregator{
		store:    opts.Store,
		window:   window,
		counters: opts.Counters,
		log:      opts.Logger,
		tracer:   otel.Tracer("liveclass/server/performance"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	a.snap.Store(&snapshot{rollups: map[Key]*Rollup{}})
	return a
}

// Window returns the number of sessions each rollup covers.
func (a *Aggregator) Window() int { return a.window }

// Load replaces the snapshot with the persisted rollups.
func (a *Aggregator) Load(ctx context.Context) error {
	records, err := a.store.ListRollups(ctx)
	if err != nil {
		return apperr.Persistence(err, "load rollups")
	}
	rollups := make(map[Key]*Rollup, len(records))
	for _, rec := range records {
		key := Key{SchoolID: rec.SchoolID, GradeID: rec.GradeID, SectionID: rec.SectionID}
		r := build(key, rec.Contributions, a.window)
		r.UpdatedAt = rec.UpdatedAt
		rollups[key] = r
	}

	a.mu.Lock()
	a.snap.Store(&snapshot{rollups: rollups})
	a.mu.Unlock()
	a.logf("Loaded rollups", "count", len(rollups))
	return nil
}

// SubmitResult stores a student result. A resubmission replaces the stored
// score only when it is strictly newer. Callers that know the session is
// already finalized re-finalize it when ScoreChanged is set.
func (a *Aggregator) SubmitResult(ctx context.Context, r *storage.CompletedResult) (storage.SubmitOutcome, error) {
	if r.TenantID == "" || r.StudentID == "" || r.SessionID <= 0 {
		return storage.SubmitOutcome{}, apperr.Invalid("result requires tenant, student and session")
	}
	if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
		return storage.SubmitOutcome{}, apperr.Invalid("score must be a finite number")
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = a.now()
	}

	out, err := a.store.SubmitResult(ctx, r)
	if err != nil {
		return storage.SubmitOutcome{}, apperr.Persistence(err, "submit result")
	}
	switch out.Status {
	case storage.SubmitAccepted:
		a.counters.Inc(metrics.ResultsAccepted)
	case storage.SubmitReplaced:
		a.counters.Inc(metrics.ResultsReplaced)
	case storage.SubmitDuplicate:
		a.counters.Inc(metrics.ResultsDuplicate)
	}
	return out, nil
}

// FinalizeSession folds a closed session into its section rollup. The
// session's previous contribution, if any, is replaced, so finalizing twice
// yields the same rollup.
func (a *Aggregator) FinalizeSession(ctx context.Context, sess *storage.Session) error {
	ctx, span := a.tracer.Start(ctx, "performance.FinalizeSession", trace.WithAttributes(
		attribute.String("tenant.id", sess.TenantID),
		attribute.Int64("session.id", sess.SessionID),
	))
	defer span.End()

	contrib, err := a.contribution(ctx, sess.TenantID, sess.SessionID)
	if err != nil {
		return err
	}
	key := Key{SchoolID: sess.TenantID, GradeID: sess.GradeID, SectionID: sess.SectionID}

	a.mu.Lock()
	defer a.mu.Unlock()

	var contributions []storage.SessionContribution
	if cur, ok := a.snap.Load().rollups[key]; ok {
		for _, c := range cur.Contributions {
			if c.SessionID != sess.SessionID {
				contributions = append(contributions, c)
			}
		}
	}
	contributions = append(contributions, contrib)

	r := build(key, contributions, a.window)
	if err := a.publishLocked(ctx, r); err != nil {
		return err
	}
	a.logf("Finalized session into rollup", "tenant", sess.TenantID, "session", sess.SessionID,
		"results", contrib.Count, "attendance", contrib.Attendance)
	return nil
}

// Query returns the current rollup for a section.
func (a *Aggregator) Query(schoolID, gradeID, sectionID string) (Rollup, bool) {
	r, ok := a.snap.Load().rollups[Key{SchoolID: schoolID, GradeID: gradeID, SectionID: sectionID}]
	if !ok {
		return Rollup{SchoolID: schoolID, GradeID: gradeID, SectionID: sectionID}, false
	}
	out := *r
	out.Contributions = append([]storage.SessionContribution(nil), r.Contributions...)
	return out, true
}

// Recompute rebuilds a rollup from stored results and device records of the
// latest finalized sessions and replaces the current one.
func (a *Aggregator) Recompute(ctx context.Context, schoolID, gradeID, sectionID string) (Rollup, error) {
	ctx, span := a.tracer.Start(ctx, "performance.Recompute", trace.WithAttributes(
		attribute.String("tenant.id", schoolID),
	))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	sessions, err := a.store.ListFinalizedSessions(ctx, schoolID, gradeID, sectionID, a.window)
	if err != nil {
		return Rollup{}, apperr.Persistence(err, "list finalized sessions")
	}
	contributions := make([]storage.SessionContribution, 0, len(sessions))
	for _, s := range sessions {
		c, err := a.contribution(ctx, s.TenantID, s.SessionID)
		if err != nil {
			return Rollup{}, err
		}
		contributions = append(contributions, c)
	}

	r := build(Key{SchoolID: schoolID, GradeID: gradeID, SectionID: sectionID}, contributions, a.window)
	if err := a.publishLocked(ctx, r); err != nil {
		return Rollup{}, err
	}
	a.logf("Recomputed rollup", "school", schoolID, "grade", gradeID, "section", sectionID, "sessions", r.SessionCount)
	return *r, nil
}

// publishLocked persists r and swaps it into a new snapshot.
func (a *Aggregator) publishLocked(ctx context.Context, r *Rollup) error {
	r.UpdatedAt = a.now()
	err := a.store.SaveRollup(ctx, &storage.RollupRecord{
		SchoolID:      r.SchoolID,
		GradeID:       r.GradeID,
		SectionID:     r.SectionID,
		Contributions: r.Contributions,
		UpdatedAt:     r.UpdatedAt,
	})
	if err != nil {
		return apperr.Persistence(err, "save rollup")
	}

	old := a.snap.Load().rollups
	next := make(map[Key]*Rollup, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[Key{SchoolID: r.SchoolID, GradeID: r.GradeID, SectionID: r.SectionID}] = r
	a.snap.Store(&snapshot{rollups: next})
	return nil
}

// contribution computes what one session adds to its rollup.
func (a *Aggregator) contribution(ctx context.Context, tenantID string, sessionID int64) (storage.SessionContribution, error) {
	c := storage.SessionContribution{SessionID: sessionID}

	results, err := a.store.ListResults(ctx, tenantID, sessionID)
	if err != nil {
		return c, apperr.Persistence(err, fmt.Sprintf("list results for session %d", sessionID))
	}
	for _, r := range results {
		c.Count++
		c.Sum += r.Score
	}

	records, err := a.store.ListDeviceRecords(ctx, tenantID, sessionID)
	if err != nil {
		return c, apperr.Persistence(err, fmt.Sprintf("list device records for session %d", sessionID))
	}
	for _, rec := range records {
		if rec.Attended() {
			c.Attendance++
		}
	}
	return c, nil
}

// build keeps the window newest contributions and derives the totals.
// Totals are always summed in session order so that incremental updates
// and recomputation produce identical values.
func build(key Key, contributions []storage.SessionContribution, window int) *Rollup {
	sorted := append([]storage.SessionContribution(nil), contributions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SessionID < sorted[j].SessionID })
	if len(sorted) > window {
		sorted = sorted[len(sorted)-window:]
	}

	r := &Rollup{
		SchoolID:      key.SchoolID,
		GradeID:       key.GradeID,
		SectionID:     key.SectionID,
		Contributions: sorted,
		SessionCount:  len(sorted),
	}
	for _, c := range sorted {
		r.SampleCount += c.Count
		r.ScoreSum += c.Sum
		r.AttendanceCount += c.Attendance
	}
	if r.SampleCount > 0 {
		r.MeanScore = r.ScoreSum / float64(r.SampleCount)
	}
	return r
}

func (a *Aggregator) logf(msg string, kv ...interface{}) {
	if a.log != nil {
		a.log.Debug(msg, kv...)
	}
}

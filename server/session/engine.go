// Package session is the live classroom engine: the per-tenant session
// state machine, device sync tracking and the reconciliation queue for
// reports that arrive out of order.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"liveclass/common/ws"
	"liveclass/server/apperr"
	"liveclass/server/metrics"
	"liveclass/server/storage"
	"liveclass/server/tenancy"
)

// DefaultRetentionGenerations is how many sessions behind the current one a
// late report may address before it is dropped as stale.
const DefaultRetentionGenerations = 3

// Roster is the tenant directory the engine consumes.
type Roster interface {
	Exists(tenantID string) bool
	Devices(tenantID string) ([]tenancy.DeviceAssignment, error)
	LookupDevice(tenantID, deviceID string) (tenancy.DeviceAssignment, bool)
}

// Aggregator receives results and finalized sessions.
type Aggregator interface {
	SubmitResult(ctx context.Context, r *storage.CompletedResult) (storage.SubmitOutcome, error)
	FinalizeSession(ctx context.Context, sess *storage.Session) error
}

// Notifier delivers messages to a tenant's connected devices.
type Notifier interface {
	Broadcast(tenantID string, msg ws.Message)
}

// Logger is the subset of the leveled logger the engine uses.
type Logger interface {
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

// Options configures an Engine.
type Options struct {
	Store                storage.Store
	Roster               Roster
	Aggregator           Aggregator
	Notifier             Notifier
	Counters             *metrics.Counters
	Logger               Logger
	RetentionGenerations int
	Clock                func() time.Time
}

// Engine coordinates sessions, device records and reconciliation for all
// tenants.
type Engine struct {
	store     storage.Store
	roster    Roster
	agg       Aggregator
	notifier  Notifier
	counters  *metrics.Counters
	log       Logger
	retention int64
	now       func() time.Time
	newID     func() string
	tracer    trace.Tracer
	dir       *Directory
}

// New creates an Engine.
func New(opts Options) *Engine {
	retention := opts.RetentionGenerations
	if retention <= 0 {
		retention = DefaultRetentionGenerations
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:     opts.Store,
		roster:    opts.Roster,
		agg:       opts.Aggregator,
		notifier:  opts.Notifier,
		counters:  opts.Counters,
		log:       opts.Logger,
		retention: int64(retention),
		now:       clock,
		newID:     func() string { return uuid.NewString() },
		tracer:    otel.Tracer("liveclass/server/session"),
		dir:       NewDirectory(opts.Store),
	}
}

// Retention returns the number of generations late reports are kept for.
func (e *Engine) Retention() int64 { return e.retention }

// Tenants returns the tenants with cached state.
func (e *Engine) Tenants() []string { return e.dir.Tenants() }

// lock resolves the tenant and acquires its serialization point.
func (e *Engine) lock(ctx context.Context, tenantID string) (*tenantState, error) {
	if tenantID == "" {
		return nil, apperr.Invalid("tenant id is required")
	}
	if !e.roster.Exists(tenantID) {
		return nil, apperr.NotFound("tenant %q", tenantID)
	}
	return e.dir.acquire(ctx, tenantID)
}

// fail invalidates the tenant cache after a persistence error so the next
// operation starts from durable state.
func (e *Engine) fail(st *tenantState, err error, op string) error {
	st.invalidate()
	e.logError("Persistence failure", "tenant", st.id, "op", op, "error", err)
	return apperr.Persistence(err, op)
}

func (e *Engine) startSpan(ctx context.Context, name, tenantID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("tenant.id", tenantID))
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finalize folds a closed session into the rollups and stamps finalizedAt.
func (e *Engine) finalize(ctx context.Context, st *tenantState, sess *storage.Session) error {
	if err := e.agg.FinalizeSession(ctx, sess); err != nil {
		e.logError("Finalize failed", "tenant", sess.TenantID, "session", sess.SessionID, "error", err)
		return err
	}
	now := e.now()
	sess.FinalizedAt = &now
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return e.fail(st, err, "save finalized session")
	}
	e.counters.Inc(metrics.SessionsFinalized)
	return nil
}

// submit stores a completed result for sess and re-finalizes the session
// when it was already finalized and the score changed.
func (e *Engine) submit(ctx context.Context, st *tenantState, sess *storage.Session, deviceID string, res Result, at time.Time) (storage.SubmitOutcome, error) {
	out, err := e.record(ctx, sess, deviceID, res, at)
	if err != nil {
		return out, err
	}
	if sess.FinalizedAt != nil && out.ScoreChanged && out.Status != storage.SubmitDuplicate {
		e.counters.Inc(metrics.CorrectionFinalizes)
		if err := e.finalize(ctx, st, sess); err != nil {
			return out, err
		}
	}
	return out, nil
}

// record hands a result to the aggregator without touching finalization.
func (e *Engine) record(ctx context.Context, sess *storage.Session, deviceID string, res Result, at time.Time) (storage.SubmitOutcome, error) {
	return e.agg.SubmitResult(ctx, &storage.CompletedResult{
		TenantID:    sess.TenantID,
		StudentID:   res.StudentID,
		SessionID:   sess.SessionID,
		GradeID:     sess.GradeID,
		SectionID:   sess.SectionID,
		DeviceID:    deviceID,
		Score:       res.Score,
		SubmittedAt: at,
	})
}

// SubmitResult records a result outside of a device report, for example
// from a grading backend. Unknown sessions fail with NotFound.
func (e *Engine) SubmitResult(ctx context.Context, tenantID string, sessionID int64, deviceID string, res Result, at time.Time) (storage.SubmitOutcome, error) {
	st, err := e.lock(ctx, tenantID)
	if err != nil {
		return storage.SubmitOutcome{}, err
	}
	defer st.mu.Unlock()

	sess, err := e.sessionFor(ctx, st, sessionID)
	if err != nil {
		return storage.SubmitOutcome{}, err
	}
	if at.IsZero() {
		at = e.now()
	}
	return e.submit(ctx, st, sess, deviceID, res, at)
}

// sessionFor returns the cached current session or loads a past one.
func (e *Engine) sessionFor(ctx context.Context, st *tenantState, sessionID int64) (*storage.Session, error) {
	if st.current != nil && st.current.SessionID == sessionID {
		return st.current, nil
	}
	sess, err := e.store.GetSession(ctx, st.id, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("session %d of tenant %q", sessionID, st.id)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load session")
	}
	return sess, nil
}

func (e *Engine) event(ctx context.Context, tenantID, deviceID string, sessionID int64, kind, details string) {
	err := e.store.RecordSyncEvent(ctx, &storage.SyncEvent{
		TenantID:  tenantID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Kind:      kind,
		Details:   details,
		CreatedAt: e.now(),
	})
	if err != nil {
		e.logWarn("Failed to record sync event", "tenant", tenantID, "kind", kind, "error", err)
	}
}

func (e *Engine) notify(tenantID, msgType string, payload interface{}) {
	if e.notifier == nil {
		return
	}
	msg, err := ws.NewMessage(msgType, payload)
	if err != nil {
		e.logWarn("Failed to build notification", "type", msgType, "error", err)
		return
	}
	e.notifier.Broadcast(tenantID, msg)
}

// Events returns a tenant's most recent sync events.
func (e *Engine) Events(ctx context.Context, tenantID string, limit int) ([]*storage.SyncEvent, error) {
	if !e.roster.Exists(tenantID) {
		return nil, apperr.NotFound("tenant %q", tenantID)
	}
	events, err := e.store.ListSyncEvents(ctx, tenantID, limit)
	if err != nil {
		return nil, apperr.Persistence(err, "list sync events")
	}
	return events, nil
}

func (e *Engine) logDebug(msg string, kv ...interface{}) {
	if e.log != nil {
		e.log.Debug(msg, kv...)
	}
}

func (e *Engine) logInfo(msg string, kv ...interface{}) {
	if e.log != nil {
		e.log.Info(msg, kv...)
	}
}

func (e *Engine) logWarn(msg string, kv ...interface{}) {
	if e.log != nil {
		e.log.Warn(msg, kv...)
	}
}

func (e *Engine) logError(msg string, kv ...interface{}) {
	if e.log != nil {
		e.log.Error(msg, kv...)
	}
}

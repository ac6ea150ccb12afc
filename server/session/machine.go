package session

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"liveclass/common/ws"
	"liveclass/server/apperr"
	"liveclass/server/metrics"
	"liveclass/server/storage"
)

// Start opens a new session for the tenant. A session that is still running
// is stopped, drained and finalized first, so at most one session is ever
// started per tenant. Start never fails on state; only an unknown tenant or
// the store can make it fail.
func (e *Engine) Start(ctx context.Context, tenantID, gradeID, sectionID string) (StartResult, error) {
	if gradeID == "" || sectionID == "" {
		return StartResult{}, apperr.Invalid("grade and section are required")
	}
	ctx, span := e.startSpan(ctx, "session.Start", tenantID,
		attribute.String("grade.id", gradeID), attribute.String("section.id", sectionID))
	defer span.End()

	st, err := e.lock(ctx, tenantID)
	if err != nil {
		return StartResult{}, err
	}
	defer st.mu.Unlock()

	var res StartResult
	nextID := st.currentID() + 1

	// A Stop that failed after persisting the stopped state leaves the
	// session unfinalized; settle it before its id falls behind.
	if st.current != nil && !st.live() && st.current.FinalizedAt == nil {
		if _, err := e.settle(ctx, st, st.current); err != nil {
			return StartResult{}, err
		}
	}

	if st.live() {
		prev := st.current
		if err := e.close(ctx, st, nextID); err != nil {
			return StartResult{}, err
		}
		e.counters.Inc(metrics.SessionsSuperseded)
		e.event(ctx, tenantID, "", prev.SessionID, storage.EventSessionSuperseded,
			fmt.Sprintf("superseded by session %d", nextID))
		if _, err := e.drain(ctx, st, prev.SessionID); err != nil {
			return StartResult{}, err
		}
		if err := e.finalize(ctx, st, prev); err != nil {
			return StartResult{}, err
		}
		res.Superseded = prev.Clone()
	}

	now := e.now()
	sess := &storage.Session{
		TenantID:  tenantID,
		SessionID: nextID,
		GradeID:   gradeID,
		SectionID: sectionID,
		State:     storage.SessionStarted,
		StartedAt: now,
	}
	devices, err := e.roster.Devices(tenantID)
	if err != nil {
		return StartResult{}, apperr.NotFound("tenant %q", tenantID)
	}
	records := make(map[string]*storage.DeviceSyncRecord, len(devices))
	batch := make([]*storage.DeviceSyncRecord, 0, len(devices))
	for _, d := range devices {
		if d.GradeID != gradeID || d.SectionID != sectionID {
			continue
		}
		r := &storage.DeviceSyncRecord{
			TenantID:  tenantID,
			SessionID: nextID,
			DeviceID:  d.DeviceID,
			StudentID: d.StudentID,
			Phase:     storage.PhasePending,
			StartedAt: now,
			UpdatedAt: now,
		}
		records[d.DeviceID] = r
		batch = append(batch, r)
	}

	if err := e.store.SaveSession(ctx, sess); err != nil {
		return StartResult{}, e.fail(st, err, "save started session")
	}
	if err := e.store.SaveDeviceRecords(ctx, batch); err != nil {
		return StartResult{}, e.fail(st, err, "fan out device records")
	}
	st.current = sess
	st.records = records
	e.counters.Inc(metrics.SessionsStarted)
	e.logInfo("Session started", "tenant", tenantID, "session", nextID, "grade", gradeID, "section", sectionID, "devices", len(batch))

	if err := e.prune(ctx, st); err != nil {
		return StartResult{}, err
	}
	replayed, err := e.drain(ctx, st, nextID)
	if err != nil {
		return StartResult{}, err
	}
	res.Replayed = replayed
	res.Session = sess.Clone()

	e.notify(tenantID, ws.MessageTypeSessionStarted, map[string]interface{}{
		"session_id": nextID,
		"grade_id":   gradeID,
		"section_id": sectionID,
		"started_at": now,
	})
	return res, nil
}

// Stop closes the running session, drains its queue and finalizes it.
// Stopping a tenant with no running session returns the last session with
// AlreadyStopped set; if that session never finished finalizing, finalize
// is retried.
func (e *Engine) Stop(ctx context.Context, tenantID string) (StopResult, error) {
	ctx, span := e.startSpan(ctx, "session.Stop", tenantID)
	defer span.End()

	st, err := e.lock(ctx, tenantID)
	if err != nil {
		return StopResult{}, err
	}
	defer st.mu.Unlock()

	if st.current == nil {
		return StopResult{Session: idle(tenantID), AlreadyStopped: true}, nil
	}

	sess := st.current
	if !st.live() {
		res := StopResult{AlreadyStopped: true}
		if sess.FinalizedAt == nil {
			if res.Replayed, err = e.settle(ctx, st, sess); err != nil {
				return StopResult{}, err
			}
		}
		res.Session = sess.Clone()
		return res, nil
	}

	if err := e.close(ctx, st, 0); err != nil {
		return StopResult{}, err
	}
	replayed, err := e.drain(ctx, st, sess.SessionID)
	if err != nil {
		return StopResult{}, err
	}
	if err := e.finalize(ctx, st, sess); err != nil {
		return StopResult{}, err
	}
	e.logInfo("Session stopped", "tenant", tenantID, "session", sess.SessionID, "replayed", replayed)

	e.notify(tenantID, ws.MessageTypeSessionStopped, map[string]interface{}{
		"session_id": sess.SessionID,
		"stopped_at": sess.StoppedAt,
	})
	return StopResult{Session: sess.Clone(), Replayed: replayed}, nil
}

// settle drains and finalizes a stopped session whose finalize never
// completed.
func (e *Engine) settle(ctx context.Context, st *tenantState, sess *storage.Session) (int, error) {
	e.logWarn("Retrying finalize of stopped session", "tenant", sess.TenantID, "session", sess.SessionID)
	replayed, err := e.drain(ctx, st, sess.SessionID)
	if err != nil {
		return 0, err
	}
	if err := e.finalize(ctx, st, sess); err != nil {
		return replayed, err
	}
	return replayed, nil
}

// close moves the running session to Stopped and clears device liveness.
func (e *Engine) close(ctx context.Context, st *tenantState, supersededBy int64) error {
	now := e.now()
	sess := st.current
	sess.State = storage.SessionStopped
	sess.StoppedAt = &now
	sess.SupersededBy = supersededBy

	var dirty []*storage.DeviceSyncRecord
	for _, r := range st.records {
		if r.IsActive {
			r.IsActive = false
			r.UpdatedAt = now
			dirty = append(dirty, r)
		}
	}
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return e.fail(st, err, "save stopped session")
	}
	if err := e.store.SaveDeviceRecords(ctx, dirty); err != nil {
		return e.fail(st, err, "clear device liveness")
	}
	return nil
}

// Current returns the tenant's latest session, or an Idle descriptor when
// no session was ever started.
func (e *Engine) Current(ctx context.Context, tenantID string) (*storage.Session, error) {
	st, err := e.lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()
	if st.current == nil {
		return idle(tenantID), nil
	}
	return st.current.Clone(), nil
}

// Devices returns the device records of the tenant's latest session.
func (e *Engine) Devices(ctx context.Context, tenantID string) ([]*storage.DeviceSyncRecord, error) {
	st, err := e.lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	out := make([]*storage.DeviceSyncRecord, 0, len(st.records))
	for _, r := range st.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func idle(tenantID string) *storage.Session {
	return &storage.Session{TenantID: tenantID, State: storage.SessionIdle}
}

package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"liveclass/common/ws"
	"liveclass/server/apperr"
	"liveclass/server/metrics"
	"liveclass/server/storage"
)

// Report routes a device report. A report for the running session is
// applied at once. Reports for any other session are queued for
// reconciliation unless they address a session more than the retention
// window behind or ahead of the current one, in which case they are dropped. Queued and dropped reports are
// acknowledged with a receipt, not an error.
func (e *Engine) Report(ctx context.Context, r Report) (Receipt, error) {
	if err := r.validate(); err != nil {
		return Receipt{}, err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = e.now()
	}
	ctx, span := e.startSpan(ctx, "session.Report", r.TenantID,
		attribute.String("device.id", r.DeviceID),
		attribute.Int64("session.id", r.SessionID),
		attribute.String("report.kind", string(r.Kind)))
	defer span.End()

	st, err := e.lock(ctx, r.TenantID)
	if err != nil {
		return Receipt{}, err
	}
	defer st.mu.Unlock()

	cur := st.currentID()
	receipt := Receipt{SessionID: r.SessionID, CurrentSessionID: cur}

	if st.live() && r.SessionID == cur {
		if err := e.applyLive(ctx, st, r); err != nil {
			return Receipt{}, err
		}
		e.counters.Inc(metrics.ReportsApplied)
		receipt.Disposition = Applied
		return receipt, nil
	}

	// Only the last K sessions and the next K can still be reconciled.
	if r.SessionID < cur-e.retention || r.SessionID > cur+e.retention {
		e.counters.Inc(metrics.ReportsDroppedStale)
		e.event(ctx, r.TenantID, r.DeviceID, r.SessionID, storage.EventStaleDrop,
			fmt.Sprintf("%s report for session %d while current is %d", r.Kind, r.SessionID, cur))
		e.logDebug("Dropped report outside reconciliation window", "tenant", r.TenantID, "device", r.DeviceID, "session", r.SessionID, "current", cur)
		receipt.Disposition = Dropped
		receipt.Code = apperr.CodeStale
		return receipt, nil
	}

	if err := e.enqueue(ctx, st, r); err != nil {
		return Receipt{}, err
	}
	receipt.Disposition = Queued
	receipt.Code = apperr.CodeConflict

	// Sessions that already closed are reconciled right away; reports for a
	// future session wait for its Start.
	if r.SessionID <= cur {
		n, err := e.drain(ctx, st, r.SessionID)
		if err != nil {
			return Receipt{}, err
		}
		receipt.Replayed = n
	}
	return receipt, nil
}

func (e *Engine) applyLive(ctx context.Context, st *tenantState, r Report) error {
	sess := st.current
	now := e.now()
	rec := e.recordFor(st.records, sess, r.DeviceID, now)
	applyReport(rec, r.Kind, r.Timestamp, now)
	markSeen(rec, now)
	if err := e.store.SaveDeviceRecords(ctx, []*storage.DeviceSyncRecord{rec}); err != nil {
		return e.fail(st, err, "save device record")
	}
	if r.Result == nil {
		return nil
	}
	res := *r.Result
	if res.StudentID == "" {
		res.StudentID = rec.StudentID
	}
	_, err := e.submit(ctx, st, sess, r.DeviceID, res, r.Timestamp)
	return err
}

// recordFor returns the device's record in records, creating a Pending one
// for devices that were not part of the fan-out.
func (e *Engine) recordFor(records map[string]*storage.DeviceSyncRecord, sess *storage.Session, deviceID string, now time.Time) *storage.DeviceSyncRecord {
	if rec, ok := records[deviceID]; ok {
		return rec
	}
	rec := &storage.DeviceSyncRecord{
		TenantID:  sess.TenantID,
		SessionID: sess.SessionID,
		DeviceID:  deviceID,
		Phase:     storage.PhasePending,
		StartedAt: now,
		UpdatedAt: now,
	}
	if a, ok := e.roster.LookupDevice(sess.TenantID, deviceID); ok {
		rec.StudentID = a.StudentID
	}
	records[deviceID] = rec
	return rec
}

// applyReport folds one report into a record. Phases only advance and
// lastActivityAt only moves forward, so applying reports in any order gives
// the same record. It does not touch liveness; see markSeen.
func applyReport(rec *storage.DeviceSyncRecord, kind storage.ReportKind, at time.Time, now time.Time) {
	at = at.UTC()
	if rec.LastActivityAt == nil || at.After(*rec.LastActivityAt) {
		rec.LastActivityAt = &at
	}
	if p := phaseFor(kind); p > rec.Phase {
		rec.Phase = p
	}
	rec.UpdatedAt = now
}

// markSeen marks the device active as of seenAt, a server clock reading.
// Sweep compares only server times.
func markSeen(rec *storage.DeviceSyncRecord, seenAt time.Time) {
	rec.IsActive = true
	seenAt = seenAt.UTC()
	if rec.LastSeenAt == nil || seenAt.After(*rec.LastSeenAt) {
		rec.LastSeenAt = &seenAt
	}
}

func phaseFor(kind storage.ReportKind) storage.DevicePhase {
	switch kind {
	case storage.ReportSynced:
		return storage.PhaseSynced
	case storage.ReportCompleted:
		return storage.PhaseCompleted
	default:
		return storage.PhaseActive
	}
}

// Sweep marks devices of the running session inactive when the server has
// not heard from them within threshold. Completed devices are left alone. It returns
// the ids of the devices it marked.
func (e *Engine) Sweep(ctx context.Context, tenantID string, threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		return nil, apperr.Invalid("sweep threshold must be positive")
	}
	st, err := e.lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	if !st.live() {
		return nil, nil
	}
	now := e.now()
	var stale []*storage.DeviceSyncRecord
	for _, rec := range st.records {
		if !rec.IsActive || rec.IsCompleted() {
			continue
		}
		last := rec.StartedAt
		if rec.LastSeenAt != nil {
			last = *rec.LastSeenAt
		}
		if now.Sub(last) > threshold {
			stale = append(stale, rec)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].DeviceID < stale[j].DeviceID })

	for _, rec := range stale {
		rec.IsActive = false
		rec.UpdatedAt = now
	}
	if err := e.store.SaveDeviceRecords(ctx, stale); err != nil {
		return nil, e.fail(st, err, "save swept devices")
	}

	ids := make([]string, len(stale))
	sessionID := st.current.SessionID
	for i, rec := range stale {
		ids[i] = rec.DeviceID
		e.event(ctx, tenantID, rec.DeviceID, sessionID, storage.EventDeviceStale,
			fmt.Sprintf("no activity for %s", threshold))
	}
	e.counters.Add(metrics.DevicesSwept, int64(len(ids)))
	e.logInfo("Marked devices inactive", "tenant", tenantID, "session", sessionID, "devices", len(ids))
	e.notify(tenantID, ws.MessageTypeDeviceStale, map[string]interface{}{
		"session_id": sessionID,
		"device_ids": ids,
	})
	return ids, nil
}

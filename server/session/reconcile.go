package session

import (
	"context"
	"fmt"
	"sort"

	"liveclass/server/apperr"
	"liveclass/server/metrics"
	"liveclass/server/storage"
)

func (e *Engine) enqueue(ctx context.Context, st *tenantState, r Report) error {
	q := &storage.QueuedReport{
		ReportID:   e.newID(),
		TenantID:   r.TenantID,
		DeviceID:   r.DeviceID,
		SessionID:  r.SessionID,
		Kind:       r.Kind,
		ReportedAt: r.Timestamp.UTC(),
		EnqueuedAt: e.now(),
	}
	if r.Result != nil {
		score := r.Result.Score
		q.StudentID = r.Result.StudentID
		q.Score = &score
	}
	if err := e.store.EnqueueReport(ctx, q); err != nil {
		return e.fail(st, err, "enqueue report")
	}
	e.counters.Inc(metrics.ReportsQueued)
	e.logDebug("Queued report", "tenant", r.TenantID, "device", r.DeviceID, "session", r.SessionID, "current", st.currentID())
	return nil
}

// drain replays the queued reports of one session and removes them from
// the queue. Replay against a closed session never marks devices active.
// When the session was already finalized its rollup contribution is
// recomputed.
func (e *Engine) drain(ctx context.Context, st *tenantState, sessionID int64) (int, error) {
	queued, err := e.store.ListQueuedReports(ctx, st.id, sessionID)
	if err != nil {
		return 0, e.fail(st, err, "list queued reports")
	}
	if len(queued) == 0 {
		return 0, nil
	}

	var (
		sess    *storage.Session
		records map[string]*storage.DeviceSyncRecord
	)
	if st.current != nil && st.current.SessionID == sessionID {
		sess, records = st.current, st.records
	} else {
		sess, err = e.sessionFor(ctx, st, sessionID)
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			// Not started yet.
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		past, err := e.store.ListDeviceRecords(ctx, st.id, sessionID)
		if err != nil {
			return 0, e.fail(st, err, "load device records")
		}
		records = make(map[string]*storage.DeviceSyncRecord, len(past))
		for _, rec := range past {
			records[rec.DeviceID] = rec
		}
	}

	live := sess.State == storage.SessionStarted
	now := e.now()
	dirty := make(map[string]*storage.DeviceSyncRecord)
	seqs := make([]int64, 0, len(queued))
	for _, q := range queued {
		rec := e.recordFor(records, sess, q.DeviceID, now)
		applyReport(rec, q.Kind, q.ReportedAt, now)
		if live {
			markSeen(rec, q.EnqueuedAt)
		}
		dirty[q.DeviceID] = rec
		if q.Score != nil {
			res := Result{StudentID: q.StudentID, Score: *q.Score}
			if res.StudentID == "" {
				res.StudentID = rec.StudentID
			}
			if _, err := e.record(ctx, sess, q.DeviceID, res, q.ReportedAt); err != nil {
				if apperr.CodeOf(err) != apperr.CodeInvalid {
					return 0, err
				}
				e.logWarn("Discarded invalid queued result", "tenant", st.id, "device", q.DeviceID, "report", q.ReportID, "error", err)
			}
		}
		seqs = append(seqs, q.Seq)
	}

	batch := make([]*storage.DeviceSyncRecord, 0, len(dirty))
	for _, rec := range dirty {
		batch = append(batch, rec)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].DeviceID < batch[j].DeviceID })
	if err := e.store.SaveDeviceRecords(ctx, batch); err != nil {
		return 0, e.fail(st, err, "save replayed device records")
	}
	if err := e.store.DeleteQueuedReports(ctx, seqs); err != nil {
		return 0, e.fail(st, err, "delete replayed reports")
	}

	for _, q := range queued {
		e.event(ctx, st.id, q.DeviceID, sessionID, storage.EventReplayed,
			fmt.Sprintf("%s report %s", q.Kind, q.ReportID))
	}
	e.counters.Add(metrics.ReportsReplayed, int64(len(queued)))
	e.logInfo("Replayed queued reports", "tenant", st.id, "session", sessionID, "reports", len(queued), "live", live)

	if sess.FinalizedAt != nil {
		e.counters.Inc(metrics.CorrectionFinalizes)
		if err := e.finalize(ctx, st, sess); err != nil {
			return len(queued), err
		}
	}
	return len(queued), nil
}

// prune drops queued reports that fell out of the retention window.
func (e *Engine) prune(ctx context.Context, st *tenantState) error {
	below := st.currentID() - e.retention
	if below <= 1 {
		return nil
	}
	pruned, err := e.store.PruneQueuedReports(ctx, st.id, below)
	if err != nil {
		return e.fail(st, err, "prune queued reports")
	}
	if len(pruned) == 0 {
		return nil
	}
	for _, q := range pruned {
		e.event(ctx, st.id, q.DeviceID, q.SessionID, storage.EventPruned,
			fmt.Sprintf("%s report %s below session %d", q.Kind, q.ReportID, below))
	}
	e.counters.Add(metrics.ReportsDroppedStale, int64(len(pruned)))
	e.logInfo("Pruned stale queued reports", "tenant", st.id, "below", below, "reports", len(pruned))
	return nil
}

// Drain replays any reports still queued for a session. It is safe to call
// repeatedly; each queued report is applied exactly once.
func (e *Engine) Drain(ctx context.Context, tenantID string, sessionID int64) (int, error) {
	if sessionID <= 0 {
		return 0, apperr.Invalid("session id must be positive")
	}
	st, err := e.lock(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	defer st.mu.Unlock()
	if sessionID > st.currentID() {
		return 0, nil
	}
	return e.drain(ctx, st, sessionID)
}

// QueueDepth returns how many reports are waiting for reconciliation.
func (e *Engine) QueueDepth(ctx context.Context, tenantID string) (int, error) {
	if !e.roster.Exists(tenantID) {
		return 0, apperr.NotFound("tenant %q", tenantID)
	}
	n, err := e.store.CountQueuedReports(ctx, tenantID)
	if err != nil {
		return 0, apperr.Persistence(err, "count queued reports")
	}
	return n, nil
}

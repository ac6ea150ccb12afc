package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// BaseStore provides the engine's persistence on top of database/sql.
// Queries are written with ? placeholders and converted for PostgreSQL at
// runtime, so SQLiteStore and PostgresStore share every method.
type BaseStore struct {
	db      *sql.DB
	dialect Dialect
	dbPath  string
}

// NewBaseStore creates a BaseStore with the given connection and dialect.
func NewBaseStore(db *sql.DB, dialect Dialect, dbPath string) *BaseStore {
	return &BaseStore{db: db, dialect: dialect, dbPath: dbPath}
}

// DB returns the underlying database connection.
func (s *BaseStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect being used.
func (s *BaseStore) Dialect() Dialect { return s.dialect }

// Path returns the SQLite file path, or "" for PostgreSQL.
func (s *BaseStore) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *BaseStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *BaseStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *BaseStore) query(q string) string {
	if s.dialect.Name() == "postgres" {
		return ConvertPlaceholders(q)
	}
	return q
}

func (s *BaseStore) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.query(query), args...)
}

// withTx runs fn inside a transaction, committing on success.
func (s *BaseStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ============================================================================
// Sessions
// ============================================================================

const sessionColumns = `tenant_id, session_id, grade_id, section_id, state,
	started_at, stopped_at, finalized_at, superseded_by`

// SaveSession inserts or updates a session.
func (s *BaseStore) SaveSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, session_id) DO UPDATE SET
			state = excluded.state,
			stopped_at = excluded.stopped_at,
			finalized_at = excluded.finalized_at,
			superseded_by = excluded.superseded_by
	`
	_, err := s.execContext(ctx, query,
		sess.TenantID, sess.SessionID, sess.GradeID, sess.SectionID, string(sess.State),
		formatTime(sess.StartedAt), nullTimePtr(sess.StoppedAt), nullTimePtr(sess.FinalizedAt),
		sess.SupersededBy)
	if err != nil {
		return fmt.Errorf("save session %s/%d: %w", sess.TenantID, sess.SessionID, err)
	}
	return nil
}

// GetSession returns one session or ErrNotFound.
func (s *BaseStore) GetSession(ctx context.Context, tenantID string, sessionID int64) (*Session, error) {
	row := s.queryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? AND session_id = ?`,
		tenantID, sessionID)
	return scanSession(row)
}

// LatestSession returns the tenant's highest-numbered session or ErrNotFound.
func (s *BaseStore) LatestSession(ctx context.Context, tenantID string) (*Session, error) {
	row := s.queryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE tenant_id = ? ORDER BY session_id DESC `+s.dialect.LimitOffset(1, 0), tenantID)
	return scanSession(row)
}

// ListFinalizedSessions returns up to limit finalized sessions of a section,
// newest first.
func (s *BaseStore) ListFinalizedSessions(ctx context.Context, tenantID, gradeID, sectionID string, limit int) ([]*Session, error) {
	rows, err := s.queryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE tenant_id = ? AND grade_id = ? AND section_id = ? AND finalized_at IS NOT NULL
		ORDER BY session_id DESC `+s.dialect.LimitOffset(limit, 0),
		tenantID, gradeID, sectionID)
	if err != nil {
		return nil, fmt.Errorf("list finalized sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var state, startedAt string
	var stoppedAt, finalizedAt sql.NullString
	err := row.Scan(&sess.TenantID, &sess.SessionID, &sess.GradeID, &sess.SectionID, &state,
		&startedAt, &stoppedAt, &finalizedAt, &sess.SupersededBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.State = SessionState(state)
	sess.StartedAt = parseTime(startedAt)
	sess.StoppedAt = timePtr(stoppedAt)
	sess.FinalizedAt = timePtr(finalizedAt)
	return &sess, nil
}

// ============================================================================
// Device sync records
// ============================================================================

// SaveDeviceRecords upserts a batch of records in one transaction.
func (s *BaseStore) SaveDeviceRecords(ctx context.Context, records []*DeviceSyncRecord) error {
	if len(records) == 0 {
		return nil
	}
	query := s.query(`
		INSERT INTO device_sync_records (
			tenant_id, session_id, device_id, student_id, phase, is_active,
			started_at, last_activity_at, last_seen_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, session_id, device_id) DO UPDATE SET
			student_id = excluded.student_id,
			phase = excluded.phase,
			is_active = excluded.is_active,
			last_activity_at = excluded.last_activity_at,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
	`)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare device record upsert: %w", err)
		}
		defer stmt.Close()
		for _, r := range records {
			_, err := stmt.ExecContext(ctx,
				r.TenantID, r.SessionID, r.DeviceID, r.StudentID, int(r.Phase), r.IsActive,
				formatTime(r.StartedAt), nullTimePtr(r.LastActivityAt), nullTimePtr(r.LastSeenAt), formatTime(r.UpdatedAt))
			if err != nil {
				return fmt.Errorf("save device record %s/%d/%s: %w", r.TenantID, r.SessionID, r.DeviceID, err)
			}
		}
		return nil
	})
}

// ListDeviceRecords returns every device record of a session ordered by device id.
func (s *BaseStore) ListDeviceRecords(ctx context.Context, tenantID string, sessionID int64) ([]*DeviceSyncRecord, error) {
	rows, err := s.queryContext(ctx, `
		SELECT tenant_id, session_id, device_id, student_id, phase, is_active,
		       started_at, last_activity_at, last_seen_at, updated_at
		FROM device_sync_records
		WHERE tenant_id = ? AND session_id = ?
		ORDER BY device_id
	`, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list device records: %w", err)
	}
	defer rows.Close()

	var out []*DeviceSyncRecord
	for rows.Next() {
		var r DeviceSyncRecord
		var phase int
		var startedAt, updatedAt string
		var lastActivity, lastSeen sql.NullString
		if err := rows.Scan(&r.TenantID, &r.SessionID, &r.DeviceID, &r.StudentID, &phase, &r.IsActive,
			&startedAt, &lastActivity, &lastSeen, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan device record: %w", err)
		}
		r.Phase = DevicePhase(phase)
		r.StartedAt = parseTime(startedAt)
		r.LastActivityAt = timePtr(lastActivity)
		r.LastSeenAt = timePtr(lastSeen)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ============================================================================
// Completed results
// ============================================================================

// SubmitResult stores a result, deduplicating on (tenant, student, session).
// An existing row is replaced only when the new submission is strictly later.
func (s *BaseStore) SubmitResult(ctx context.Context, r *CompletedResult) (SubmitOutcome, error) {
	var outcome SubmitOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.query(`
			INSERT INTO completed_results (
				tenant_id, student_id, session_id, grade_id, section_id, device_id, score, submitted_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, student_id, session_id) DO NOTHING
		`), r.TenantID, r.StudentID, r.SessionID, r.GradeID, r.SectionID, r.DeviceID, r.Score,
			formatTime(r.SubmittedAt))
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			outcome = SubmitOutcome{Status: SubmitAccepted, ScoreChanged: true}
			return nil
		}

		var prevScore float64
		var prevSubmitted string
		err = tx.QueryRowContext(ctx, s.query(`
			SELECT score, submitted_at FROM completed_results
			WHERE tenant_id = ? AND student_id = ? AND session_id = ? `+s.dialect.ForUpdate()),
			r.TenantID, r.StudentID, r.SessionID).Scan(&prevScore, &prevSubmitted)
		if err != nil {
			return fmt.Errorf("load result: %w", err)
		}

		outcome.PreviousScore = prevScore
		if !r.SubmittedAt.After(parseTime(prevSubmitted)) {
			outcome.Status = SubmitDuplicate
			return nil
		}
		_, err = tx.ExecContext(ctx, s.query(`
			UPDATE completed_results
			SET score = ?, submitted_at = ?, device_id = ?
			WHERE tenant_id = ? AND student_id = ? AND session_id = ?
		`), r.Score, formatTime(r.SubmittedAt), r.DeviceID, r.TenantID, r.StudentID, r.SessionID)
		if err != nil {
			return fmt.Errorf("replace result: %w", err)
		}
		outcome.Status = SubmitReplaced
		outcome.ScoreChanged = prevScore != r.Score
		return nil
	})
	return outcome, err
}

// ListResults returns all results of a session ordered by student id.
func (s *BaseStore) ListResults(ctx context.Context, tenantID string, sessionID int64) ([]*CompletedResult, error) {
	rows, err := s.queryContext(ctx, `
		SELECT tenant_id, student_id, session_id, grade_id, section_id, device_id, score, submitted_at
		FROM completed_results
		WHERE tenant_id = ? AND session_id = ?
		ORDER BY student_id
	`, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []*CompletedResult
	for rows.Next() {
		var r CompletedResult
		var submitted string
		if err := rows.Scan(&r.TenantID, &r.StudentID, &r.SessionID, &r.GradeID, &r.SectionID,
			&r.DeviceID, &r.Score, &submitted); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.SubmittedAt = parseTime(submitted)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ============================================================================
// Rollups
// ============================================================================

// SaveRollup persists a rollup's per-session contributions.
func (s *BaseStore) SaveRollup(ctx context.Context, r *RollupRecord) error {
	contributions := append([]SessionContribution(nil), r.Contributions...)
	sort.Slice(contributions, func(i, j int) bool { return contributions[i].SessionID < contributions[j].SessionID })
	raw, err := json.Marshal(contributions)
	if err != nil {
		return fmt.Errorf("marshal contributions: %w", err)
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = nowUTC()
	}
	_, err = s.execContext(ctx, `
		INSERT INTO rollups (school_id, grade_id, section_id, contributions, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(school_id, grade_id, section_id) DO UPDATE SET
			contributions = excluded.contributions,
			updated_at = excluded.updated_at
	`, r.SchoolID, r.GradeID, r.SectionID, string(raw), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save rollup %s/%s/%s: %w", r.SchoolID, r.GradeID, r.SectionID, err)
	}
	return nil
}

// ListRollups returns every persisted rollup.
func (s *BaseStore) ListRollups(ctx context.Context) ([]*RollupRecord, error) {
	rows, err := s.queryContext(ctx, `
		SELECT school_id, grade_id, section_id, contributions, updated_at
		FROM rollups ORDER BY school_id, grade_id, section_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list rollups: %w", err)
	}
	defer rows.Close()

	var out []*RollupRecord
	for rows.Next() {
		var r RollupRecord
		var raw, updated string
		if err := rows.Scan(&r.SchoolID, &r.GradeID, &r.SectionID, &raw, &updated); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &r.Contributions); err != nil {
			logWarn("Skipping rollup with unreadable contributions", "school", r.SchoolID, "grade", r.GradeID, "section", r.SectionID, "error", err)
			continue
		}
		r.UpdatedAt = parseTime(updated)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ============================================================================
// Reconciliation queue
// ============================================================================

// EnqueueReport appends a report to the queue and sets its Seq.
func (s *BaseStore) EnqueueReport(ctx context.Context, r *QueuedReport) error {
	if r.EnqueuedAt.IsZero() {
		r.EnqueuedAt = nowUTC()
	}
	err := s.queryRowContext(ctx, `
		INSERT INTO reconciliation_queue (
			report_id, tenant_id, device_id, session_id, kind, reported_at, student_id, score, enqueued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`, r.ReportID, r.TenantID, r.DeviceID, r.SessionID, string(r.Kind), formatTime(r.ReportedAt),
		r.StudentID, nullFloatPtr(r.Score), formatTime(r.EnqueuedAt)).Scan(&r.Seq)
	if err != nil {
		return fmt.Errorf("enqueue report %s: %w", r.ReportID, err)
	}
	return nil
}

const queueColumns = `seq, report_id, tenant_id, device_id, session_id, kind, reported_at, student_id, score, enqueued_at`

// ListQueuedReports returns the reports buffered for a session in arrival order.
func (s *BaseStore) ListQueuedReports(ctx context.Context, tenantID string, sessionID int64) ([]*QueuedReport, error) {
	rows, err := s.queryContext(ctx, `SELECT `+queueColumns+` FROM reconciliation_queue
		WHERE tenant_id = ? AND session_id = ? ORDER BY seq`, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list queued reports: %w", err)
	}
	return scanQueuedReports(rows)
}

func scanQueuedReports(rows *sql.Rows) ([]*QueuedReport, error) {
	defer rows.Close()
	var out []*QueuedReport
	for rows.Next() {
		var r QueuedReport
		var kind, reported, enqueued string
		var score sql.NullFloat64
		if err := rows.Scan(&r.Seq, &r.ReportID, &r.TenantID, &r.DeviceID, &r.SessionID, &kind,
			&reported, &r.StudentID, &score, &enqueued); err != nil {
			return nil, fmt.Errorf("scan queued report: %w", err)
		}
		r.Kind = ReportKind(kind)
		r.ReportedAt = parseTime(reported)
		r.Score = floatPtr(score)
		r.EnqueuedAt = parseTime(enqueued)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteQueuedReports removes replayed reports.
func (s *BaseStore) DeleteQueuedReports(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	args := make([]interface{}, len(seqs))
	for i, seq := range seqs {
		args[i] = seq
	}
	query := `DELETE FROM reconciliation_queue WHERE seq IN (` + PlaceholderSet(&SQLiteDialect{}, len(seqs), 1) + `)`
	if _, err := s.execContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete queued reports: %w", err)
	}
	return nil
}

// PruneQueuedReports deletes and returns every report of a tenant addressed
// to a session below belowSessionID.
func (s *BaseStore) PruneQueuedReports(ctx context.Context, tenantID string, belowSessionID int64) ([]*QueuedReport, error) {
	var pruned []*QueuedReport
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.query(`SELECT `+queueColumns+` FROM reconciliation_queue
			WHERE tenant_id = ? AND session_id < ? ORDER BY seq`), tenantID, belowSessionID)
		if err != nil {
			return fmt.Errorf("select prunable reports: %w", err)
		}
		pruned, err = scanQueuedReports(rows)
		if err != nil {
			return err
		}
		if len(pruned) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.query(`DELETE FROM reconciliation_queue
			WHERE tenant_id = ? AND session_id < ?`), tenantID, belowSessionID)
		if err != nil {
			return fmt.Errorf("prune reports: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pruned) > 0 {
		logDebug("Pruned reconciliation queue", "tenant", tenantID, "below_session", belowSessionID, "count", len(pruned))
	}
	return pruned, nil
}

// CountQueuedReports returns the queue depth for a tenant.
func (s *BaseStore) CountQueuedReports(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.queryRowContext(ctx, `SELECT COUNT(*) FROM reconciliation_queue WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued reports: %w", err)
	}
	return n, nil
}

// ============================================================================
// Sync events
// ============================================================================

// RecordSyncEvent appends an entry to the sync audit trail.
func (s *BaseStore) RecordSyncEvent(ctx context.Context, e *SyncEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	err := s.queryRowContext(ctx, `
		INSERT INTO sync_events (tenant_id, device_id, session_id, kind, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, e.TenantID, e.DeviceID, e.SessionID, e.Kind, e.Details, formatTime(e.CreatedAt)).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("record sync event: %w", err)
	}
	return nil
}

// ListSyncEvents returns a tenant's most recent events, newest first.
func (s *BaseStore) ListSyncEvents(ctx context.Context, tenantID string, limit int) ([]*SyncEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.queryContext(ctx, `
		SELECT id, tenant_id, device_id, session_id, kind, details, created_at
		FROM sync_events WHERE tenant_id = ?
		ORDER BY id DESC `+s.dialect.LimitOffset(limit, 0), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list sync events: %w", err)
	}
	defer rows.Close()

	var out []*SyncEvent
	for rows.Next() {
		var e SyncEvent
		var created string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.DeviceID, &e.SessionID, &e.Kind, &e.Details, &created); err != nil {
			return nil, fmt.Errorf("scan sync event: %w", err)
		}
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ============================================================================
// Engine metrics
// ============================================================================

// InsertEngineMetrics stores a counter snapshot.
func (s *BaseStore) InsertEngineMetrics(ctx context.Context, m *EngineMetricsSnapshot) error {
	if m.CollectedAt.IsZero() {
		m.CollectedAt = nowUTC()
	}
	raw, err := json.Marshal(m.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	err = s.queryRowContext(ctx, `
		INSERT INTO engine_metrics (collected_at, counters) VALUES (?, ?)
		RETURNING id
	`, formatTime(m.CollectedAt), string(raw)).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert engine metrics: %w", err)
	}
	return nil
}

// LatestEngineMetrics returns the newest snapshot or ErrNotFound.
func (s *BaseStore) LatestEngineMetrics(ctx context.Context) (*EngineMetricsSnapshot, error) {
	var m EngineMetricsSnapshot
	var collected, raw string
	err := s.queryRowContext(ctx, `SELECT id, collected_at, counters FROM engine_metrics
		ORDER BY id DESC `+s.dialect.LimitOffset(1, 0)).Scan(&m.ID, &collected, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest engine metrics: %w", err)
	}
	m.CollectedAt = parseTime(collected)
	if err := json.Unmarshal([]byte(raw), &m.Counters); err != nil {
		return nil, fmt.Errorf("decode engine metrics: %w", err)
	}
	return &m, nil
}

// PruneEngineMetrics deletes snapshots collected before olderThan.
func (s *BaseStore) PruneEngineMetrics(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.execContext(ctx, `DELETE FROM engine_metrics WHERE collected_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune engine metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

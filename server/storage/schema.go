package storage

import (
	"context"
	"fmt"
	"strings"
)

const schemaVersion = 1

// schemaStatements renders the engine schema for the given dialect.
// Timestamps are stored as RFC 3339 text in UTC on both backends.
func schemaStatements(d Dialect) []string {
	r := strings.NewReplacer(
		"{{AUTO}}", d.AutoIncrement(),
		"{{BOOL}}", d.BoolType(),
		"{{REAL}}", d.RealType(),
		"{{BIGINT}}", d.IntegerType(true),
		"{{INT}}", d.IntegerType(false),
	)
	raw := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version {{INT}} PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			tenant_id TEXT NOT NULL,
			session_id {{BIGINT}} NOT NULL,
			grade_id TEXT NOT NULL,
			section_id TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			stopped_at TEXT,
			finalized_at TEXT,
			superseded_by {{BIGINT}} NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_section ON sessions(tenant_id, grade_id, section_id, session_id)`,
		`CREATE TABLE IF NOT EXISTS device_sync_records (
			tenant_id TEXT NOT NULL,
			session_id {{BIGINT}} NOT NULL,
			device_id TEXT NOT NULL,
			student_id TEXT NOT NULL DEFAULT '',
			phase {{INT}} NOT NULL DEFAULT 0,
			is_active {{BOOL}} NOT NULL,
			started_at TEXT NOT NULL,
			last_activity_at TEXT,
			last_seen_at TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, session_id, device_id)
		)`,
		`CREATE TABLE IF NOT EXISTS completed_results (
			tenant_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			session_id {{BIGINT}} NOT NULL,
			grade_id TEXT NOT NULL,
			section_id TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			score {{REAL}} NOT NULL,
			submitted_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, student_id, session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_session ON completed_results(tenant_id, session_id)`,
		`CREATE TABLE IF NOT EXISTS rollups (
			school_id TEXT NOT NULL,
			grade_id TEXT NOT NULL,
			section_id TEXT NOT NULL,
			contributions TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (school_id, grade_id, section_id)
		)`,
		`CREATE TABLE IF NOT EXISTS reconciliation_queue (
			seq {{AUTO}},
			report_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			session_id {{BIGINT}} NOT NULL,
			kind TEXT NOT NULL,
			reported_at TEXT NOT NULL,
			student_id TEXT NOT NULL DEFAULT '',
			score {{REAL}},
			enqueued_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_session ON reconciliation_queue(tenant_id, session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS sync_events (
			id {{AUTO}},
			tenant_id TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			session_id {{BIGINT}} NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_events_tenant ON sync_events(tenant_id, id)`,
		`CREATE TABLE IF NOT EXISTS engine_metrics (
			id {{AUTO}},
			collected_at TEXT NOT NULL,
			counters TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_engine_metrics_collected ON engine_metrics(collected_at)`,
	}
	out := make([]string, len(raw))
	for i, stmt := range raw {
		out[i] = r.Replace(stmt)
	}
	return out
}

// initSchema creates the tables and records the schema version.
func (s *BaseStore) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	_, err := s.execContext(ctx, `
		INSERT INTO schema_version (version, applied_at) VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING
	`, schemaVersion, formatTime(nowUTC()))
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

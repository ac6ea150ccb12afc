package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// SessionState is the lifecycle state of a classroom session.
type SessionState string

const (
	SessionIdle    SessionState = "idle"
	SessionStarted SessionState = "started"
	SessionStopped SessionState = "stopped"
)

// Session is one lesson run for a tenant. Session ids are allocated per
// tenant, start at 1 and never repeat.
type Session struct {
	TenantID     string       `json:"tenant_id"`
	SessionID    int64        `json:"session_id"`
	GradeID      string       `json:"grade_id"`
	SectionID    string       `json:"section_id"`
	State        SessionState `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	StoppedAt    *time.Time   `json:"stopped_at,omitempty"`
	FinalizedAt  *time.Time   `json:"finalized_at,omitempty"`
	SupersededBy int64        `json:"superseded_by,omitempty"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		c.StoppedAt = &t
	}
	if s.FinalizedAt != nil {
		t := *s.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}

// DevicePhase is the progress of one device through a session. Phases are
// ordered and a record never moves backwards.
type DevicePhase int

const (
	PhasePending DevicePhase = iota
	PhaseActive
	PhaseSynced
	PhaseCompleted
)

func (p DevicePhase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseActive:
		return "active"
	case PhaseSynced:
		return "synced"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name.
func (p DevicePhase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a phase name.
func (p *DevicePhase) UnmarshalText(b []byte) error {
	for _, c := range []DevicePhase{PhasePending, PhaseActive, PhaseSynced, PhaseCompleted} {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown device phase %q", b)
}

// DeviceSyncRecord tracks one device within one session.
type DeviceSyncRecord struct {
	TenantID       string      `json:"tenant_id"`
	SessionID      int64       `json:"session_id"`
	DeviceID       string      `json:"device_id"`
	StudentID      string      `json:"student_id,omitempty"`
	Phase          DevicePhase `json:"phase"`
	IsActive       bool        `json:"is_active"`
	StartedAt      time.Time   `json:"started_at"`
	LastActivityAt *time.Time  `json:"last_activity_at,omitempty"`
	LastSeenAt     *time.Time  `json:"last_seen_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// IsSynced reports whether the device finished syncing lesson content.
func (r *DeviceSyncRecord) IsSynced() bool { return r.Phase >= PhaseSynced }

// IsCompleted reports whether the device completed the lesson.
func (r *DeviceSyncRecord) IsCompleted() bool { return r.Phase == PhaseCompleted }

// Attended reports whether the device was ever observed active.
func (r *DeviceSyncRecord) Attended() bool { return r.Phase >= PhaseActive }

// Clone returns a deep copy.
func (r *DeviceSyncRecord) Clone() *DeviceSyncRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastActivityAt != nil {
		t := *r.LastActivityAt
		c.LastActivityAt = &t
	}
	if r.LastSeenAt != nil {
		t := *r.LastSeenAt
		c.LastSeenAt = &t
	}
	return &c
}

// CompletedResult is a student's score for a session. It is unique per
// (tenant, student, session).
type CompletedResult struct {
	TenantID    string    `json:"tenant_id"`
	StudentID   string    `json:"student_id"`
	SessionID   int64     `json:"session_id"`
	GradeID     string    `json:"grade_id"`
	SectionID   string    `json:"section_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	Score       float64   `json:"score"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubmitStatus is the outcome of storing a CompletedResult.
type SubmitStatus string

const (
	SubmitAccepted  SubmitStatus = "accepted"
	SubmitReplaced  SubmitStatus = "replaced"
	SubmitDuplicate SubmitStatus = "duplicate"
)

// SubmitOutcome describes what SubmitResult did.
type SubmitOutcome struct {
	Status        SubmitStatus
	ScoreChanged  bool
	PreviousScore float64
}

// SessionContribution is what one finalized session adds to a rollup.
type SessionContribution struct {
	SessionID  int64   `json:"session_id"`
	Count      int64   `json:"count"`
	Sum        float64 `json:"sum"`
	Attendance int64   `json:"attendance"`
}

// RollupRecord is the persisted form of a (school, grade, section) rollup.
type RollupRecord struct {
	SchoolID      string                `json:"school_id"`
	GradeID       string                `json:"grade_id"`
	SectionID     string                `json:"section_id"`
	Contributions []SessionContribution `json:"contributions"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// ReportKind is the type of a device report.
type ReportKind string

const (
	ReportActivity  ReportKind = "activity"
	ReportSynced    ReportKind = "synced"
	ReportCompleted ReportKind = "completed"
)

// QueuedReport is a device report buffered for later replay. Seq orders
// reports by arrival.
type QueuedReport struct {
	Seq        int64      `json:"seq"`
	ReportID   string     `json:"report_id"`
	TenantID   string     `json:"tenant_id"`
	DeviceID   string     `json:"device_id"`
	SessionID  int64      `json:"session_id"`
	Kind       ReportKind `json:"kind"`
	ReportedAt time.Time  `json:"reported_at"`
	StudentID  string     `json:"student_id,omitempty"`
	Score      *float64   `json:"score,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// Sync event kinds.
const (
	EventStaleDrop         = "stale_drop"
	EventDeviceStale       = "device_stale"
	EventSessionSuperseded = "session_superseded"
	EventReplayed          = "replayed"
	EventPruned            = "pruned"
)

// SyncEvent is an audit trail entry for reconciliation decisions.
type SyncEvent struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	SessionID int64     `json:"session_id"`
	Kind      string    `json:"kind"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EngineMetricsSnapshot is a point-in-time copy of the engine counters.
type EngineMetricsSnapshot struct {
	ID          int64            `json:"id"`
	CollectedAt time.Time        `json:"collected_at"`
	Counters    map[string]int64 `json:"counters"`
}

// Store defines the durable state of the engine.
type Store interface {
	// Sessions
	SaveSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, tenantID string, sessionID int64) (*Session, error)
	LatestSession(ctx context.Context, tenantID string) (*Session, error)
	ListFinalizedSessions(ctx context.Context, tenantID, gradeID, sectionID string, limit int) ([]*Session, error)

	// Device records
	SaveDeviceRecords(ctx context.Context, records []*DeviceSyncRecord) error
	ListDeviceRecords(ctx context.Context, tenantID string, sessionID int64) ([]*DeviceSyncRecord, error)

	// Results and rollups
	SubmitResult(ctx context.Context, r *CompletedResult) (SubmitOutcome, error)
	ListResults(ctx context.Context, tenantID string, sessionID int64) ([]*CompletedResult, error)
	SaveRollup(ctx context.Context, r *RollupRecord) error
	ListRollups(ctx context.Context) ([]*RollupRecord, error)

	// Reconciliation queue
	EnqueueReport(ctx context.Context, r *QueuedReport) error
	ListQueuedReports(ctx context.Context, tenantID string, sessionID int64) ([]*QueuedReport, error)
	DeleteQueuedReports(ctx context.Context, seqs []int64) error
	PruneQueuedReports(ctx context.Context, tenantID string, belowSessionID int64) ([]*QueuedReport, error)
	CountQueuedReports(ctx context.Context, tenantID string) (int, error)

	// Sync events
	RecordSyncEvent(ctx context.Context, e *SyncEvent) error
	ListSyncEvents(ctx context.Context, tenantID string, limit int) ([]*SyncEvent, error)

	// Engine metrics
	InsertEngineMetrics(ctx context.Context, m *EngineMetricsSnapshot) error
	LatestEngineMetrics(ctx context.Context) (*EngineMetricsSnapshot, error)
	PruneEngineMetrics(ctx context.Context, olderThan time.Time) (int64, error)

	// Utility
	Ping(ctx context.Context) error
	Path() string
	Close() error
}

package session

import (
	"time"

	"liveclass/server/apperr"
	"liveclass/server/storage"
)

// Report is a device report addressed to a session.
type Report struct {
	TenantID  string
	DeviceID  string
	SessionID int64
	Kind      storage.ReportKind
	Timestamp time.Time
	Result    *Result
}

// Result is the optional score carried by a completed report.
type Result struct {
	StudentID string  `json:"student_id"`
	Score     float64 `json:"score"`
}

func (r Report) validate() error {
	switch {
	case r.TenantID == "":
		return apperr.Invalid("tenant id is required")
	case r.DeviceID == "":
		return apperr.Invalid("device id is required")
	case r.SessionID <= 0:
		return apperr.Invalid("session id must be positive")
	}
	switch r.Kind {
	case storage.ReportActivity, storage.ReportSynced, storage.ReportCompleted:
	default:
		return apperr.Invalid("unknown report kind %q", r.Kind)
	}
	if r.Result != nil && r.Kind != storage.ReportCompleted {
		return apperr.Invalid("only completed reports carry a result")
	}
	return nil
}

// Disposition says what happened to a report.
type Disposition string

const (
	// Applied: the report matched the live session and was applied.
	Applied Disposition = "applied"
	// Queued: the report was buffered for reconciliation.
	Queued Disposition = "queued"
	// Dropped: the report was outside the retention window.
	Dropped Disposition = "dropped"
)

// Receipt acknowledges a device report. Code is CONFLICT for queued
// reports and STALE for dropped ones; neither is a failure.
type Receipt struct {
	Disposition      Disposition `json:"disposition"`
	Code             apperr.Code `json:"code,omitempty"`
	SessionID        int64       `json:"session_id"`
	CurrentSessionID int64       `json:"current_session_id"`
	Replayed         int         `json:"replayed,omitempty"`
}

// StartResult is returned by Start.
type StartResult struct {
	Session    *storage.Session `json:"session"`
	Superseded *storage.Session `json:"superseded,omitempty"`
	Replayed   int              `json:"replayed"`
}

// StopResult is returned by Stop.
type StopResult struct {
	Session        *storage.Session `json:"session"`
	AlreadyStopped bool             `json:"already_stopped"`
	Replayed       int              `json:"replayed"`
}

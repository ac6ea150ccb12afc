// Package handlers provides the HTTP API of the liveclass server.
// Handlers receive their collaborators as small interfaces so they can be
// tested against fakes or the real engine.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"liveclass/server/performance"
	"liveclass/server/session"
	"liveclass/server/storage"
)

// TenantHeader carries the caller's tenant id. It is set by the
// authentication layer in front of the server and trusted as is.
const TenantHeader = "X-Tenant-ID"

// SessionEngine is the part of the session engine the API drives.
type SessionEngine interface {
	Start(ctx context.Context, tenantID, gradeID, sectionID string) (session.StartResult, error)
	Stop(ctx context.Context, tenantID string) (session.StopResult, error)
	Current(ctx context.Context, tenantID string) (*storage.Session, error)
	Devices(ctx context.Context, tenantID string) ([]*storage.DeviceSyncRecord, error)
	Report(ctx context.Context, r session.Report) (session.Receipt, error)
	SubmitResult(ctx context.Context, tenantID string, sessionID int64, deviceID string, res session.Result, at time.Time) (storage.SubmitOutcome, error)
	QueueDepth(ctx context.Context, tenantID string) (int, error)
	Drain(ctx context.Context, tenantID string, sessionID int64) (int, error)
	Events(ctx context.Context, tenantID string, limit int) ([]*storage.SyncEvent, error)
}

// RollupReader serves section rollups.
type RollupReader interface {
	Query(schoolID, gradeID, sectionID string) (performance.Rollup, bool)
	Recompute(ctx context.Context, schoolID, gradeID, sectionID string) (performance.Rollup, error)
}

// MetricsSource returns the latest engine counter snapshot.
type MetricsSource interface {
	Latest() *storage.EngineMetricsSnapshot
}

// Logger provides logging capabilities.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// TenantFromRequest returns the tenant id set by the auth layer.
func TenantFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(TenantHeader))
}

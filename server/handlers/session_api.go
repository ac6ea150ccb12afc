package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"liveclass/server/apperr"
	"liveclass/server/performance"
	"liveclass/server/session"
	"liveclass/server/storage"
)

const maxBodyBytes = 64 << 10

// SessionAPIOptions wires the session API.
type SessionAPIOptions struct {
	Engine  SessionEngine
	Rollups RollupReader
	Metrics MetricsSource
	// TenantExists reports whether the tenant is known; rollup routes use
	// it because the aggregator has no tenant directory of its own.
	TenantExists func(string) bool
	Retry        RetryPolicy
	Logger       Logger
}

// SessionAPI serves session commands, device reports and rollup queries.
type SessionAPI struct {
	engine  SessionEngine
	rollups RollupReader
	metrics MetricsSource
	exists  func(string) bool
	retry   RetryPolicy
	log     Logger
}

// NewSessionAPI creates the API. A zero Retry uses DefaultRetryPolicy.
func NewSessionAPI(opts SessionAPIOptions) *SessionAPI {
	retry := opts.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	return &SessionAPI{
		engine:  opts.Engine,
		rollups: opts.Rollups,
		metrics: opts.Metrics,
		exists:  opts.TenantExists,
		retry:   retry,
		log:     opts.Logger,
	}
}

// RegisterRoutes registers the /api/v1 routes.
func (api *SessionAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions/start", api.tenant(api.handleStart))
	mux.HandleFunc("POST /api/v1/sessions/stop", api.tenant(api.handleStop))
	mux.HandleFunc("GET /api/v1/sessions/current", api.tenant(api.handleCurrent))
	mux.HandleFunc("GET /api/v1/devices", api.tenant(api.handleDevices))
	mux.HandleFunc("POST /api/v1/devices/{deviceID}/{kind}", api.tenant(api.handleReport))
	mux.HandleFunc("POST /api/v1/results", api.tenant(api.handleResult))
	mux.HandleFunc("GET /api/v1/rollups/{gradeID}/{sectionID}", api.tenant(api.handleRollup))
	mux.HandleFunc("POST /api/v1/rollups/{gradeID}/{sectionID}/recompute", api.tenant(api.handleRecompute))
	mux.HandleFunc("GET /api/v1/reconciliation", api.tenant(api.handleQueue))
	mux.HandleFunc("POST /api/v1/reconciliation/{sessionID}/drain", api.tenant(api.handleDrain))
	mux.HandleFunc("GET /api/v1/events", api.tenant(api.handleEvents))
	mux.HandleFunc("GET /api/v1/metrics", api.handleMetrics)
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string)

// tenant rejects requests that arrive without a tenant id.
func (api *SessionAPI) tenant(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := TenantFromRequest(r)
		if tenantID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "missing " + TenantHeader})
			return
		}
		next(w, r, tenantID)
	}
}

type startRequest struct {
	GradeID   string `json:"grade_id"`
	SectionID string `json:"section_id"`
}

type startResponse struct {
	SessionID           int64     `json:"session_id"`
	StartedAt           time.Time `json:"started_at"`
	SupersededSessionID int64     `json:"superseded_session_id,omitempty"`
	Replayed            int       `json:"replayed"`
}

// handleStart is not retried: a failed Start may already have superseded
// the previous session, so the client decides whether to try again.
func (api *SessionAPI) handleStart(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, api.retry, err)
		return
	}
	res, err := api.engine.Start(r.Context(), tenantID, req.GradeID, req.SectionID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	resp := startResponse{
		SessionID: res.Session.SessionID,
		StartedAt: res.Session.StartedAt,
		Replayed:  res.Replayed,
	}
	if res.Superseded != nil {
		resp.SupersededSessionID = res.Superseded.SessionID
	}
	writeJSON(w, http.StatusCreated, resp)
}

type stopResponse struct {
	SessionID      int64      `json:"session_id"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	AlreadyStopped bool       `json:"already_stopped"`
	Replayed       int        `json:"replayed"`
}

func (api *SessionAPI) handleStop(w http.ResponseWriter, r *http.Request, tenantID string) {
	res, err := withRetry(r.Context(), api.retry, api.log, "stop", func() (session.StopResult, error) {
		return api.engine.Stop(r.Context(), tenantID)
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{
		SessionID:      res.Session.SessionID,
		StoppedAt:      res.Session.StoppedAt,
		AlreadyStopped: res.AlreadyStopped,
		Replayed:       res.Replayed,
	})
}

func (api *SessionAPI) handleCurrent(w http.ResponseWriter, r *http.Request, tenantID string) {
	sess, err := withRetry(r.Context(), api.retry, api.log, "current", func() (*storage.Session, error) {
		return api.engine.Current(r.Context(), tenantID)
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (api *SessionAPI) handleDevices(w http.ResponseWriter, r *http.Request, tenantID string) {
	recs, err := withRetry(r.Context(), api.retry, api.log, "devices", func() ([]*storage.DeviceSyncRecord, error) {
		return api.engine.Devices(r.Context(), tenantID)
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": recs})
}

// ReportRequest is the body of a device report.
type ReportRequest struct {
	SessionID int64           `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Result    *session.Result `json:"result,omitempty"`
}

func (api *SessionAPI) handleReport(w http.ResponseWriter, r *http.Request, tenantID string) {
	kind := storage.ReportKind(r.PathValue("kind"))
	switch kind {
	case storage.ReportActivity, storage.ReportSynced, storage.ReportCompleted:
	default:
		http.NotFound(w, r)
		return
	}
	var req ReportRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, api.retry, err)
		return
	}
	report := session.Report{
		TenantID:  tenantID,
		DeviceID:  r.PathValue("deviceID"),
		SessionID: req.SessionID,
		Kind:      kind,
		Timestamp: req.Timestamp,
		Result:    req.Result,
	}
	receipt, err := withRetry(r.Context(), api.retry, api.log, "report", func() (session.Receipt, error) {
		return api.engine.Report(r.Context(), report)
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, ReceiptStatus(receipt), receipt)
}

// ReceiptStatus is 200 for applied reports and 202 for queued or dropped ones.
func ReceiptStatus(rc session.Receipt) int {
	if rc.Disposition == session.Applied {
		return http.StatusOK
	}
	return http.StatusAccepted
}

type resultRequest struct {
	SessionID   int64     `json:"session_id"`
	DeviceID    string    `json:"device_id"`
	StudentID   string    `json:"student_id"`
	Score       float64   `json:"score"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (api *SessionAPI) handleResult(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req resultRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, api.retry, err)
		return
	}
	res := session.Result{StudentID: req.StudentID, Score: req.Score}
	out, err := withRetry(r.Context(), api.retry, api.log, "submit result", func() (storage.SubmitOutcome, error) {
		return api.engine.SubmitResult(r.Context(), tenantID, req.SessionID, req.DeviceID, res, req.SubmittedAt)
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type rollupResponse struct {
	SchoolID        string    `json:"school_id"`
	GradeID         string    `json:"grade_id"`
	SectionID       string    `json:"section_id"`
	SampleCount     int64     `json:"sample_count"`
	MeanScore       float64   `json:"mean_score"`
	AttendanceCount int64     `json:"attendance_count"`
	SessionCount    int       `json:"session_count"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

func (api *SessionAPI) handleRollup(w http.ResponseWriter, r *http.Request, tenantID string) {
	if !api.known(tenantID) {
		api.fail(w, r, apperr.NotFound("tenant %q", tenantID))
		return
	}
	rollup, _ := api.rollups.Query(tenantID, r.PathValue("gradeID"), r.PathValue("sectionID"))
	writeJSON(w, http.StatusOK, toRollupResponse(rollup))
}

func (api *SessionAPI) handleRecompute(w http.ResponseWriter, r *http.Request, tenantID string) {
	if !api.known(tenantID) {
		api.fail(w, r, apperr.NotFound("tenant %q", tenantID))
		return
	}
	gradeID, sectionID := r.PathValue("gradeID"), r.PathValue("sectionID")
	rollup, err := withRetry(r.Context(), api.retry, api.log, "recompute", func() (rollupResponse, error) {
		ro, err := api.rollups.Recompute(r.Context(), tenantID, gradeID, sectionID)
		return toRollupResponse(ro), err
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (api *SessionAPI) handleQueue(w http.ResponseWriter, r *http.Request, tenantID string) {
	depth, err := withRetry(r.Context(), api.retry, api.log, "queue depth", func() (int, error) {
		return api.engine.QueueDepth(r.Context(), tenantID)
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenant_id": tenantID, "queue_depth": depth})
}

func (api *SessionAPI) handleDrain(w http.ResponseWriter, r *http.Request, tenantID string) {
	sessionID, err := strconv.ParseInt(r.PathValue("sessionID"), 10, 64)
	if err != nil {
		writeError(w, api.retry, apperr.Invalid("session id %q is not a number", r.PathValue("sessionID")))
		return
	}
	n, err := withRetry(r.Context(), api.retry, api.log, "drain", func() (int, error) {
		return api.engine.Drain(r.Context(), tenantID, sessionID)
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": sessionID, "replayed": n})
}

func (api *SessionAPI) handleEvents(w http.ResponseWriter, r *http.Request, tenantID string) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, api.retry, apperr.Invalid("limit must be a positive integer"))
			return
		}
		limit = min(n, 1000)
	}
	events, err := withRetry(r.Context(), api.retry, api.log, "events", func() ([]*storage.SyncEvent, error) {
		return api.engine.Events(r.Context(), tenantID, limit)
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (api *SessionAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var snap *storage.EngineMetricsSnapshot
	if api.metrics != nil {
		snap = api.metrics.Latest()
	}
	if snap == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"counters": map[string]int64{}})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (api *SessionAPI) known(tenantID string) bool {
	return api.exists == nil || api.exists(tenantID)
}

func (api *SessionAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	if api.log != nil && statusFor(err) >= http.StatusInternalServerError {
		api.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, api.retry, err)
}

func toRollupResponse(r performance.Rollup) rollupResponse {
	return rollupResponse{
		SchoolID:        r.SchoolID,
		GradeID:         r.GradeID,
		SectionID:       r.SectionID,
		SampleCount:     r.SampleCount,
		MeanScore:       r.MeanScore,
		AttendanceCount: r.AttendanceCount,
		SessionCount:    r.SessionCount,
		UpdatedAt:       r.UpdatedAt,
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("request body is empty")
		}
		return apperr.Invalid("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	wscommon "liveclass/common/ws"
	"liveclass/server/apperr"
	"liveclass/server/handlers"
	"liveclass/server/session"
	"liveclass/server/storage"

	"github.com/Masterminds/semver"
	"github.com/google/uuid"
)

const (
	wsPingInterval = 25 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsOutboundSize = 32
)

// deviceReporter is the part of the session engine the device socket drives.
type deviceReporter interface {
	Report(ctx context.Context, r session.Report) (session.Receipt, error)
}

// deviceSocket serves GET /api/v1/devices/ws. Each connection is subscribed
// to its tenant on the hub under the device id, so a reconnecting device
// replaces its previous socket.
type deviceSocket struct {
	engine       deviceReporter
	hub          *wscommon.Hub
	tenantExists func(string) bool
	minVersion   *semver.Version
	limiter      *handshakeLimiter
	pingInterval time.Duration
	readTimeout  time.Duration
}

func newDeviceSocket(engine deviceReporter, hub *wscommon.Hub, tenantExists func(string) bool, minVersion *semver.Version) *deviceSocket {
	return &deviceSocket{
		engine:       engine,
		hub:          hub,
		tenantExists: tenantExists,
		minVersion:   minVersion,
		pingInterval: wsPingInterval,
		readTimeout:  wsReadTimeout,
	}
}

func (s *deviceSocket) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/devices/ws", s.handle)
}

// ConnectionCount returns the number of connected devices across tenants.
func (s *deviceSocket) ConnectionCount() int {
	return s.hub.Total()
}

// checkClientVersion rejects devices older than the configured minimum.
// An empty version is accepted only when no minimum is configured.
func (s *deviceSocket) checkClientVersion(raw string) (int, string) {
	if s.minVersion == nil {
		return 0, ""
	}
	if raw == "" {
		return http.StatusBadRequest, "client_version is required"
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return http.StatusBadRequest, "invalid client_version"
	}
	if v.LessThan(s.minVersion) {
		return http.StatusUpgradeRequired, "client version " + v.String() + " is older than " + s.minVersion.String()
	}
	return 0, ""
}

func (s *deviceSocket) handle(w http.ResponseWriter, r *http.Request) {
	clientIP := remoteIP(r.RemoteAddr)
	deviceID := r.URL.Query().Get("device_id")
	clientVersion := r.URL.Query().Get("client_version")

	if s.limiter != nil {
		if blocked, until := s.limiter.Blocked(clientIP, deviceID); blocked {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(until).Seconds())+1))
			http.Error(w, "too many rejected connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	tenantID := handlers.TenantFromRequest(r)
	status, reason := 0, ""
	switch {
	case tenantID == "":
		status, reason = http.StatusUnauthorized, "missing "+handlers.TenantHeader+" header"
	case s.tenantExists != nil && !s.tenantExists(tenantID):
		status, reason = http.StatusNotFound, "unknown tenant"
	case deviceID == "":
		status, reason = http.StatusBadRequest, "device_id is required"
	default:
		status, reason = s.checkClientVersion(clientVersion)
	}
	if status != 0 {
		s.reject(w, clientIP, tenantID, deviceID, clientVersion, status, reason)
		return
	}
	if s.limiter != nil {
		s.limiter.RecordSuccess(clientIP, deviceID)
	}

	conn, err := wscommon.UpgradeHTTP(w, r)
	if err != nil {
		logError("WebSocket upgrade failed", "tenant_id", tenantID, "device_id", deviceID, "ip", clientIP, "error", err)
		return
	}

	connID := uuid.NewString()
	logInfo("Device WebSocket connected", "tenant_id", tenantID, "device_id", deviceID,
		"conn_id", connID, "client_version", clientVersion, "ip", clientIP)

	outbound := make(chan wscommon.Message, wsOutboundSize)
	if !s.hub.Register(tenantID, deviceID, outbound) {
		logInfo("Device WebSocket refused during shutdown", "tenant_id", tenantID, "device_id", deviceID, "conn_id", connID)
		conn.CloseWithReason(wscommon.CloseGoingAway, "server shutting down")
		return
	}

	// Writer pumps hub broadcasts to the socket. The hub closes outbound on
	// reconnect or shutdown, which ends this connection too.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			if err := conn.WriteMessage(msg, wsWriteTimeout); err != nil {
				logDebug("Device broadcast write failed", "conn_id", connID, "error", err)
				break
			}
		}
		conn.Close()
	}()

	// Server-side pings surface half-open TCP connections.
	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WritePing(wsWriteTimeout); err != nil {
					logWarn("WebSocket ping failed, closing connection", "device_id", deviceID, "conn_id", connID, "error", err)
					conn.Close()
					return
				}
			case <-pingDone:
				return
			}
		}
	}()

	defer func() {
		close(pingDone)
		s.hub.Unregister(tenantID, deviceID, outbound)
		conn.Close()
		<-writerDone
		logInfo("Device WebSocket disconnected", "tenant_id", tenantID, "device_id", deviceID, "conn_id", connID)
	}()

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, wscommon.ErrMalformed) {
				logWarn("Failed to parse device message", "device_id", deviceID, "error", err)
				s.sendError(conn, string(apperr.CodeInvalid), "invalid message format")
				continue
			}
			if wscommon.IsUnexpectedCloseError(err) {
				logWarn("WebSocket error", "device_id", deviceID, "conn_id", connID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		switch msg.Type {
		case wscommon.MessageTypeHeartbeat:
			s.reply(conn, wscommon.Message{Type: wscommon.MessageTypePong})
		case wscommon.MessageTypeActivity, wscommon.MessageTypeSynced, wscommon.MessageTypeCompleted:
			s.handleReport(r.Context(), conn, tenantID, deviceID, msg)
		default:
			logWarn("Unknown device message type", "device_id", deviceID, "message_type", msg.Type)
			s.sendError(conn, string(apperr.CodeInvalid), "unknown message type")
		}
	}
}

// handleReport turns an activity, synced or completed frame into an engine
// report and answers with the receipt.
func (s *deviceSocket) handleReport(ctx context.Context, conn *wscommon.Conn, tenantID, deviceID string, msg wscommon.Message) {
	var payload wscommon.DeviceReport
	if err := msg.DecodeData(&payload); err != nil {
		s.sendError(conn, string(apperr.CodeInvalid), err.Error())
		return
	}
	report := session.Report{
		TenantID:  tenantID,
		DeviceID:  deviceID,
		SessionID: payload.SessionID,
		Kind:      storage.ReportKind(msg.Type),
		Timestamp: payload.Timestamp,
	}
	if payload.Result != nil {
		report.Result = &session.Result{StudentID: payload.Result.StudentID, Score: payload.Result.Score}
	}

	receipt, err := s.engine.Report(ctx, report)
	if err != nil {
		logWarn("Device report failed", "tenant_id", tenantID, "device_id", deviceID,
			"session_id", payload.SessionID, "kind", msg.Type, "error", err)
		s.sendError(conn, string(apperr.CodeOf(err)), err.Error())
		return
	}
	logDebug("Device report handled", "device_id", deviceID, "session_id", payload.SessionID,
		"kind", msg.Type, "disposition", receipt.Disposition)

	out, err := wscommon.NewMessage(wscommon.MessageTypeReceipt, receipt)
	if err != nil {
		logError("Failed to encode receipt", "error", err)
		return
	}
	s.reply(conn, out)
}

// reject answers a failed handshake and counts it against the client.
func (s *deviceSocket) reject(w http.ResponseWriter, ip, tenantID, deviceID, clientVersion string, status int, reason string) {
	var blocked bool
	var failures int
	if s.limiter != nil {
		blocked, failures = s.limiter.RecordFailure(ip, deviceID)
	}
	if blocked {
		logWarn("Blocking device after repeated rejected handshakes",
			"ip", ip, "device_id", deviceID, "failures", failures, "last_status", status)
	} else {
		logWarn("Rejected device connection", "tenant_id", tenantID, "device_id", deviceID,
			"client_version", clientVersion, "status", status, "ip", ip)
	}
	http.Error(w, reason, status)
}

func (s *deviceSocket) reply(conn *wscommon.Conn, msg wscommon.Message) {
	if err := conn.WriteMessage(msg, wsWriteTimeout); err != nil {
		logWarn("Failed to send WebSocket reply", "type", msg.Type, "error", err)
	}
}

func (s *deviceSocket) sendError(conn *wscommon.Conn, code, message string) {
	s.reply(conn, wscommon.Message{
		Type: wscommon.MessageTypeError,
		Data: map[string]interface{}{"code": code, "message": message},
	})
}

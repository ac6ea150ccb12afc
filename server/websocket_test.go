package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Masterminds/semver"
	"github.com/gorilla/websocket"

	"liveclass/common/logger"
	wscommon "liveclass/common/ws"
	"liveclass/server/handlers"
	"liveclass/server/metrics"
	"liveclass/server/performance"
	"liveclass/server/session"
	"liveclass/server/storage"
	"liveclass/server/tenancy"
)

type socketFixture struct {
	server *httptest.Server
	engine *session.Engine
	hub    *wscommon.Hub
	socket *deviceSocket
}

func newSocketFixture(t *testing.T, minVersion string) *socketFixture {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	roster := tenancy.NewInMemoryStore()
	err = roster.PutSchool(tenancy.School{
		ID: "school-1",
		Grades: []tenancy.Grade{{
			ID: "g5",
			Sections: []tenancy.Section{{
				ID: "a",
				Students: []tenancy.Student{
					{ID: "s1", DeviceID: "tab-1"},
					{ID: "s2", DeviceID: "tab-2"},
				},
			}},
		}},
	})
	if err != nil {
		t.Fatalf("PutSchool: %v", err)
	}

	log := logger.New(logger.DEBUG, "", 100)
	log.SetConsoleOutput(false)
	counters := metrics.NewCounters()
	hub := wscommon.NewHub()
	t.Cleanup(hub.Stop)

	engine := session.New(session.Options{
		Store:      store,
		Roster:     roster,
		Aggregator: performance.New(performance.Options{Store: store, Counters: counters, Logger: log}),
		Notifier:   hub,
		Counters:   counters,
		Logger:     log,
	})

	var floor *semver.Version
	if minVersion != "" {
		floor = mustVersion(t, minVersion)
	}
	socket := newDeviceSocket(engine, hub, roster.Exists, floor)
	mux := http.NewServeMux()
	socket.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &socketFixture{server: server, engine: engine, hub: hub, socket: socket}
}

func mustVersion(t *testing.T, raw string) *semver.Version {
	t.Helper()
	v, err := semver.NewVersion(raw)
	if err != nil {
		t.Fatalf("NewVersion(%q): %v", raw, err)
	}
	return v
}

func (f *socketFixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/devices/ws?" + query
}

func (f *socketFixture) dial(t *testing.T, tenantID, query string) *wscommon.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(handlers.TenantHeader, tenantID)
	conn, _, err := wscommon.Dial(f.url(query), header, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitConnected blocks until the hub has n subscribers for the tenant.
func (f *socketFixture) waitConnected(t *testing.T, tenantID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Count(tenantID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connected devices, have %d", n, f.hub.Count(tenantID))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func send(t *testing.T, conn *wscommon.Conn, msgType string, payload interface{}) {
	t.Helper()
	msg, err := wscommon.NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := conn.WriteMessage(msg, time.Second); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readType reads until a message of the wanted type arrives.
func readType(t *testing.T, conn *wscommon.Conn, want string) wscommon.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestDeviceSocketRejectsBadHandshake(t *testing.T) {
	t.Parallel()

	f := newSocketFixture(t, "1.2.0")

	tests := []struct {
		name   string
		tenant string
		query  string
		want   int
	}{
		{"missing tenant", "", "device_id=tab-1&client_version=1.2.0", http.StatusUnauthorized},
		{"unknown tenant", "school-9", "device_id=tab-1&client_version=1.2.0", http.StatusNotFound},
		{"missing device", "school-1", "client_version=1.2.0", http.StatusBadRequest},
		{"missing version", "school-1", "device_id=tab-1", http.StatusBadRequest},
		{"bad version", "school-1", "device_id=tab-1&client_version=banana", http.StatusBadRequest},
		{"outdated client", "school-1", "device_id=tab-1&client_version=1.1.9", http.StatusUpgradeRequired},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			header := http.Header{}
			if tt.tenant != "" {
				header.Set(handlers.TenantHeader, tt.tenant)
			}
			conn, resp, err := wscommon.Dial(f.url(tt.query), header, 5*time.Second)
			if err == nil {
				conn.Close()
				t.Fatal("expected handshake to fail")
			}
			if resp == nil {
				t.Fatalf("expected HTTP response, got error %v", err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestDeviceSocketBlocksRepeatedRejections(t *testing.T) {
	t.Parallel()

	f := newSocketFixture(t, "2.0.0")
	f.socket.limiter = newHandshakeLimiter(2, time.Minute, time.Minute)

	header := http.Header{}
	header.Set(handlers.TenantHeader, "school-1")
	wantStatus := []int{http.StatusUpgradeRequired, http.StatusUpgradeRequired, http.StatusTooManyRequests}
	for i, want := range wantStatus {
		conn, resp, err := wscommon.Dial(f.url("device_id=tab-1&client_version=1.0.0"), header, 5*time.Second)
		if err == nil {
			conn.Close()
			t.Fatalf("attempt %d: expected handshake to fail", i)
		}
		if resp == nil || resp.StatusCode != want {
			t.Fatalf("attempt %d: got %v, want status %d", i, resp, want)
		}
		if want == http.StatusTooManyRequests && resp.Header.Get("Retry-After") == "" {
			t.Error("expected Retry-After on blocked handshake")
		}
	}

	// A different device from the same address is unaffected.
	conn := f.dial(t, "school-1", "device_id=tab-2&client_version=2.1.0")
	send(t, conn, wscommon.MessageTypeHeartbeat, nil)
	readType(t, conn, wscommon.MessageTypePong)
}

func TestDeviceSocketHeartbeat(t *testing.T) {
	t.Parallel()

	f := newSocketFixture(t, "1.0.0")
	conn := f.dial(t, "school-1", "device_id=tab-1&client_version=1.4.2")

	send(t, conn, wscommon.MessageTypeHeartbeat, nil)
	readType(t, conn, wscommon.MessageTypePong)

	f.waitConnected(t, "school-1", 1)
	if got := f.socket.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got)
	}
}

func TestDeviceSocketReportFlow(t *testing.T) {
	t.Parallel()

	f := newSocketFixture(t, "")
	conn := f.dial(t, "school-1", "device_id=tab-1")
	f.waitConnected(t, "school-1", 1)

	start, err := f.engine.Start(context.Background(), "school-1", "g5", "a")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	started := readType(t, conn, wscommon.MessageTypeSessionStarted)
	if id, _ := started.Data["session_id"].(float64); int64(id) != start.Session.SessionID {
		t.Errorf("session_started carried %v, want %d", started.Data["session_id"], start.Session.SessionID)
	}

	send(t, conn, wscommon.MessageTypeActivity, wscommon.DeviceReport{SessionID: start.Session.SessionID})
	var receipt session.Receipt
	msg := readType(t, conn, wscommon.MessageTypeReceipt)
	if err := msg.DecodeData(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Disposition != session.Applied {
		t.Errorf("disposition = %q, want applied", receipt.Disposition)
	}

	send(t, conn, wscommon.MessageTypeCompleted, wscommon.DeviceReport{
		SessionID: start.Session.SessionID,
		Result:    &wscommon.ResultReport{StudentID: "s1", Score: 88},
	})
	readType(t, conn, wscommon.MessageTypeReceipt)

	devices, err := f.engine.Devices(context.Background(), "school-1")
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	var found bool
	for _, d := range devices {
		if d.DeviceID == "tab-1" {
			found = true
			if d.Phase != storage.PhaseCompleted {
				t.Errorf("tab-1 phase = %v, want completed", d.Phase)
			}
		}
	}
	if !found {
		t.Fatal("tab-1 record missing")
	}

	// A report for a session that has not started yet is queued.
	send(t, conn, wscommon.MessageTypeSynced, wscommon.DeviceReport{SessionID: start.Session.SessionID + 1})
	msg = readType(t, conn, wscommon.MessageTypeReceipt)
	if err := msg.DecodeData(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Disposition != session.Queued {
		t.Errorf("disposition = %q, want queued", receipt.Disposition)
	}
}

func TestDeviceSocketErrors(t *testing.T) {
	t.Parallel()

	f := newSocketFixture(t, "")
	conn := f.dial(t, "school-1", "device_id=tab-2")

	send(t, conn, "print_page", nil)
	msg := readType(t, conn, wscommon.MessageTypeError)
	if msg.Data["message"] != "unknown message type" {
		t.Errorf("unexpected error payload: %v", msg.Data)
	}

	// Session ids must be positive.
	send(t, conn, wscommon.MessageTypeActivity, wscommon.DeviceReport{SessionID: 0})
	msg = readType(t, conn, wscommon.MessageTypeError)
	if msg.Data["code"] != "INVALID" {
		t.Errorf("expected INVALID code, got %v", msg.Data)
	}

	// The connection survives errors.
	send(t, conn, wscommon.MessageTypeHeartbeat, nil)
	readType(t, conn, wscommon.MessageTypePong)
}

func TestDeviceSocketReconnectReplacesConnection(t *testing.T) {
	t.Parallel()

	f := newSocketFixture(t, "")
	first := f.dial(t, "school-1", "device_id=tab-1")
	f.waitConnected(t, "school-1", 1)

	second := f.dial(t, "school-1", "device_id=tab-1")
	send(t, second, wscommon.MessageTypeHeartbeat, nil)
	readType(t, second, wscommon.MessageTypePong)

	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	f.waitConnected(t, "school-1", 1)
}

func TestDeviceSocketRefusesAfterHubStop(t *testing.T) {
	t.Parallel()

	f := newSocketFixture(t, "")
	f.hub.Stop()

	conn := f.dial(t, "school-1", "device_id=tab-1")
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("expected going-away close after shutdown, got %v", err)
	}
	if f.socket.ConnectionCount() != 0 {
		t.Errorf("no connection should be tracked, have %d", f.socket.ConnectionCount())
	}
}

func TestCheckClientVersion(t *testing.T) {
	t.Parallel()

	s := &deviceSocket{}
	if status, _ := s.checkClientVersion(""); status != 0 {
		t.Errorf("no minimum should accept anything, got %d", status)
	}

	s.minVersion = mustVersion(t, "2.0.0")
	cases := map[string]int{
		"2.0.0":  0,
		"2.3.1":  0,
		"1.9.9":  http.StatusUpgradeRequired,
		"":       http.StatusBadRequest,
		"v2.0.0": 0,
	}
	for raw, want := range cases {
		if got, _ := s.checkClientVersion(raw); got != want {
			t.Errorf("checkClientVersion(%q) = %d, want %d", raw, got, want)
		}
	}
}

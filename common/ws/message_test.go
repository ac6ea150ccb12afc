package ws

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMessageMarshalStampsTimestamp(t *testing.T) {
	t.Parallel()

	msg := Message{Type: MessageTypeHeartbeat}
	raw, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected Marshal to set a timestamp")
	}
	if !strings.Contains(string(raw), `"type":"heartbeat"`) {
		t.Errorf("unexpected JSON: %s", raw)
	}
}

func TestParseMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "activity", raw: `{"type":"activity","data":{"session_id":3}}`, want: MessageTypeActivity},
		{name: "missing type", raw: `{"data":{}}`, wantErr: true},
		{name: "not json", raw: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := ParseMessage([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
			if !tt.wantErr && msg.Type != tt.want {
				t.Errorf("type = %q, want %q", msg.Type, tt.want)
			}
		})
	}
}

func TestDeviceReportPayload(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	msg, err := NewMessage(MessageTypeCompleted, DeviceReport{
		SessionID: 7,
		Timestamp: ts,
		Result:    &ResultReport{StudentID: "stu-1", Score: 87.5},
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	var report DeviceReport
	if err := msg.DecodeData(&report); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if report.SessionID != 7 || !report.Timestamp.Equal(ts) {
		t.Errorf("unexpected report: %+v", report)
	}
	if report.Result == nil || report.Result.StudentID != "stu-1" || report.Result.Score != 87.5 {
		t.Errorf("unexpected result: %+v", report.Result)
	}
}

func TestNewMessageWithoutPayload(t *testing.T) {
	t.Parallel()

	msg, err := NewMessage(MessageTypePong, nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.Data != nil {
		t.Errorf("expected nil data, got %v", msg.Data)
	}
}

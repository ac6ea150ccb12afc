package ws

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Conn methods once the connection is gone.
var ErrClosed = errors.New("websocket: connection is closed")

// MaxFrameBytes bounds a single inbound device frame.
const MaxFrameBytes = 64 * 1024

// Conn wraps *websocket.Conn. Gorilla connections support one concurrent
// reader and one concurrent writer; writeMu serializes the writers.
type Conn struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Devices connect from classroom tablets, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// UpgradeHTTP upgrades an incoming device request to a websocket Conn.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(MaxFrameBytes)
	return &Conn{c: c}, nil
}

// Dial connects to a ws:// or wss:// URL. It is used by device simulators
// and tests.
func Dial(rawURL string, header http.Header, timeout time.Duration) (*Conn, *http.Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, nil, fmt.Errorf("URL scheme must be ws or wss, got %q", parsed.Scheme)
	}
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	c, resp, err := dialer.Dial(parsed.String(), header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// ReadMessage reads and decodes the next frame.
func (cw *Conn) ReadMessage() (Message, error) {
	if cw == nil || cw.c == nil {
		return Message{}, ErrClosed
	}
	_, raw, err := cw.c.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	return ParseMessage(raw)
}

// WriteMessage writes msg as JSON with a write deadline.
func (cw *Conn) WriteMessage(msg Message, timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return ErrClosed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()
	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteJSON(msg)
}

// WritePing sends a ping control frame.
func (cw *Conn) WritePing(timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return ErrClosed
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()
	return cw.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// CloseWithReason sends a close frame and closes the connection.
func (cw *Conn) CloseWithReason(code int, reason string) error {
	if cw == nil || cw.c == nil {
		return nil
	}
	cw.writeMu.Lock()
	cw.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	cw.writeMu.Unlock()
	return cw.c.Close()
}

// Close closes the underlying connection.
func (cw *Conn) Close() error {
	if cw == nil || cw.c == nil {
		return nil
	}
	return cw.c.Close()
}

// SetReadDeadline sets the read deadline on the underlying conn.
func (cw *Conn) SetReadDeadline(t time.Time) error {
	if cw == nil || cw.c == nil {
		return ErrClosed
	}
	return cw.c.SetReadDeadline(t)
}

// SetPongHandler sets the pong handler.
func (cw *Conn) SetPongHandler(h func(string) error) {
	if cw == nil || cw.c == nil {
		return
	}
	cw.c.SetPongHandler(h)
}

// RemoteAddr returns the remote address if available.
func (cw *Conn) RemoteAddr() string {
	if cw == nil || cw.c == nil || cw.c.RemoteAddr() == nil {
		return ""
	}
	return cw.c.RemoteAddr().String()
}

// Close codes used by the device endpoint.
const (
	CloseNormalClosure = websocket.CloseNormalClosure
	CloseGoingAway     = websocket.CloseGoingAway
	ClosePolicy        = websocket.ClosePolicyViolation
)

// IsUnexpectedCloseError reports whether err is a close error other than
// a normal or going-away closure.
func IsUnexpectedCloseError(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

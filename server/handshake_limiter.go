package main

import (
	"net"
	"sync"
	"time"
)

// handshakeLimiter tracks rejected device handshakes (unknown tenant,
// outdated client, malformed query) and blocks a client that keeps failing.
// Records are keyed by remote IP and device id.
type handshakeLimiter struct {
	mu            sync.Mutex
	attempts      map[string]*handshakeRecord
	maxFailures   int
	blockDuration time.Duration
	window        time.Duration
	now           func() time.Time
	stop          chan struct{}
	stopOnce      sync.Once
}

type handshakeRecord struct {
	windowStart  time.Time
	lastAttempt  time.Time
	failures     int
	blockedUntil time.Time
}

func newHandshakeLimiter(maxFailures int, blockDuration, window time.Duration) *handshakeLimiter {
	return &handshakeLimiter{
		attempts:      make(map[string]*handshakeRecord),
		maxFailures:   maxFailures,
		blockDuration: blockDuration,
		window:        window,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// Start runs the cleanup loop until Stop.
func (l *handshakeLimiter) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.cleanup()
			case <-l.stop:
				return
			}
		}
	}()
}

func (l *handshakeLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// RecordFailure counts a rejected handshake and reports whether the client
// is now blocked, with the failure count in the current window.
func (l *handshakeLimiter) RecordFailure(ip, deviceID string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := ip + "|" + deviceID
	rec, ok := l.attempts[key]
	if !ok || (now.Sub(rec.windowStart) > l.window && !now.Before(rec.blockedUntil)) {
		rec = &handshakeRecord{windowStart: now}
		l.attempts[key] = rec
	}
	rec.lastAttempt = now
	rec.failures++
	if now.Before(rec.blockedUntil) {
		return true, rec.failures
	}
	if rec.failures >= l.maxFailures {
		rec.blockedUntil = now.Add(l.blockDuration)
		return true, rec.failures
	}
	return false, rec.failures
}

// Blocked reports whether the client is blocked and until when.
func (l *handshakeLimiter) Blocked(ip, deviceID string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.attempts[ip+"|"+deviceID]
	if !ok || !l.now().Before(rec.blockedUntil) {
		return false, time.Time{}
	}
	return true, rec.blockedUntil
}

// RecordSuccess clears the client's failures.
func (l *handshakeLimiter) RecordSuccess(ip, deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip+"|"+deviceID)
}

func (l *handshakeLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, rec := range l.attempts {
		if !now.Before(rec.blockedUntil) && now.Sub(rec.lastAttempt) > l.window {
			delete(l.attempts, key)
		}
	}
}

// Len returns the number of tracked clients.
func (l *handshakeLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

// remoteIP strips the port from a request's RemoteAddr.
func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

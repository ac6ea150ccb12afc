package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"liveclass/common/logger"
)

// logWithLevel routes structured logs to the shared logger when available,
// and falls back to stderr with a consistent format during bootstrap.
func logWithLevel(level logger.LogLevel, msg string, kv ...interface{}) {
	if serverLogger != nil {
		switch level {
		case logger.ERROR:
			serverLogger.Error(msg, kv...)
		case logger.WARN:
			serverLogger.Warn(msg, kv...)
		case logger.DEBUG:
			serverLogger.Debug(msg, kv...)
		case logger.TRACE:
			serverLogger.Trace(msg, kv...)
		default:
			serverLogger.Info(msg, kv...)
		}
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	levelStr := logger.LevelToString(level)
	fmt.Fprintf(os.Stderr, "%s [%s] %s%s\n", timestamp, levelStr, msg, formatKeyValues(kv...))
}

func formatKeyValues(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprintf("arg%d", i)
		var val interface{} = "<missing>"
		if k, ok := kv[i].(string); ok {
			key = k
		} else {
			val = kv[i]
		}
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(val))
	}
	return b.String()
}

func logInfo(msg string, kv ...interface{}) {
	logWithLevel(logger.INFO, msg, kv...)
}

func logWarn(msg string, kv ...interface{}) {
	logWithLevel(logger.WARN, msg, kv...)
}

func logError(msg string, kv ...interface{}) {
	logWithLevel(logger.ERROR, msg, kv...)
}

func logDebug(msg string, kv ...interface{}) {
	logWithLevel(logger.DEBUG, msg, kv...)
}

// logBridgeWriter routes stdlib logger output (http.Server ErrorLog, slog's
// default handler) through the shared structured logger.
type logBridgeWriter struct {
	level logger.LogLevel
}

func (w logBridgeWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	logWithLevel(w.level, msg)
	return len(p), nil
}

// slogBridge adapts the shared logger to slog for the background workers.
type slogBridge struct {
	log   *logger.Logger
	attrs []interface{}
	group string
}

// newSlogLogger returns a slog.Logger that writes to l under component.
func newSlogLogger(l *logger.Logger, component string) *slog.Logger {
	return slog.New(&slogBridge{log: l.Named(component)})
}

func toLogLevel(l slog.Level) logger.LogLevel {
	switch {
	case l >= slog.LevelError:
		return logger.ERROR
	case l >= slog.LevelWarn:
		return logger.WARN
	case l >= slog.LevelInfo:
		return logger.INFO
	default:
		return logger.DEBUG
	}
}

func (h *slogBridge) Enabled(_ context.Context, l slog.Level) bool {
	return toLogLevel(l) <= h.log.GetLevel()
}

func (h *slogBridge) Handle(_ context.Context, r slog.Record) error {
	kv := append([]interface{}(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		kv = append(kv, h.key(a.Key), a.Value.Resolve().Any())
		return true
	})
	switch toLogLevel(r.Level) {
	case logger.ERROR:
		h.log.Error(r.Message, kv...)
	case logger.WARN:
		h.log.Warn(r.Message, kv...)
	case logger.INFO:
		h.log.Info(r.Message, kv...)
	default:
		h.log.Debug(r.Message, kv...)
	}
	return nil
}

func (h *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogBridge{log: h.log, group: h.group, attrs: append([]interface{}(nil), h.attrs...)}
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.key(a.Key), a.Value.Resolve().Any())
	}
	return next
}

func (h *slogBridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogBridge{log: h.log, attrs: h.attrs, group: h.key(name)}
}

func (h *slogBridge) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

// Package logger provides the leveled key/value logger shared by liveclass components.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Component string
	Message   string
	Context   map[string]interface{}
}

// RotationPolicy defines when log files are rotated and how many are kept
type RotationPolicy struct {
	Enabled    bool
	MaxSizeMB  int
	MaxAgeDays int
	MaxFiles   int
}

// Logger provides structured logging with levels.
// A Logger returned by Named shares its parent's sinks and buffer.
type Logger struct {
	core      *core
	component string
}

type core struct {
	mu              sync.RWMutex
	level           LogLevel
	logDir          string
	fileName        string
	currentFile     *os.File
	currentFilePath string
	buffer          []LogEntry
	maxBufferSize   int
	rotationPolicy  RotationPolicy
	rateLimiters    map[string]time.Time
	console         io.Writer
	now             func() time.Time
}

// New creates a new Logger writing to logDir/server.log.
// An empty logDir disables file output.
func New(level LogLevel, logDir string, maxBufferSize int) *Logger {
	if maxBufferSize <= 0 {
		maxBufferSize = 1000
	}
	return &Logger{core: &core{
		level:         level,
		logDir:        logDir,
		fileName:      "server.log",
		buffer:        make([]LogEntry, 0, maxBufferSize),
		maxBufferSize: maxBufferSize,
		rateLimiters:  make(map[string]time.Time),
		console:       os.Stdout,
		now:           time.Now,
		rotationPolicy: RotationPolicy{
			Enabled:    true,
			MaxSizeMB:  50,
			MaxAgeDays: 7,
			MaxFiles:   10,
		},
	}}
}

// Named returns a logger that tags every entry with the given component.
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{core: l.core, component: name}
}

// SetConsoleOutput enables or disables console output
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if enabled {
		l.core.console = os.Stdout
	} else {
		l.core.console = nil
	}
}

// SetConsoleWriter redirects console output, mainly for tests.
func (l *Logger) SetConsoleWriter(w io.Writer) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.console = w
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()
	return l.core.level
}

// SetRotationPolicy configures log rotation
func (l *Logger) SetRotationPolicy(policy RotationPolicy) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.rotationPolicy = policy
}

// Error logs an error level message
func (l *Logger) Error(msg string, context ...interface{}) {
	l.log(ERROR, msg, context...)
}

// Warn logs a warning level message
func (l *Logger) Warn(msg string, context ...interface{}) {
	l.log(WARN, msg, context...)
}

// WarnRateLimited logs a warning at most once per interval for the given key.
func (l *Logger) WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{}) {
	c := l.core
	c.mu.Lock()
	now := c.now()
	if last, ok := c.rateLimiters[key]; ok && now.Sub(last) < interval {
		c.mu.Unlock()
		return
	}
	c.rateLimiters[key] = now
	c.mu.Unlock()

	l.log(WARN, msg, context...)
}

// Info logs an info level message
func (l *Logger) Info(msg string, context ...interface{}) {
	l.log(INFO, msg, context...)
}

// Debug logs a debug level message
func (l *Logger) Debug(msg string, context ...interface{}) {
	l.log(DEBUG, msg, context...)
}

// Trace logs a trace level message
func (l *Logger) Trace(msg string, context ...interface{}) {
	l.log(TRACE, msg, context...)
}

func (l *Logger) log(level LogLevel, msg string, context ...interface{}) {
	c := l.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if level > c.level {
		return
	}

	ctx := make(map[string]interface{}, len(context)/2)
	for i := 0; i < len(context); i += 2 {
		key := fmt.Sprintf("%v", context[i])
		if i+1 < len(context) {
			ctx[key] = context[i+1]
		} else {
			ctx[key] = "<missing>"
		}
	}

	entry := LogEntry{
		Timestamp: c.now(),
		Level:     level,
		Component: l.component,
		Message:   msg,
		Context:   ctx,
	}

	if len(c.buffer) >= c.maxBufferSize {
		c.buffer = c.buffer[1:]
	}
	c.buffer = append(c.buffer, entry)

	line := formatLogEntry(entry)
	if c.console != nil {
		fmt.Fprintln(c.console, line)
	}
	c.writeToFile(line)
}

func (c *core) writeToFile(line string) {
	if c.logDir == "" {
		return
	}
	if err := os.MkdirAll(c.logDir, 0755); err != nil {
		return
	}

	if c.currentFile == nil {
		path := filepath.Join(c.logDir, c.fileName)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		c.currentFile = f
		c.currentFilePath = path
	}

	c.currentFile.WriteString(line + "\n")

	if c.shouldRotate() {
		c.rotate()
	}
}

// formatLogEntry renders an entry with context keys in sorted order.
func formatLogEntry(entry LogEntry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteString(" [")
	b.WriteString(levelNames[entry.Level])
	b.WriteString("] ")
	if entry.Component != "" {
		b.WriteString(entry.Component)
		b.WriteString(": ")
	}
	b.WriteString(entry.Message)

	if len(entry.Context) > 0 {
		keys := make([]string, 0, len(entry.Context))
		for k := range entry.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Context[k])
		}
	}
	return b.String()
}

func (c *core) shouldRotate() bool {
	if !c.rotationPolicy.Enabled || c.currentFile == nil || c.rotationPolicy.MaxSizeMB <= 0 {
		return false
	}
	stat, err := c.currentFile.Stat()
	if err != nil {
		return false
	}
	return stat.Size() >= int64(c.rotationPolicy.MaxSizeMB)*1024*1024
}

func (c *core) rotate() {
	if c.currentFile != nil {
		c.currentFile.Close()
		c.currentFile = nil
		if c.currentFilePath != "" {
			base := strings.TrimSuffix(c.fileName, filepath.Ext(c.fileName))
			backup := filepath.Join(c.logDir, fmt.Sprintf("%s_%s.log", base, c.now().Format("20060102_150405.000000")))
			os.Rename(c.currentFilePath, backup)
		}
	}
	c.cleanOldFiles()
}

func (c *core) cleanOldFiles() {
	base := strings.TrimSuffix(c.fileName, filepath.Ext(c.fileName))
	files, err := filepath.Glob(filepath.Join(c.logDir, base+"_*.log"))
	if err != nil {
		return
	}
	sort.Strings(files)

	if c.rotationPolicy.MaxAgeDays > 0 {
		cutoff := c.now().AddDate(0, 0, -c.rotationPolicy.MaxAgeDays)
		kept := files[:0]
		for _, file := range files {
			if stat, err := os.Stat(file); err == nil && stat.ModTime().Before(cutoff) {
				os.Remove(file)
				continue
			}
			kept = append(kept, file)
		}
		files = kept
	}

	if c.rotationPolicy.MaxFiles > 0 && len(files) > c.rotationPolicy.MaxFiles {
		for _, file := range files[:len(files)-c.rotationPolicy.MaxFiles] {
			os.Remove(file)
		}
	}
}

// GetBuffer returns a copy of the in-memory log buffer
func (l *Logger) GetBuffer() []LogEntry {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()

	buffer := make([]LogEntry, len(l.core.buffer))
	copy(buffer, l.core.buffer)
	return buffer
}

// GetBufferFiltered returns buffered entries at or above the given severity
func (l *Logger) GetBufferFiltered(minLevel LogLevel) []LogEntry {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()

	filtered := []LogEntry{}
	for _, entry := range l.core.buffer {
		if entry.Level <= minLevel {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// Close closes the current log file
func (l *Logger) Close() error {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()

	if l.core.currentFile != nil {
		err := l.core.currentFile.Close()
		l.core.currentFile = nil
		return err
	}
	return nil
}

// ParseLevel converts a case-insensitive level name to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return ERROR
	case "WARN", "WARNING":
		return WARN
	case "DEBUG":
		return DEBUG
	case "TRACE":
		return TRACE
	default:
		return INFO
	}
}

// LevelToString converts a LogLevel to a string
func LevelToString(level LogLevel) string {
	return levelNames[level]
}

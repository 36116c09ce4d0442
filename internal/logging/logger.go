// Package logging provides structured logging with file and console output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileName is the log file written inside the log directory
const FileName = "cortexrig.log"

// LogEntry is one log line kept in memory
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Data      string `json:"data,omitempty"`
}

// Config holds logger configuration
type Config struct {
	LogDir     string // Directory for the log file
	Level      string // Minimum level: debug, info, warn, error
	MaxHistory int    // Entries kept in memory
	Console    bool   // Also log to stderr
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogDir:     filepath.Join(home, ".cortexrig", "logs"),
		Level:      "info",
		MaxHistory: 1000,
		Console:    true,
	}
}

// Logger wraps zerolog with file output and a bounded history. Every
// component logger derived from it feeds the history too.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string

	mu      sync.RWMutex
	history []LogEntry
	maxHist int
	onLog   func(LogEntry)
}

// New creates a Logger writing JSON lines to <LogDir>/cortexrig.log
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultConfig().MaxHistory
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	logPath := filepath.Join(cfg.LogDir, FileName)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	l := &Logger{
		file:    file,
		logPath: logPath,
		history: make([]LogEntry, 0, cfg.MaxHistory),
		maxHist: cfg.MaxHistory,
	}

	writers := []io.Writer{file, historyWriter{l}}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	l.zlog = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("app", "cortexrig").
		Logger()

	l.Info("logging", "logger initialized", map[string]any{"file": logPath, "level": level.String()})
	return l, nil
}

// historyWriter decodes each JSON line into a LogEntry
type historyWriter struct{ l *Logger }

func (w historyWriter) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}
	entry := LogEntry{Timestamp: time.Now().Format("15:04:05.000")}
	entry.Level, _ = fields[zerolog.LevelFieldName].(string)
	entry.Component, _ = fields["component"].(string)
	entry.Message, _ = fields[zerolog.MessageFieldName].(string)

	delete(fields, zerolog.LevelFieldName)
	delete(fields, zerolog.MessageFieldName)
	delete(fields, zerolog.TimestampFieldName)
	delete(fields, "component")
	delete(fields, "app")
	entry.Data = formatData(fields)

	w.l.addToHistory(entry)
	return len(p), nil
}

// SetOnLog sets a callback receiving every entry as it is logged
func (l *Logger) SetOnLog(fn func(LogEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLog = fn
}

func (l *Logger) addToHistory(entry LogEntry) {
	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
	fn := l.onLog
	l.mu.Unlock()

	if fn != nil {
		go fn(entry)
	}
}

// GetHistory returns up to limit recent entries, oldest first. A limit of
// zero or less returns everything.
func (l *Logger) GetHistory(limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	result := make([]LogEntry, limit)
	copy(result, l.history[len(l.history)-limit:])
	return result
}

// Clear empties the history
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = l.history[:0]
}

// LogPath returns the log file path
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file
func (l *Logger) Close() error {
	l.Info("logging", "logger shutting down", nil)
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// formatData renders fields as sorted key=value pairs
func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, data[k])
	}
	return strings.Join(parts, ", ")
}

func (l *Logger) event(e *zerolog.Event, component, msg string, data map[string]any) {
	e = e.Str("component", component)
	for k, v := range data {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(component, msg string, data map[string]any) {
	l.event(l.zlog.Debug(), component, msg, data)
}

// Info logs an info message
func (l *Logger) Info(component, msg string, data map[string]any) {
	l.event(l.zlog.Info(), component, msg, data)
}

// Warn logs a warning message
func (l *Logger) Warn(component, msg string, data map[string]any) {
	l.event(l.zlog.Warn(), component, msg, data)
}

// Error logs an error message
func (l *Logger) Error(component, msg string, err error, data map[string]any) {
	l.event(l.zlog.Error().Err(err), component, msg, data)
}

// Component returns a zerolog.Logger with the component field set
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

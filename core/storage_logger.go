package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

type sessionLoggerKey struct{}

// ContextWithSessionLogger returns a new context carrying the session logger.
func ContextWithSessionLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, sessionLoggerKey{}, logger)
}

// SessionLoggerFromContext extracts the session logger from the context, or
// the global logger when none was attached.
func SessionLoggerFromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(sessionLoggerKey{}).(*Logger); ok && l != nil {
		return l
	}
	return GetLogger()
}

// SessionMetadata is the first JSON line in each session log file.
type SessionMetadata struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	StartedAt string `json:"started_at"`
}

// LogEntry is a single JSON log line.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// LogWriter is a destination for session log entries.
type LogWriter interface {
	Write(level Level, msg string, attrs map[string]interface{})
	Close()
}

// SessionLogWriter writes structured log lines to <dir>/<session>.jsonl and
// keeps a <session>.active marker next to it while the session is open.
type SessionLogWriter struct {
	mu        sync.Mutex
	file      *os.File
	logDir    string
	sessionID string
}

func NewSessionLogWriter(logDir, sessionID, kind string) (*SessionLogWriter, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("session log: mkdir %q: %w", logDir, err)
	}

	filePath := filepath.Join(logDir, sessionID+".jsonl")
	f, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("session log: create %q: %w", filePath, err)
	}

	meta := SessionMetadata{
		SessionID: sessionID,
		Kind:      kind,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := sonic.Marshal(meta)
	f.Write(append(data, '\n'))

	if af, err := os.Create(filepath.Join(logDir, sessionID+".active")); err == nil {
		af.Close()
	}

	return &SessionLogWriter{
		file:      f,
		logDir:    logDir,
		sessionID: sessionID,
	}, nil
}

func (w *SessionLogWriter) Write(level Level, msg string, attrs map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Attrs:     attrs,
	}
	data, err := sonic.Marshal(entry)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Write(append(data, '\n'))
	}
}

// Close closes the log file and removes the .active marker. Safe to call twice.
func (w *SessionLogWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(filepath.Join(w.logDir, w.sessionID+".active"))
}

// NewSessionLogger tees every line to the base logger's handler and to
// writer. Children created with With inherit the tee.
func NewSessionLogger(base *Logger, writer LogWriter) *Logger {
	handler := func(level Level, msg string, attrs map[string]interface{}) {
		if base.Enabled(level) {
			base.handlerFunc(level, msg, attrs)
		}
		writer.Write(level, msg, attrs)
	}
	l := NewLogger(base.minLevel, handler)
	for k, v := range base.attrs {
		l.attrs[k] = v
	}
	return l
}

package pubsub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/osa-run/osa/internal/infrastructure/eventbus"
)

// SessionLog subscribes to the bridge's firehose topic and appends every
// session-carrying event to sessions/<id>.jsonl, one JSON object per line.
// The files are append-only; nothing in the runtime rewrites them, so they
// double as the durable conversation record a restarted gateway can read
// back.
type SessionLog struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	writers map[string]*sessionWriter
}

// sessionWriter is one session's open file plus its buffered writer.
type sessionWriter struct {
	file   *os.File
	writer *bufio.Writer
}

// logEntry is the JSON line shape on disk.
type logEntry struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// NewSessionLog creates the log directory and returns a SessionLog ready to
// be attached via Attach.
func NewSessionLog(dir string, logger *zap.Logger) (*SessionLog, error) {
	if dir == "" {
		return nil, fmt.Errorf("session log dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	return &SessionLog{
		dir:     dir,
		logger:  logger.With(zap.String("component", "session-log")),
		writers: make(map[string]*sessionWriter),
	}, nil
}

// Attach subscribes the log to the bridge's firehose, so every published
// event flows through Record exactly once.
func (l *SessionLog) Attach(bridge *Bridge) {
	bridge.Subscribe(FirehoseTopic, func(ctx context.Context, ev eventbus.Event) {
		l.Record(Unwrap(ev))
	})
}

// Record appends one event to its session's log file. Events whose payload
// carries no session id are skipped — the firehose sees everything, but
// only conversations get a durable file.
func (l *SessionLog) Record(ev eventbus.Event) {
	sp, ok := ev.Payload().(SessionPayload)
	if !ok || sp.SessionID() == "" {
		return
	}

	line, err := json.Marshal(logEntry{
		Type:      ev.Type(),
		Timestamp: ev.Timestamp(),
		Payload:   ev.Payload(),
	})
	if err != nil {
		l.logger.Warn("session event not serializable, skipping",
			zap.String("type", ev.Type()), zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.writerLocked(sp.SessionID())
	if err != nil {
		l.logger.Error("failed to open session log file",
			zap.String("session_id", sp.SessionID()), zap.Error(err))
		return
	}
	if _, err := w.writer.Write(append(line, '\n')); err != nil {
		l.logger.Error("session log write failed",
			zap.String("session_id", sp.SessionID()), zap.Error(err))
		return
	}
	// Flush per event: the log is an audit trail, durability beats batching.
	_ = w.writer.Flush()
}

// writerLocked returns the open writer for sessionID, opening the file in
// append mode on first use. Must be called with l.mu held.
func (l *SessionLog) writerLocked(sessionID string) (*sessionWriter, error) {
	if w, ok := l.writers[sessionID]; ok {
		return w, nil
	}
	f, err := os.OpenFile(filepath.Join(l.dir, sanitizeSessionID(sessionID)+".jsonl"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w := &sessionWriter{file: f, writer: bufio.NewWriterSize(f, 16*1024)}
	l.writers[sessionID] = w
	return w, nil
}

// ReadSession returns every entry logged for sessionID, oldest first.
// Missing file means an empty (never-logged) session, not an error.
func (l *SessionLog) ReadSession(sessionID string) ([]logEntry, error) {
	f, err := os.Open(filepath.Join(l.dir, sanitizeSessionID(sessionID)+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var entries []logEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e logEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			l.logger.Warn("skipping corrupt session log line", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("session log scan: %w", err)
	}
	return entries, nil
}

// Close flushes and closes every open session file.
func (l *SessionLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, w := range l.writers {
		_ = w.writer.Flush()
		_ = w.file.Sync()
		_ = w.file.Close()
		delete(l.writers, id)
	}
}

// sanitizeSessionID keeps session-derived filenames flat: path separators
// and other hostile characters collapse to '_', so "telegram:123" becomes
// "telegram_123.jsonl" and a crafted id can't escape the log directory.
func sanitizeSessionID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

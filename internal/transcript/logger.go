// Package transcript appends sealed conversation messages to per-session
// NDJSON files off the streaming path.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/google/uuid"
)

const defaultQueueSize = 1000

// Config controls the transcript log.
type Config struct {
	Enabled bool
	Dir     string
	// GlobalPath, when set, receives a copy of every event.
	GlobalPath string
	QueueSize  int
}

// Event is one line of a transcript file.
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"ts"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id"`
	MessageID   string    `json:"message_id"`
	Role        string    `json:"role"`
	Sequence    int64     `json:"sequence"`
	Superseded  bool      `json:"superseded,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	ContentRaw  string    `json:"content_raw"`
	Content     string    `json:"content"`
}

// Logger accepts transcript events.
type Logger interface {
	Log(ev Event)
	Close() error
}

// New returns a queue-backed file logger, or a no-op logger when disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return nopLogger{}, nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	logger.Info("Transcript log enabled", "dir", cfg.Dir, "queue_size", cfg.QueueSize)
	return l, nil
}

type nopLogger struct{}

func (nopLogger) Log(Event)    {}
func (nopLogger) Close() error { return nil }

type fileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func (l *fileLogger) Log(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Content == "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.dropped.Add(1)
		l.logger.Warn("Transcript queue full, dropping event",
			"session_id", ev.SessionID,
			"message_id", ev.MessageID,
		)
	}
}

func (l *fileLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("Failed to write transcript event", "session_id", ev.SessionID, "error", err)
		}
	}
}

func (l *fileLogger) write(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	dir := l.cfg.Dir
	if ev.UserID != "" {
		dir = filepath.Join(dir, safeName(ev.UserID))
	}
	if err := appendLine(filepath.Join(dir, safeName(ev.SessionID)+".ndjson"), line); err != nil {
		return err
	}
	if l.cfg.GlobalPath != "" {
		return appendLine(l.cfg.GlobalPath, line)
	}
	return nil
}

// Close drains the queue and stops the writer.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	if n := l.dropped.Load(); n > 0 {
		l.logger.Warn("Transcript events dropped while running", "dropped", n)
	}
	return nil
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// safeName keeps ids from escaping the transcript directory.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

var (
	ansiPattern   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)
	blankLinesRun = regexp.MustCompile(`\n{3,}`)
)

func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = blankLinesRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s)
}

// Recorder turns sealed messages into transcript events for one user.
type Recorder struct {
	log    Logger
	userID string
}

// NewRecorder binds a logger to the user the transcripts belong to.
func NewRecorder(log Logger, userID string) *Recorder {
	return &Recorder{log: log, userID: userID}
}

// Record logs a sealed message.
func (r *Recorder) Record(sessionID string, msg domain.Message) {
	r.log.Log(Event{
		UserID:      r.userID,
		SessionID:   sessionID,
		MessageID:   msg.ID,
		Role:        string(msg.Role),
		Sequence:    msg.Sequence,
		Superseded:  msg.Superseded,
		Interrupted: msg.Interrupted,
		ContentRaw:  msg.Content,
	})
}

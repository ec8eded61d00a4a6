package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// modernc.org/sqlite applies _pragma parameters to every new connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		working_directory TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_active_at INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		streaming_state TEXT NOT NULL,
		superseded INTEGER NOT NULL DEFAULT 0,
		interrupted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, sequence);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PutSession creates or replaces session metadata.
func (s *SQLiteStore) PutSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (id, name, working_directory, status, last_active_at, message_count, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		working_directory = excluded.working_directory,
		status = excluded.status,
		last_active_at = MAX(sessions.last_active_at, excluded.last_active_at),
		message_count = excluded.message_count`

	return s.execWithRetry(ctx, "put session", query,
		session.ID, session.Name, session.WorkingDirectory, string(session.Status),
		session.LastActiveAt.UnixMilli(), session.MessageCount, session.CreatedAt.UnixMilli(),
	)
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `
		SELECT id, name, working_directory, status, last_active_at, message_count, created_at
		FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// DeleteSession removes session metadata.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return s.execWithRetry(ctx, "delete session", `DELETE FROM sessions WHERE id = ?`, id)
}

// ListSessions returns all sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	query := `
		SELECT id, name, working_directory, status, last_active_at, message_count, created_at
		FROM sessions ORDER BY last_active_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// TouchSession moves last_active_at forward. It never moves it back.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET last_active_at = MAX(last_active_at, ?) WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchSession affected 0 rows", "session_id", id)
	}
	return nil
}

// PutMessage creates or replaces one message.
func (s *SQLiteStore) PutMessage(ctx context.Context, sessionID string, msg *domain.Message) error {
	query := `
	INSERT INTO messages (session_id, id, role, content, sequence, streaming_state,
		superseded, interrupted, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, id) DO UPDATE SET
		content = excluded.content,
		streaming_state = excluded.streaming_state,
		superseded = excluded.superseded,
		interrupted = excluded.interrupted,
		updated_at = excluded.updated_at`

	return s.execWithRetry(ctx, "put message", query,
		sessionID, msg.ID, string(msg.Role), msg.Content, msg.Sequence, string(msg.StreamingState),
		msg.Superseded, msg.Interrupted, msg.CreatedAt.UnixMilli(), msg.UpdatedAt.UnixMilli(),
	)
}

// ListMessages returns the messages of a session ordered by sequence.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT id, role, content, sequence, streaming_state, superseded, interrupted, created_at, updated_at
		FROM messages WHERE session_id = ? ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var role, state string
		var createdAt, updatedAt int64
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Sequence, &state,
			&m.Superseded, &m.Interrupted, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.SessionID = sessionID
		m.Role = domain.Role(role)
		m.StreamingState = domain.StreamingState(state)
		m.CreatedAt = time.UnixMilli(createdAt)
		m.UpdatedAt = time.UnixMilli(updatedAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessages removes every message of a session.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, sessionID string) error {
	return s.execWithRetry(ctx, "delete messages", `DELETE FROM messages WHERE session_id = ?`, sessionID)
}

// GetSetting reads a setting value.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// PutSetting writes a setting value.
func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	query := `INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	return s.execWithRetry(ctx, "put setting", query, key, value)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// execWithRetry retries SQLITE_BUSY and "database is locked" failures with
// exponential backoff: 100ms, 200ms.
func (s *SQLiteStore) execWithRetry(ctx context.Context, op, query string, args ...any) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite write busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var status string
	var lastActive, createdAt int64
	if err := row.Scan(&session.ID, &session.Name, &session.WorkingDirectory, &status,
		&lastActive, &session.MessageCount, &createdAt); err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatus(status)
	session.LastActiveAt = time.UnixMilli(lastActive)
	session.CreatedAt = time.UnixMilli(createdAt)
	return &session, nil
}

// Package store provides durable storage for sessions and messages.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

// Repository is the durable store consumed by the persistence adapter.
// Get methods return (nil, nil) when the record does not exist.
type Repository interface {
	// PutSession creates or replaces session metadata.
	PutSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// DeleteSession removes session metadata. Deleting an absent session is not an error.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns every stored session.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// TouchSession updates last_active_at without rewriting the whole record.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// PutMessage creates or replaces one message of a session.
	PutMessage(ctx context.Context, sessionID string, msg *domain.Message) error

	// ListMessages returns the messages of a session ordered by sequence.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// DeleteMessages removes every message of a session.
	DeleteMessages(ctx context.Context, sessionID string) error

	// GetSetting reads a small key/value setting. Missing keys return "".
	GetSetting(ctx context.Context, key string) (string, error)

	// PutSetting writes a small key/value setting.
	PutSetting(ctx context.Context, key, value string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

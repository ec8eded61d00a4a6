// Package buffer holds the ordered message log of a single session.
package buffer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/google/uuid"
)

// Buffer is the per-session message log. Sequence numbers are strictly
// increasing and at most one message is in progress, always the last one.
type Buffer struct {
	mu        sync.Mutex
	sessionID string
	messages  []*domain.Message
	index     map[string]*domain.Message
	nextSeq   int64
	version   uint64
	logger    *slog.Logger
}

// New creates an empty buffer for sessionID.
func New(sessionID string, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		sessionID: sessionID,
		index:     make(map[string]*domain.Message),
		nextSeq:   1,
		logger:    logger,
	}
}

// SessionID returns the owning session.
func (b *Buffer) SessionID() string {
	return b.sessionID
}

// AppendUserMessage appends a sealed user turn.
func (b *Buffer) AppendUserMessage(content string) domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sealDanglingLocked()
	m := b.appendLocked(domain.RoleUser, content, domain.StreamingComplete)
	return *m
}

// BeginAssistantMessage appends an empty in-progress assistant turn.
func (b *Buffer) BeginAssistantMessage() domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sealDanglingLocked()
	m := b.appendLocked(domain.RoleAssistant, "", domain.StreamingInProgress)
	return *m
}

// ApplyDelta appends text to an in-progress message. A delta for a sealed
// message is dropped.
func (b *Buffer) ApplyDelta(messageID, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.index[messageID]
	if !ok {
		return fmt.Errorf("apply delta to message %s: %w", messageID, domain.ErrNotFound)
	}
	if m.IsComplete() {
		b.logger.Warn("Dropping delta for sealed message",
			"session_id", b.sessionID,
			"message_id", messageID,
			"text_len", len(text),
		)
		return nil
	}
	m.Content += text
	m.UpdatedAt = time.Now()
	b.version++
	return nil
}

// Finalize seals a message. Sealing twice is a no-op.
func (b *Buffer) Finalize(messageID string) error {
	return b.seal(messageID, func(*domain.Message) {})
}

// Supersede seals a partial message that a fresh response replaces.
func (b *Buffer) Supersede(messageID string) error {
	return b.seal(messageID, func(m *domain.Message) { m.Superseded = true })
}

// MarkInterrupted seals a partial message that will never be completed.
func (b *Buffer) MarkInterrupted(messageID string) error {
	return b.seal(messageID, func(m *domain.Message) { m.Interrupted = true })
}

func (b *Buffer) seal(messageID string, mark func(*domain.Message)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.index[messageID]
	if !ok {
		return fmt.Errorf("seal message %s: %w", messageID, domain.ErrNotFound)
	}
	if m.IsComplete() {
		return nil
	}
	mark(m)
	m.StreamingState = domain.StreamingComplete
	m.UpdatedAt = time.Now()
	b.version++
	return nil
}

// Snapshot returns an ordered copy of the log.
func (b *Buffer) Snapshot() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Message, len(b.messages))
	for i, m := range b.messages {
		out[i] = *m
	}
	return out
}

// Get returns a copy of one message.
func (b *Buffer) Get(messageID string) (domain.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.index[messageID]
	if !ok {
		return domain.Message{}, false
	}
	return *m, true
}

// InProgress returns the in-progress message, if any.
func (b *Buffer) InProgress() (domain.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m := b.lastLocked(); m != nil && !m.IsComplete() {
		return *m, true
	}
	return domain.Message{}, false
}

// LastUserMessage returns the most recent user turn.
func (b *Buffer) LastUserMessage() (domain.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].Role == domain.RoleUser {
			return *b.messages[i], true
		}
	}
	return domain.Message{}, false
}

// Len returns the number of messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Version increases on every mutation.
func (b *Buffer) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Restore replaces the log with persisted messages. Messages are ordered by
// sequence and any in-progress message other than the last one is sealed.
func (b *Buffer) Restore(msgs []domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sorted := make([]domain.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	b.messages = b.messages[:0]
	b.index = make(map[string]*domain.Message, len(sorted))
	b.nextSeq = 1
	for i := range sorted {
		m := sorted[i]
		if m.Sequence < b.nextSeq {
			b.logger.Warn("Skipping persisted message with duplicate sequence",
				"session_id", b.sessionID,
				"message_id", m.ID,
				"sequence", m.Sequence,
			)
			continue
		}
		if i < len(sorted)-1 && !m.IsComplete() {
			m.StreamingState = domain.StreamingComplete
			m.Interrupted = true
		}
		m.SessionID = b.sessionID
		b.messages = append(b.messages, &m)
		b.index[m.ID] = &m
		b.nextSeq = m.Sequence + 1
	}
	b.version++
}

func (b *Buffer) appendLocked(role domain.Role, content string, state domain.StreamingState) *domain.Message {
	now := time.Now()
	m := &domain.Message{
		ID:             uuid.NewString(),
		SessionID:      b.sessionID,
		Role:           role,
		Content:        content,
		Sequence:       b.nextSeq,
		StreamingState: state,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	b.nextSeq++
	b.messages = append(b.messages, m)
	b.index[m.ID] = m
	b.version++
	return m
}

// sealDanglingLocked keeps the single in-progress invariant when a new turn
// starts after a cancelled stream.
func (b *Buffer) sealDanglingLocked() {
	m := b.lastLocked()
	if m == nil || m.IsComplete() {
		return
	}
	b.logger.Info("Sealing unfinished message before new turn",
		"session_id", b.sessionID,
		"message_id", m.ID,
	)
	m.StreamingState = domain.StreamingComplete
	m.Interrupted = true
	m.UpdatedAt = time.Now()
}

func (b *Buffer) lastLocked() *domain.Message {
	if len(b.messages) == 0 {
		return nil
	}
	return b.messages[len(b.messages)-1]
}

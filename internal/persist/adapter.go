// Package persist is the write policy between the conversation core and the
// durable store. Session metadata is written through, activity touches are
// coalesced, and streaming content is flushed on finalize and periodically
// while in progress.
package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/store"
)

const (
	DefaultTouchWindow   = 2 * time.Second
	DefaultFlushInterval = 5 * time.Second

	retryDelay   = 50 * time.Millisecond
	writeTimeout = 5 * time.Second
)

// MessageSource exposes the in-progress message of a session buffer.
type MessageSource interface {
	InProgress() (domain.Message, bool)
	Version() uint64
}

// Options configures an Adapter.
type Options struct {
	TouchWindow   time.Duration
	FlushInterval time.Duration
	Logger        *slog.Logger
	// OnWarning receives every write that failed after its retry.
	OnWarning func(*WriteError)
}

// Adapter wraps a store.Repository with the flush policy.
type Adapter struct {
	repo          store.Repository
	logger        *slog.Logger
	touchWindow   time.Duration
	flushInterval time.Duration
	onWarning     func(*WriteError)

	locks *keyedMutex

	mu      sync.Mutex
	touches map[string]*pendingTouch
	watched map[string]*watchEntry
	deleted map[string]struct{}
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingTouch struct {
	at        time.Time
	dirty     bool
	lastWrite time.Time
	timer     *time.Timer
}

type watchEntry struct {
	src         MessageSource
	lastVersion uint64
}

// New creates an adapter and starts its periodic flush loop.
func New(repo store.Repository, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TouchWindow <= 0 {
		opts.TouchWindow = DefaultTouchWindow
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		repo:          repo,
		logger:        opts.Logger,
		touchWindow:   opts.TouchWindow,
		flushInterval: opts.FlushInterval,
		onWarning:     opts.OnWarning,
		locks:         newKeyedMutex(),
		touches:       make(map[string]*pendingTouch),
		watched:       make(map[string]*watchEntry),
		deleted:       make(map[string]struct{}),
		cancel:        cancel,
	}

	a.wg.Add(1)
	go a.flushLoop(ctx)
	return a
}

// SaveSession writes session metadata synchronously. Saving a session that
// was deleted earlier makes it writable again.
func (a *Adapter) SaveSession(ctx context.Context, session *domain.Session) error {
	unlock := a.locks.Lock(session.ID)
	defer unlock()

	a.mu.Lock()
	delete(a.deleted, session.ID)
	a.mu.Unlock()

	return a.write(ctx, "save session", session.ID, func(ctx context.Context) error {
		return a.repo.PutSession(ctx, session)
	})
}

// DeleteSession removes a session and all of its messages synchronously and
// drops any pending write-behind work for it. Later message writes, touches
// and watches for the session are ignored until it is saved again.
func (a *Adapter) DeleteSession(ctx context.Context, sessionID string) error {
	unlock := a.locks.Lock(sessionID)
	defer unlock()

	a.mu.Lock()
	a.deleted[sessionID] = struct{}{}
	if t, ok := a.touches[sessionID]; ok {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(a.touches, sessionID)
	}
	delete(a.watched, sessionID)
	a.mu.Unlock()

	msgErr := a.write(ctx, "delete messages", sessionID, func(ctx context.Context) error {
		return a.repo.DeleteMessages(ctx, sessionID)
	})
	sessErr := a.write(ctx, "delete session", sessionID, func(ctx context.Context) error {
		return a.repo.DeleteSession(ctx, sessionID)
	})
	return errors.Join(msgErr, sessErr)
}

// SaveMessage writes one message synchronously. Messages of deleted
// sessions are dropped.
func (a *Adapter) SaveMessage(ctx context.Context, msg domain.Message) error {
	unlock := a.locks.Lock(msg.SessionID)
	defer unlock()

	if a.isDeleted(msg.SessionID) {
		a.logger.Debug("Message of deleted session not saved", "session_id", msg.SessionID, "message_id", msg.ID)
		return nil
	}

	err := a.write(ctx, "save message", msg.SessionID, func(ctx context.Context) error {
		return a.repo.PutMessage(ctx, msg.SessionID, &msg)
	})
	if err == nil && !msg.IsComplete() {
		a.markFlushed(msg.SessionID)
	}
	return err
}

// TouchSession records activity. Writes are coalesced to at most one per
// session per touch window; the latest timestamp wins.
func (a *Adapter) TouchSession(sessionID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if _, gone := a.deleted[sessionID]; gone {
		return
	}

	t, ok := a.touches[sessionID]
	if !ok {
		t = &pendingTouch{}
		a.touches[sessionID] = t
	}
	if at.After(t.at) {
		t.at = at
	}
	t.dirty = true
	if t.timer != nil {
		return
	}

	delay := time.Until(t.lastWrite.Add(a.touchWindow))
	if delay < 0 {
		delay = 0
	}
	t.timer = time.AfterFunc(delay, func() { a.writeTouch(sessionID) })
}

func (a *Adapter) writeTouch(sessionID string) {
	unlock := a.locks.Lock(sessionID)
	defer unlock()

	a.mu.Lock()
	t, ok := a.touches[sessionID]
	if !ok || !t.dirty {
		if ok {
			t.timer = nil
		}
		a.mu.Unlock()
		return
	}
	at := t.at
	t.dirty = false
	t.timer = nil
	t.lastWrite = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = a.write(ctx, "touch session", sessionID, func(ctx context.Context) error {
		return a.repo.TouchSession(ctx, sessionID, at)
	})
}

// Watch registers a buffer whose in-progress message is flushed every flush
// interval while it keeps changing.
func (a *Adapter) Watch(sessionID string, src MessageSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if _, gone := a.deleted[sessionID]; gone {
		return
	}
	a.watched[sessionID] = &watchEntry{src: src}
}

func (a *Adapter) isDeleted(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, gone := a.deleted[sessionID]
	return gone
}

// Unwatch stops periodic flushing for a session.
func (a *Adapter) Unwatch(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.watched, sessionID)
}

// FlushInProgress writes the in-progress message of a watched session now.
func (a *Adapter) FlushInProgress(ctx context.Context, sessionID string) error {
	unlock := a.locks.Lock(sessionID)
	defer unlock()
	return a.flushLocked(ctx, sessionID, true)
}

func (a *Adapter) markFlushed(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.watched[sessionID]; ok {
		w.lastVersion = w.src.Version()
	}
}

// flushLocked must be called with the session lock held.
func (a *Adapter) flushLocked(ctx context.Context, sessionID string, force bool) error {
	a.mu.Lock()
	w, ok := a.watched[sessionID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	version := w.src.Version()
	if !force && version == w.lastVersion {
		a.mu.Unlock()
		return nil
	}
	msg, inProgress := w.src.InProgress()
	a.mu.Unlock()
	if !inProgress {
		return nil
	}

	if err := a.write(ctx, "flush in-progress message", sessionID, func(ctx context.Context) error {
		return a.repo.PutMessage(ctx, sessionID, &msg)
	}); err != nil {
		return err
	}

	a.mu.Lock()
	if w, ok := a.watched[sessionID]; ok {
		w.lastVersion = version
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) flushLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flushAll(ctx, false)
		}
	}
}

func (a *Adapter) flushAll(ctx context.Context, force bool) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.watched))
	for id := range a.watched {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		unlock := a.locks.Lock(id)
		if err := a.flushLocked(ctx, id, force); err != nil {
			a.logger.Debug("Periodic flush failed", "session_id", id, "error", err)
		}
		unlock()
	}
}

// LoadResult is the persisted state read at start-up.
type LoadResult struct {
	Sessions []*domain.Session
	Messages map[string][]domain.Message
	// Interrupted lists messages that were still in progress when the
	// previous process stopped.
	Interrupted []domain.Message
}

// Load reads every session with its messages and reports interrupted ones.
func (a *Adapter) Load(ctx context.Context) (*LoadResult, error) {
	sessions, err := a.repo.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	res := &LoadResult{
		Sessions: sessions,
		Messages: make(map[string][]domain.Message, len(sessions)),
	}
	for _, s := range sessions {
		msgs, err := a.repo.ListMessages(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		res.Messages[s.ID] = msgs
		for _, m := range msgs {
			if !m.IsComplete() {
				res.Interrupted = append(res.Interrupted, m)
			}
		}
	}
	if len(res.Interrupted) > 0 {
		a.logger.Info("Found interrupted messages", "count", len(res.Interrupted))
	}
	return res, nil
}

// Close flushes pending touches and in-progress messages, then stops the
// flush loop. Pending work is bounded by ctx.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	pending := make([]string, 0, len(a.touches))
	for id, t := range a.touches {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		if t.dirty {
			pending = append(pending, id)
		}
	}
	a.mu.Unlock()

	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		for _, id := range pending {
			a.writeTouch(id)
		}
		a.flushAll(ctx, true)
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("Persistence adapter closed", "touches_flushed", len(pending))
		return nil
	case <-ctx.Done():
		a.logger.Warn("Persistence adapter close timed out")
		return ctx.Err()
	}
}

// write runs op, retries once, and reports a final failure as a warning.
func (a *Adapter) write(ctx context.Context, op, sessionID string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	a.logger.Warn("Durable store write failed, retrying", "op", op, "session_id", sessionID, "error", err)

	select {
	case <-ctx.Done():
	case <-time.After(retryDelay):
		if err = fn(ctx); err == nil {
			return nil
		}
	}

	werr := &WriteError{Op: op, SessionID: sessionID, Err: err}
	a.logger.Warn("Durable store write failed after retry", "op", op, "session_id", sessionID, "error", err)
	if a.onWarning != nil {
		a.onWarning(werr)
	}
	return werr
}

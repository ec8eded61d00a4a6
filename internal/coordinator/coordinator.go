// Package coordinator is the single entry point of the conversation core.
// It owns the session registry, one buffer and at most one stream
// connection per session, the foreground/background split, and the
// aggregate status the presentation layer renders.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/backend"
	"github.com/ashureev/shsh-chat/internal/buffer"
	"github.com/ashureev/shsh-chat/internal/connection"
	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/persist"
	"github.com/ashureev/shsh-chat/internal/registry"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSubscriberBuffer = 64
	defaultShutdownTimeout  = 10 * time.Second
)

// Conn is the coordinator's view of a stream connection.
type Conn interface {
	Open(query, workingDirectory string) error
	Cancel()
	Suspend()
	Resume()
	State() domain.ConnectionState
	Err() error
	Done() <-chan struct{}
}

// ConnFactory builds the connection for one query on one session.
type ConnFactory func(sessionID string, buf *buffer.Buffer, obs connection.Observer) Conn

// Transcript receives every sealed message.
type Transcript interface {
	Record(sessionID string, msg domain.Message)
}

// Options configures a Coordinator.
type Options struct {
	// MaxConcurrentStreams caps simultaneously open connections. Zero uses
	// the registry's session ceiling.
	MaxConcurrentStreams int
	Connection           connection.Config
	Health               connection.HealthChecker
	Transcript           Transcript
	// NewConnection overrides how connections are built.
	NewConnection ConnFactory

	IdleTimeout      time.Duration
	CleanupInterval  time.Duration
	SubscriberBuffer int
	Logger           *slog.Logger
}

// Coordinator orchestrates sessions and their connections.
type Coordinator struct {
	svc      backend.Service
	registry *registry.Registry
	persist  *persist.Adapter
	opts     Options
	logger   *slog.Logger

	mu          sync.Mutex
	buffers     map[string]*buffer.Buffer
	conns       map[string]Conn
	suspended   map[string]bool
	interrupted map[string]domain.Message
	activeID    string
	attempted   bool
	background  bool

	// membershipMu orders Create, Delete and reconcile, which each pair a
	// backend call with a registry change.
	membershipMu sync.Mutex
	refresh      singleflight.Group

	subMu   sync.RWMutex
	subs    map[chan Event]struct{}
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a coordinator. Call Start before use.
func New(svc backend.Service, reg *registry.Registry, adapter *persist.Adapter, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrentStreams <= 0 {
		opts.MaxConcurrentStreams = reg.Limit()
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		svc:         svc,
		registry:    reg,
		persist:     adapter,
		opts:        opts,
		logger:      opts.Logger,
		buffers:     make(map[string]*buffer.Buffer),
		conns:       make(map[string]Conn),
		suspended:   make(map[string]bool),
		interrupted: make(map[string]domain.Message),
		subs:        make(map[chan Event]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	if c.opts.NewConnection == nil {
		c.opts.NewConnection = c.defaultConnection
	}
	reg.OnDelete(c.dropSession)
	return c
}

func (c *Coordinator) defaultConnection(sessionID string, buf *buffer.Buffer, obs connection.Observer) Conn {
	return connection.New(sessionID, connection.Deps{
		Service:   c.svc,
		Buffer:    buf,
		Persister: c.persist,
		Health:    c.opts.Health,
		Observer:  obs,
		Logger:    c.logger,
	}, c.opts.Connection)
}

// Start restores sessions and messages from durable storage and starts the
// idle cleanup worker. Messages still in progress on disk are reported
// through Interrupted.
func (c *Coordinator) Start(ctx context.Context) error {
	res, err := c.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("load persisted sessions: %w", err)
	}
	c.registry.Load(res.Sessions)

	c.mu.Lock()
	for _, s := range res.Sessions {
		buf := c.bufferLocked(s.ID)
		buf.Restore(res.Messages[s.ID])
	}
	var sealed []domain.Message
	for _, m := range res.Interrupted {
		buf, ok := c.buffers[m.SessionID]
		if !ok {
			continue
		}
		cur, ok := buf.Get(m.ID)
		if !ok {
			continue
		}
		if cur.IsComplete() {
			sealed = append(sealed, cur)
			continue
		}
		c.interrupted[cur.ID] = cur
	}
	interrupted := len(c.interrupted)
	c.mu.Unlock()

	for _, m := range sealed {
		if err := c.persist.SaveMessage(ctx, m); err != nil {
			c.logger.Warn("Failed to persist sealed message", "session_id", m.SessionID, "message_id", m.ID, "error", err)
		}
	}

	if c.opts.IdleTimeout > 0 {
		c.startCleanupWorker()
	}

	c.logger.Info("Coordinator started",
		"sessions", len(res.Sessions),
		"interrupted", interrupted,
		"max_streams", c.opts.MaxConcurrentStreams,
	)
	c.publishState()
	return nil
}

// bufferLocked returns the session buffer, creating and watching it on
// first use. c.mu must be held.
func (c *Coordinator) bufferLocked(sessionID string) *buffer.Buffer {
	buf, ok := c.buffers[sessionID]
	if !ok {
		buf = buffer.New(sessionID, c.logger)
		c.buffers[sessionID] = buf
		c.persist.Watch(sessionID, buf)
	}
	return buf
}

// liveBufferLocked is bufferLocked for sessions still in the registry. A
// session deleted since the caller looked it up gets no new buffer, so
// nothing is watched or flushed for it again. c.mu must be held.
func (c *Coordinator) liveBufferLocked(sessionID string) (*buffer.Buffer, error) {
	if _, ok := c.registry.Get(sessionID); !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return c.bufferLocked(sessionID), nil
}

// Create registers a session with the backend and locally.
func (c *Coordinator) Create(ctx context.Context, name, workingDirectory string) (*domain.Session, error) {
	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()

	if err := c.registry.CheckCapacity(); err != nil {
		return nil, err
	}
	remote, err := c.svc.CreateSession(ctx, name, workingDirectory)
	if err != nil {
		return nil, fmt.Errorf("create remote session: %w", err)
	}
	if remote.Name != "" {
		name = remote.Name
	}
	if remote.WorkingDirectory != "" {
		workingDirectory = remote.WorkingDirectory
	}

	session, err := c.registry.Create(ctx, remote.ID, name, workingDirectory)
	if err != nil {
		if delErr := c.svc.DeleteSession(ctx, remote.ID); delErr != nil {
			c.logger.Warn("Failed to roll back remote session", "session_id", remote.ID, "error", delErr)
		}
		return nil, err
	}

	c.mu.Lock()
	c.bufferLocked(session.ID)
	c.mu.Unlock()

	c.publishState()
	return session, nil
}

// Delete removes a session everywhere. Any open connection is cancelled and
// persisted messages are removed.
func (c *Coordinator) Delete(ctx context.Context, sessionID string) error {
	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()

	if _, ok := c.registry.Get(sessionID); !ok {
		c.refreshAsync()
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if err := c.svc.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete remote session: %w", err)
	}
	if err := c.registry.Delete(ctx, sessionID); err != nil {
		return err
	}
	c.publishState()
	return nil
}

// dropSession forgets all in-memory state of a deleted session.
func (c *Coordinator) dropSession(sessionID string) {
	c.mu.Lock()
	conn := c.conns[sessionID]
	delete(c.conns, sessionID)
	delete(c.buffers, sessionID)
	delete(c.suspended, sessionID)
	for id, m := range c.interrupted {
		if m.SessionID == sessionID {
			delete(c.interrupted, id)
		}
	}
	if c.activeID == sessionID {
		c.activeID = ""
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Cancel()
	}
	c.persist.Unwatch(sessionID)
}

// Activate makes a session the foreground session. Other sessions keep
// streaming.
func (c *Coordinator) Activate(sessionID string) error {
	if err := c.registry.Touch(sessionID); err != nil {
		c.refreshAsync()
		return err
	}
	c.mu.Lock()
	prev := c.activeID
	c.activeID = sessionID
	c.mu.Unlock()

	if prev != sessionID {
		c.logger.Info("Session activated", "session_id", sessionID, "previous", prev)
	}
	c.publishState()
	return nil
}

// Deactivate moves a session to the background. Its stream keeps running.
func (c *Coordinator) Deactivate(sessionID string) error {
	if _, ok := c.registry.Get(sessionID); !ok {
		c.refreshAsync()
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	c.mu.Lock()
	if c.activeID == sessionID {
		c.activeID = ""
	}
	c.mu.Unlock()
	c.publishState()
	return nil
}

// Sessions lists sessions, most recently active first.
func (c *Coordinator) Sessions() []*domain.Session {
	return c.registry.List()
}

// Session returns one session.
func (c *Coordinator) Session(sessionID string) (*domain.Session, error) {
	s, ok := c.registry.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return s, nil
}

// Rename changes a session's display name. A name the backend reports on a
// later refresh takes precedence.
func (c *Coordinator) Rename(ctx context.Context, sessionID, name string) (*domain.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("session name is empty: %w", domain.ErrInvalidArgument)
	}
	if err := c.registry.Update(ctx, sessionID, func(s *domain.Session) {
		s.Name = name
	}); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.refreshAsync()
		}
		return nil, err
	}
	c.logger.Info("Session renamed", "session_id", sessionID, "name", name)
	c.publishState()
	return c.Session(sessionID)
}

// Conversation returns an ordered copy of a session's messages.
func (c *Coordinator) Conversation(sessionID string) ([]domain.Message, error) {
	if _, ok := c.registry.Get(sessionID); !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	c.mu.Lock()
	buf, err := c.liveBufferLocked(sessionID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return buf.Snapshot(), nil
}

// Shutdown cancels every connection, stops background workers and closes
// subscriber channels. Connections are cancelled in parallel and the whole
// call is bounded by ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}
	c.cancel()

	c.mu.Lock()
	conns := make([]Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, conn := range conns {
			wg.Add(1)
			go func(conn Conn) {
				defer wg.Done()
				conn.Cancel()
			}(conn)
		}
		wg.Wait()
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("coordinator shutdown: %w", ctx.Err())
	}

	c.subMu.Lock()
	c.stopped = true
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
	c.subMu.Unlock()

	c.logger.Info("Coordinator stopped", "connections", len(conns))
	return err
}

// Package connection runs the response stream of one session: connect,
// decode, assemble into the session buffer, and recover from dropped
// transports with exponential backoff.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/backend"
	"github.com/ashureev/shsh-chat/internal/buffer"
	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/stream"
	"google.golang.org/grpc/backoff"
)

var errNotIdle = errors.New("connection already opened")

// Observer receives connection events. Calls come from the connection's own
// goroutine and must not block.
type Observer interface {
	StateChanged(sessionID string, from, to domain.ConnectionState, err error)
	MessageUpdated(sessionID string, msg domain.Message)
}

// Persister is the subset of the persistence adapter a connection writes to.
type Persister interface {
	SaveMessage(ctx context.Context, msg domain.Message) error
	FlushInProgress(ctx context.Context, sessionID string) error
}

// HealthChecker tells a backend outage apart from a session failure.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Config tunes a connection.
type Config struct {
	Backoff        backoff.Config
	MaxRetries     int
	MalformedLimit int
	CancelTimeout  time.Duration
	// Jitter source in [0,1). Nil uses math/rand.
	Rand func() float64
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		Backoff:        DefaultBackoff,
		MaxRetries:     5,
		MalformedLimit: 3,
		CancelTimeout:  5 * time.Second,
	}
}

// Deps are the collaborators of a connection.
type Deps struct {
	Service   backend.Service
	Buffer    *buffer.Buffer
	Persister Persister
	Health    HealthChecker
	Observer  Observer
	Logger    *slog.Logger
}

// Connection owns at most one network stream for one session at a time.
type Connection struct {
	sessionID string
	deps      Deps
	cfg       Config
	logger    *slog.Logger

	mu        sync.Mutex
	state     domain.ConnectionState
	err       error
	cancelled bool
	suspended bool
	resumed   chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}

	// Owned by the run goroutine.
	req        backend.StreamRequest
	messageID  string
	lastSeq    int64
	retries    int
	malformed  int
	reconnects int
}

// New creates an idle connection for sessionID.
func New(sessionID string, deps Deps, cfg Config) *Connection {
	def := DefaultConfig()
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MalformedLimit <= 0 {
		cfg.MalformedLimit = def.MalformedLimit
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = def.CancelTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	resumed := make(chan struct{})
	close(resumed)
	return &Connection{
		sessionID: sessionID,
		deps:      deps,
		cfg:       cfg,
		logger:    deps.Logger.With("session_id", sessionID),
		state:     domain.StateIdle,
		resumed:   resumed,
		done:      make(chan struct{}),
	}
}

// SessionID returns the session this connection serves.
func (c *Connection) SessionID() string { return c.sessionID }

// State returns the current state.
func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the cause of a Failed state.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the run goroutine has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Suspended reports whether the connection is suspended.
func (c *Connection) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// Open sends query and starts streaming. It returns as soon as the
// connection is Connecting; all network work happens asynchronously.
func (c *Connection) Open(query, workingDirectory string) error {
	c.mu.Lock()
	if c.state != domain.StateIdle || c.cancelled {
		c.mu.Unlock()
		return errNotIdle
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.req = backend.StreamRequest{Query: query, WorkingDirectory: workingDirectory}
	c.mu.Unlock()

	c.transition(domain.StateConnecting, nil)
	go c.run(ctx)
	return nil
}

// Cancel stops the connection cooperatively and waits for the run goroutine
// for at most the cancel timeout. Partial content stays in progress in the
// buffer and is flushed.
func (c *Connection) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	cancel := c.cancel
	from := c.state
	started := cancel != nil
	c.mu.Unlock()

	if started {
		cancel()
		select {
		case <-c.done:
		case <-time.After(c.cfg.CancelTimeout):
			c.logger.Warn("Connection did not stop within cancel timeout", "timeout", c.cfg.CancelTimeout)
		}
	} else {
		close(c.done)
	}

	c.mu.Lock()
	from = c.state
	if !from.Terminal() {
		c.state = domain.StateClosed
	}
	c.mu.Unlock()
	if !from.Terminal() {
		c.notifyState(from, domain.StateClosed, nil)
	}

	if c.deps.Persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelTimeout)
		defer cancel()
		if err := c.deps.Persister.FlushInProgress(ctx, c.sessionID); err != nil {
			c.logger.Warn("Failed to flush partial message on cancel", "error", err)
		}
	}
	c.logger.Info("Connection cancelled", "from", from.String())
}

// Suspend pauses reading and reconnecting until Resume. The in-progress
// message is flushed so a killed process keeps the partial text.
func (c *Connection) Suspend() {
	c.mu.Lock()
	if c.suspended || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.suspended = true
	c.resumed = make(chan struct{})
	c.mu.Unlock()

	if c.deps.Persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelTimeout)
		defer cancel()
		if err := c.deps.Persister.FlushInProgress(ctx, c.sessionID); err != nil {
			c.logger.Warn("Failed to flush partial message on suspend", "error", err)
		}
	}
	c.logger.Info("Connection suspended", "state", c.State().String())
}

// Resume continues a suspended connection. If the transport died while
// suspended, the next read fails and the connection moves to Reconnecting.
func (c *Connection) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.suspended {
		return
	}
	c.suspended = false
	close(c.resumed)
	c.logger.Info("Connection resumed", "state", c.state.String())
}

// waitResumed blocks while suspended. It returns false when ctx ends.
func (c *Connection) waitResumed(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.resumed
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// transition moves to a new state unless the connection was cancelled or
// already reached a terminal state.
func (c *Connection) transition(to domain.ConnectionState, err error) bool {
	c.mu.Lock()
	if c.cancelled || c.state.Terminal() || c.state == to {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = to
	if to == domain.StateFailed {
		c.err = err
	}
	c.mu.Unlock()

	if to == domain.StateFailed {
		c.logger.Warn("Connection failed", "from", from.String(), "error", err)
	} else {
		c.logger.Debug("Connection state changed", "from", from.String(), "to", to.String())
	}
	c.notifyState(from, to, err)
	return true
}

func (c *Connection) notifyState(from, to domain.ConnectionState, err error) {
	if c.deps.Observer != nil {
		c.deps.Observer.StateChanged(c.sessionID, from, to, err)
	}
}

func (c *Connection) notifyMessage(id string) {
	if c.deps.Observer == nil {
		return
	}
	if msg, ok := c.deps.Buffer.Get(id); ok {
		c.deps.Observer.MessageUpdated(c.sessionID, msg)
	}
}

// outcome is how one stream attempt ended.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeDropped
	outcomeFailed
	outcomeCancelled
)

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	reconnecting := false
	for {
		if !c.waitResumed(ctx) {
			return
		}

		if reconnecting {
			c.transition(domain.StateConnecting, nil)
		}
		req := c.req
		if reconnecting {
			req.LastEventID = c.lastSeq
		}

		st, err := c.deps.Service.OpenStream(ctx, c.sessionID, req)
		if ctx.Err() != nil {
			if st != nil {
				_ = st.Close()
			}
			return
		}
		if err != nil {
			if !reconnecting || errors.Is(err, domain.ErrNotFound) {
				c.fail(fmt.Errorf("%w: %w", domain.ErrConnectFailed, err))
				return
			}
			c.logger.Warn("Reconnect attempt failed", "attempt", c.retries+1, "error", err)
			if !c.backoff(ctx) {
				return
			}
			continue
		}

		if reconnecting {
			c.reconnects++
			c.applyResumeDecision(st.Resumed())
		}

		result, cause := c.consume(ctx, st)
		if closeErr := st.Close(); closeErr != nil {
			c.logger.Debug("Stream close error", "error", closeErr)
		}

		switch result {
		case outcomeDone, outcomeCancelled:
			return
		case outcomeFailed:
			c.fail(cause)
			return
		case outcomeDropped:
			c.logger.Warn("Stream dropped", "error", cause, "last_seq", c.lastSeq)
			reconnecting = true
			if !c.backoff(ctx) {
				return
			}
		}
	}
}

// backoff moves to Reconnecting, waits the backoff delay, and checks backend
// health. It returns false when the connection should stop.
func (c *Connection) backoff(ctx context.Context) bool {
	for {
		if c.retries >= c.cfg.MaxRetries {
			c.fail(fmt.Errorf("%w after %d attempts", domain.ErrRetriesExhausted, c.retries))
			return false
		}
		c.transition(domain.StateReconnecting, nil)

		wait := delay(c.cfg.Backoff, c.retries, c.cfg.Rand)
		c.retries++
		c.logger.Info("Reconnecting after backoff", "attempt", c.retries, "delay", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if !c.waitResumed(ctx) {
			return false
		}

		if c.deps.Health == nil {
			return true
		}
		if err := c.deps.Health.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}
			c.logger.Warn("Backend unhealthy, postponing reconnect", "attempt", c.retries, "error", err)
			continue
		}
		return true
	}
}

// applyResumeDecision handles a reconnect response. A fresh response
// supersedes the partial message and restarts deduplication.
func (c *Connection) applyResumeDecision(resumed bool) {
	if resumed {
		c.logger.Info("Backend resumed stream", "last_seq", c.lastSeq)
		return
	}
	if c.messageID != "" {
		if msg, ok := c.deps.Buffer.Get(c.messageID); ok && !msg.IsComplete() {
			if err := c.deps.Buffer.Supersede(c.messageID); err == nil {
				c.persistMessage(c.messageID)
				c.notifyMessage(c.messageID)
			}
			c.logger.Info("Backend restarted response, superseding partial message",
				"message_id", c.messageID,
				"content_len", len(msg.Content),
			)
		}
	}
	c.messageID = ""
	c.lastSeq = 0
}

func (c *Connection) consume(ctx context.Context, st backend.Stream) (outcome, error) {
	for {
		if !c.waitResumed(ctx) {
			return outcomeCancelled, nil
		}

		f, err := st.Next()
		if ctx.Err() != nil {
			return outcomeCancelled, nil
		}
		if err != nil {
			var perr *stream.ProtocolError
			switch {
			case errors.As(err, &perr):
				c.malformed++
				c.logger.Warn("Dropping malformed fragment", "error", err, "consecutive", c.malformed)
				if c.malformed >= c.cfg.MalformedLimit {
					c.sealPartial()
					return outcomeFailed, fmt.Errorf("%d consecutive malformed fragments: %w", c.malformed, err)
				}
				continue
			case errors.Is(err, io.EOF):
				c.logger.Info("Stream ended without completion event")
				c.finish()
				return outcomeDone, nil
			default:
				return outcomeDropped, err
			}
		}
		c.malformed = 0

		if f.Seq <= c.lastSeq {
			c.logger.Warn("Dropping duplicate fragment", "seq", f.Seq, "last_applied", c.lastSeq)
			continue
		}
		c.lastSeq = f.Seq
		c.retries = 0
		c.transition(domain.StateStreaming, nil)

		switch f.Kind {
		case stream.KindStart:
			c.logger.Debug("Stream started", "server_message_id", f.MessageID)
		case stream.KindPing:
		case stream.KindDelta:
			c.applyDelta(f)
		case stream.KindComplete:
			c.finish()
			return outcomeDone, nil
		case stream.KindError:
			c.sealPartial()
			return outcomeFailed, fmt.Errorf("%w: %s", domain.ErrRemote, f.Message)
		}
	}
}

func (c *Connection) applyDelta(f stream.Fragment) {
	if c.messageID == "" {
		c.messageID = c.deps.Buffer.BeginAssistantMessage().ID
	}
	if err := c.deps.Buffer.ApplyDelta(c.messageID, f.Text); err != nil {
		c.logger.Warn("Failed to apply delta", "seq", f.Seq, "error", err)
		return
	}
	c.notifyMessage(c.messageID)
}

// finish seals the in-flight message, persists it, and closes the connection.
func (c *Connection) finish() {
	if c.messageID != "" {
		if err := c.deps.Buffer.Finalize(c.messageID); err != nil {
			c.logger.Warn("Failed to finalize message", "message_id", c.messageID, "error", err)
		}
		c.persistMessage(c.messageID)
		c.notifyMessage(c.messageID)
	}
	c.logger.Info("Stream completed", "reconnects", c.reconnects, "last_seq", c.lastSeq)
	c.transition(domain.StateClosed, nil)
}

// sealPartial keeps partial content of a failed response as an interrupted message.
func (c *Connection) sealPartial() {
	if c.messageID == "" {
		return
	}
	if err := c.deps.Buffer.MarkInterrupted(c.messageID); err != nil {
		c.logger.Warn("Failed to seal partial message", "message_id", c.messageID, "error", err)
		return
	}
	c.persistMessage(c.messageID)
	c.notifyMessage(c.messageID)
}

func (c *Connection) fail(err error) {
	c.transition(domain.StateFailed, err)
}

func (c *Connection) persistMessage(id string) {
	if c.deps.Persister == nil {
		return
	}
	msg, ok := c.deps.Buffer.Get(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelTimeout)
	defer cancel()
	if err := c.deps.Persister.SaveMessage(ctx, msg); err != nil {
		c.logger.Warn("Failed to persist message", "message_id", id, "error", err)
	}
}

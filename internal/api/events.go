package api

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-chat/internal/coordinator"
	"github.com/ashureev/shsh-chat/internal/identity"
)

const (
	defaultReplaySize        = 100
	defaultKeepaliveInterval = 10 * time.Second
	defaultRetryDelay        = 5 * time.Second
	clientBuffer             = 64
	wsWriteTimeout           = 5 * time.Second
	wsPingInterval           = 30 * time.Second
)

// FeedConfig tunes the SSE and websocket feeds.
type FeedConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	AllowedOrigins    []string // websocket origin patterns; empty or "*" accepts any
}

func (c FeedConfig) withDefaults() FeedConfig {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaultKeepaliveInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// feedEvent is one numbered coordinator update, already encoded.
type feedEvent struct {
	ID   int64
	Data []byte
}

// replayQueue keeps the most recent events for clients reconnecting with
// Last-Event-ID.
type replayQueue struct {
	events  *list.List
	maxSize int
}

func newReplayQueue(maxSize int) *replayQueue {
	if maxSize <= 0 {
		maxSize = defaultReplaySize
	}
	return &replayQueue{events: list.New(), maxSize: maxSize}
}

func (q *replayQueue) push(ev feedEvent) {
	q.events.PushBack(ev)
	for q.events.Len() > q.maxSize {
		q.events.Remove(q.events.Front())
	}
}

func (q *replayQueue) since(afterID int64) []feedEvent {
	var missed []feedEvent
	for e := q.events.Front(); e != nil; e = e.Next() {
		ev := e.Value.(feedEvent)
		if ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Hub numbers coordinator events and fans them out to feed clients.
type Hub struct {
	mu      sync.Mutex
	clients map[chan feedEvent]struct{}
	replay  *replayQueue
	lastID  int64
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewHub creates a hub keeping replaySize events for replay.
func NewHub(replaySize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[chan feedEvent]struct{}),
		replay:  newReplayQueue(replaySize),
		logger:  logger,
	}
}

// Run forwards events until the channel closes or ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context, events <-chan coordinator.Event) {
	defer h.close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Publish(ev)
		}
	}
}

// Publish numbers ev, queues it for replay and delivers it to every client.
// Slow clients miss events rather than block the hub.
func (h *Hub) Publish(ev coordinator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal feed event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.lastID++
	fe := feedEvent{ID: h.lastID, Data: data}
	h.replay.push(fe)
	for ch := range h.clients {
		select {
		case ch <- fe:
		default:
			n := h.dropped.Add(1)
			h.logger.Warn("Feed client too slow, event dropped", "event_id", fe.ID, "dropped_total", n)
		}
	}
}

// subscribe registers a client and returns the events it missed after
// afterID. Registration and replay happen under one lock so nothing falls
// between them.
func (h *Hub) subscribe(afterID int64) (<-chan feedEvent, []feedEvent, func()) {
	ch := make(chan feedEvent, clientBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, nil, func() {}
	}
	h.clients[ch] = struct{}{}
	var missed []feedEvent
	if afterID > 0 {
		missed = h.replay.since(afterID)
	}
	h.mu.Unlock()

	return ch, missed, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// Clients returns the number of connected feed clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// LastID returns the id of the most recent event.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// HandleEvents streams coordinator updates as server-sent events. Clients
// reconnecting with Last-Event-ID receive the updates they missed, as far
// back as the replay queue reaches.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	clientID := identity.ClientIDFromContext(r.Context())
	afterID := lastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.feed.RetryDelay.Milliseconds()); err != nil {
		h.logger.Warn("Failed to write SSE retry header", "error", err, "client_id", clientID)
		return
	}

	events, missed, unsubscribe := h.hub.subscribe(afterID)
	defer unsubscribe()

	h.logger.Info("Event stream connected", "client_id", clientID, "last_event_id", afterID, "replayed", len(missed))
	defer h.logger.Info("Event stream closed", "client_id", clientID)

	for _, ev := range missed {
		if err := writeSSEWithID(w, ev.ID, "update", string(ev.Data)); err != nil {
			return
		}
	}
	connected := fmt.Sprintf(`{"status":"connected","last_event_id":%d}`, h.hub.LastID())
	if err := writeSSE(w, "connected", connected); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.feed.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEWithID(w, ev.ID, "update", string(ev.Data)); err != nil {
				h.logger.Debug("Failed to write SSE event", "error", err, "client_id", clientID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Debug("Failed to write SSE keepalive", "error", err, "client_id", clientID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	if len(h.feed.AllowedOrigins) == 0 || slices.Contains(h.feed.AllowedOrigins, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	// Origin patterns match on host.
	patterns := make([]string, 0, len(h.feed.AllowedOrigins))
	for _, o := range h.feed.AllowedOrigins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		patterns = append(patterns, o)
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

// HandleWebSocket carries the same updates as HandleEvents over a websocket.
// Each text message is one JSON-encoded event.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())

	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Warn("Failed to accept websocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "client_id", clientID)
		}
	}()

	// The feed is write-only; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := ws.CloseRead(r.Context())

	events, missed, unsubscribe := h.hub.subscribe(lastEventID(r))
	defer unsubscribe()

	h.logger.Info("Websocket feed connected", "client_id", clientID, "replayed", len(missed))

	for _, ev := range missed {
		if err := h.writeWS(ctx, ws, ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Websocket feed disconnected", "client_id", clientID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeWS(ctx, ws, ev); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					h.logger.Warn("Websocket write failed", "error", err, "client_id", clientID)
				}
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.Debug("Websocket ping failed", "error", err, "client_id", clientID)
				return
			}
		}
	}
}

func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, ev feedEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, ev.Data)
}

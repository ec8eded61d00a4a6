package coordinator

import (
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/persist"
)

// EventType identifies a coordinator update.
type EventType string

const (
	EventState      EventType = "state"
	EventMessage    EventType = "message"
	EventConnection EventType = "connection"
	EventWarning    EventType = "warning"
)

// Event is one update delivered to subscribers.
type Event struct {
	Type       EventType       `json:"type"`
	Timestamp  int64           `json:"timestamp"`
	SessionID  string          `json:"session_id,omitempty"`
	State      *State          `json:"state,omitempty"`
	Message    *domain.Message `json:"message,omitempty"`
	Connection string          `json:"connection_state,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Subscribe registers a subscriber. Events are dropped for subscribers
// whose channel is full. The returned function unsubscribes and may be
// called more than once.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, c.opts.SubscriberBuffer)

	c.subMu.Lock()
	if c.stopped {
		c.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (c *Coordinator) SubscriberCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subs)
}

func (c *Coordinator) publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	c.subMu.RLock()
	defer c.subMu.RUnlock()

	dropped := 0
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		c.logger.Warn("Dropped coordinator event for slow subscribers",
			"type", ev.Type,
			"session_id", ev.SessionID,
			"dropped", dropped,
			"subscribers", len(c.subs),
		)
	}
}

func (c *Coordinator) publishState() {
	st := c.State()
	c.publish(Event{Type: EventState, State: &st})
}

// PersistenceWarning surfaces a failed durable write to subscribers. It is
// meant as the persistence adapter's warning callback.
func (c *Coordinator) PersistenceWarning(err *persist.WriteError) {
	c.publish(Event{Type: EventWarning, SessionID: err.SessionID, Error: err.Error()})
}

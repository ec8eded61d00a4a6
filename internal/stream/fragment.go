// Package stream decodes the Conversation Service wire protocol into typed fragments.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/shsh-chat/internal/domain"
)

// Kind is the type of a decoded fragment.
type Kind string

const (
	KindStart    Kind = "start"
	KindDelta    Kind = "delta"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
	KindPing     Kind = "ping"
)

// Fragment is one decoded event of a response stream.
type Fragment struct {
	// Seq is the per-stream sequence number. It comes from the event id when the
	// server sends one and from arrival order otherwise.
	Seq  int64
	Kind Kind
	// Text is the content appended by a delta.
	Text string
	// Message is the server supplied reason of an error fragment.
	Message   string
	MessageID string
}

// ProtocolError reports a fragment that could not be decoded. The stream
// remains usable after a ProtocolError.
type ProtocolError struct {
	Seq    int64
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed fragment %d: %s: %v", e.Seq, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed fragment %d: %s", e.Seq, e.Reason)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{domain.ErrProtocol}
	}
	return []error{domain.ErrProtocol, e.Err}
}

// Decoder yields fragments in arrival order. Next returns io.EOF when the
// stream ended cleanly and a *ProtocolError for an undecodable fragment, after
// which Next may be called again. Any other error is a transport failure.
type Decoder interface {
	Next() (Fragment, error)
}

// wireEvent accepts both field vocabularies spoken by conversation backends:
// {type, text, message} and {chunk_type, content, error, message_id}.
type wireEvent struct {
	Type      string `json:"type"`
	ChunkType string `json:"chunk_type"`
	Text      string `json:"text"`
	Content   string `json:"content"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	MessageID string `json:"message_id"`
}

// DecodeEvent builds a fragment from an event name (may be empty) and its JSON
// payload. It is shared by every transport.
func DecodeEvent(seq int64, event string, data []byte) (Fragment, error) {
	var w wireEvent
	trimmed := strings.TrimSpace(string(data))
	if trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
			return Fragment{}, &ProtocolError{Seq: seq, Reason: "invalid json", Err: err}
		}
	}

	kind := event
	if kind == "" || kind == "message" {
		kind = w.Type
	}
	if kind == "" {
		kind = w.ChunkType
	}

	f := Fragment{Seq: seq, Kind: Kind(kind), MessageID: w.MessageID}
	switch f.Kind {
	case KindDelta:
		if trimmed == "" {
			return Fragment{}, &ProtocolError{Seq: seq, Reason: "delta without payload"}
		}
		f.Text = w.Text
		if f.Text == "" {
			f.Text = w.Content
		}
	case KindError:
		f.Message = w.Message
		if w.Error != "" && f.Message == "" {
			f.Message = w.Error
		}
		if f.Message == "" {
			f.Message = w.Content
		}
	case KindStart, KindComplete, KindPing:
	case "":
		return Fragment{}, &ProtocolError{Seq: seq, Reason: "missing event type"}
	default:
		return Fragment{}, &ProtocolError{Seq: seq, Reason: fmt.Sprintf("unexpected event type %q", kind)}
	}
	return f, nil
}

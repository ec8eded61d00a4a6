package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/stream"
)

func newTestClient(t *testing.T, h http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/claude", UserID: "anon_test", ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return c
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	t.Parallel()
	if _, err := NewHTTPClient(HTTPConfig{BaseURL: "ftp://example.com"}); err == nil {
		t.Fatal("expected error for non-http scheme")
	}
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/claude/sessions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get(UserHeader) != "anon_test" {
			t.Errorf("missing user header")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "A" || body["workingDirectory"] != "/src" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = io.WriteString(w, `{"session_id":"srv-1","status":"active","created_at":"2024-05-01T10:00:00.123456"}`)
	}))

	rs, err := c.CreateSession(context.Background(), "A", "/src")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if rs.ID != "srv-1" || rs.Name != "A" || rs.WorkingDirectory != "/src" {
		t.Fatalf("unexpected session %+v", rs)
	}
}

func TestListSessionsFollowsPagination(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("offset") {
		case "0":
			_, _ = io.WriteString(w, `{"sessions":[{"session_id":"a","session_name":"A","status":"ACTIVE","updated_at":"2024-05-01T10:00:00Z","message_count":2}],"has_more":true,"next_offset":1}`)
		case "1":
			_, _ = io.WriteString(w, `{"sessions":[{"sessionId":"b","name":"B","status":"paused","lastActiveAt":1714557600000,"messageCount":0}],"has_more":false}`)
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("offset"))
		}
	}))

	got, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sessions", len(got))
	}
	if got[0].ID != "a" || got[0].Name != "A" || got[0].Status != "active" || got[0].MessageCount != 2 {
		t.Errorf("unexpected first session %+v", got[0])
	}
	if !got[1].LastActiveAt.Equal(time.UnixMilli(1714557600000)) {
		t.Errorf("unexpected timestamp %v", got[1].LastActiveAt)
	}
}

func TestListSessionsBareArray(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"sessionId":"x","name":"X","status":"completed"}]`)
	}))
	got, err := c.ListSessions(context.Background())
	if err != nil || len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("got %+v %v", got, err)
	}
}

func TestDeleteSessionNotFound(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Session not found"}`)
	}))
	err := c.DeleteSession(context.Background(), "gone")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Body != "Session not found" {
		t.Fatalf("expected StatusError with body, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	var status atomic.Value
	status.Store("healthy")
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":%q}`, status.Load().(string))
	}))
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	status.Store("unhealthy")
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("expected unhealthy backend to fail health check")
	}
}

func TestOpenStreamSSE(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/claude/sessions/s%201/stream" && r.URL.Path != "/claude/sessions/s 1/stream" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Last-Event-ID") != "" {
			t.Errorf("first attempt should not send Last-Event-ID")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hi", " there"} {
			fmt.Fprintf(w, "event: delta\ndata: {\"content\":%q}\n\n", d)
		}
		_, _ = io.WriteString(w, "event: complete\ndata: {}\n\n")
	}))

	st, err := c.OpenStream(context.Background(), "s 1", StreamRequest{Query: "hello"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer func() { _ = st.Close() }()
	if st.Resumed() {
		t.Error("fresh stream reported as resumed")
	}

	var text strings.Builder
	for {
		f, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if f.Kind == stream.KindDelta {
			text.WriteString(f.Text)
		}
	}
	if text.String() != "Hi there" {
		t.Fatalf("text = %q", text.String())
	}
}

func TestOpenStreamResumeHandshake(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Last-Event-ID") == "2" {
			w.Header().Set(ResumedHeader, "true")
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"type":"complete"}`+"\n")
	}))

	st, err := c.OpenStream(context.Background(), "s1", StreamRequest{Query: "q", LastEventID: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = st.Close() }()
	if !st.Resumed() {
		t.Fatal("expected resumed stream")
	}
	f, err := st.Next()
	if err != nil || f.Kind != stream.KindComplete {
		t.Fatalf("got %+v %v", f, err)
	}
}

func TestOpenStreamConnectTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, ConnectTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.OpenStream(context.Background(), "s1", StreamRequest{Query: "q"})
	if !errors.Is(err, errConnectTimeout) {
		t.Fatalf("expected connect timeout, got %v", err)
	}
}

type countingHealth struct {
	Service
	calls atomic.Int32
}

func (c *countingHealth) Health(context.Context) error {
	c.calls.Add(1)
	return nil
}

func TestHealthCache(t *testing.T) {
	t.Parallel()

	svc := &countingHealth{}
	p := NewHealthCache(svc, time.Minute)
	for i := 0; i < 5; i++ {
		if err := p.Check(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := svc.calls.Load(); n != 1 {
		t.Fatalf("health calls = %d, want 1", n)
	}
	p.Invalidate()
	_ = p.Check(context.Background())
	if n := svc.calls.Load(); n != 2 {
		t.Fatalf("health calls = %d, want 2", n)
	}
}

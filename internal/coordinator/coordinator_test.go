package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/backend"
	"github.com/ashureev/shsh-chat/internal/connection"
	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/persist"
	"github.com/ashureev/shsh-chat/internal/registry"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/ashureev/shsh-chat/internal/stream"
	"google.golang.org/grpc/backoff"
)

type item struct {
	f   stream.Fragment
	err error
}

func delta(seq int64, text string) item {
	return item{f: stream.Fragment{Seq: seq, Kind: stream.KindDelta, Text: text}}
}

func complete(seq int64) item {
	return item{f: stream.Fragment{Seq: seq, Kind: stream.KindComplete}}
}

type fakeStream struct {
	ctx context.Context
	ch  chan item
}

func (s *fakeStream) Next() (stream.Fragment, error) {
	select {
	case it, ok := <-s.ch:
		if !ok {
			return stream.Fragment{}, io.EOF
		}
		return it.f, it.err
	case <-s.ctx.Done():
		return stream.Fragment{}, s.ctx.Err()
	}
}

func (s *fakeStream) Resumed() bool { return false }
func (s *fakeStream) Close() error  { return nil }

// fakeService hands every opened stream a feed channel the test writes to.
type fakeService struct {
	mu       sync.Mutex
	nextID   int
	remote   []backend.RemoteSession
	deleted  []string
	opens    map[string]int
	feeds    map[string]chan item
	openErr  error
	listErr  error
	listHits int

	// listGate, when set, holds the next ListSessions after it has taken
	// its snapshot until the gate is closed.
	listGate    chan struct{}
	listEntered chan struct{}
}

func newFakeService() *fakeService {
	return &fakeService{opens: make(map[string]int), feeds: make(map[string]chan item)}
}

func (f *fakeService) CreateSession(_ context.Context, name, wd string) (*backend.RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rs := backend.RemoteSession{ID: fmt.Sprintf("sess-%d", f.nextID), Name: name, WorkingDirectory: wd, Status: "active"}
	f.remote = append(f.remote, rs)
	return &rs, nil
}

func (f *fakeService) ListSessions(context.Context) ([]backend.RemoteSession, error) {
	f.mu.Lock()
	f.listHits++
	if f.listErr != nil {
		err := f.listErr
		f.mu.Unlock()
		return nil, err
	}
	out := append([]backend.RemoteSession(nil), f.remote...)
	gate, entered := f.listGate, f.listEntered
	f.listGate, f.listEntered = nil, nil
	f.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}
	return out, nil
}

func (f *fakeService) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	for i, rs := range f.remote {
		if rs.ID == id {
			f.remote = append(f.remote[:i], f.remote[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeService) OpenStream(ctx context.Context, sessionID string, _ backend.StreamRequest) (backend.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[sessionID]++
	if f.openErr != nil {
		return nil, f.openErr
	}
	ch := make(chan item, 16)
	f.feeds[sessionID] = ch
	return &fakeStream{ctx: ctx, ch: ch}, nil
}

func (f *fakeService) Health(context.Context) error { return nil }
func (f *fakeService) Close() error                { return nil }

func (f *fakeService) feed(t *testing.T, sessionID string) chan item {
	t.Helper()
	var ch chan item
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		ch = f.feeds[sessionID]
		return ch != nil
	})
	return ch
}

func (f *fakeService) openCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[sessionID]
}

type fakeTranscript struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (r *fakeTranscript) Record(_ string, m domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

type env struct {
	coord *Coordinator
	svc   *fakeService
	repo  *store.MemoryStore
	trans *fakeTranscript
}

func newEnv(t *testing.T, maxSessions, maxStreams int, repo *store.MemoryStore, opts ...func(*Options)) *env {
	t.Helper()
	if repo == nil {
		repo = store.NewMemory()
	}
	adapter := persist.New(repo, persist.Options{TouchWindow: 10 * time.Millisecond, FlushInterval: time.Hour})
	reg := registry.New(maxSessions, adapter, nil)
	svc := newFakeService()
	trans := &fakeTranscript{}
	o := Options{
		MaxConcurrentStreams: maxStreams,
		Transcript:           trans,
		Connection: connection.Config{
			Backoff:        backoff.Config{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
			MaxRetries:     2,
			MalformedLimit: 3,
			CancelTimeout:  time.Second,
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	coord := New(svc, reg, adapter, o)
	if err := coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		_ = adapter.Close(ctx)
	})
	return &env{coord: coord, svc: svc, repo: repo, trans: trans}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func (e *env) connState(id string) domain.ConnectionState {
	return e.coord.State().Connections[id]
}

func (e *env) assistantContent(t *testing.T, id string) string {
	t.Helper()
	msgs, err := e.coord.Conversation(id)
	if err != nil {
		t.Fatal(err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return msgs[i].Content
		}
	}
	return ""
}

func TestSendStreamsResponse(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	a, err := e.coord.Create(ctx, "A", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Send(ctx, a.ID, "hello"); err != nil {
		t.Fatal(err)
	}
	feed := e.svc.feed(t, a.ID)
	for i, text := range []string{"Hi", " there", "!"} {
		feed <- delta(int64(i+1), text)
	}
	feed <- complete(4)

	waitFor(t, func() bool { return e.connState(a.ID) == domain.StateClosed })
	msgs, _ := e.coord.Conversation(a.ID)
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "Hi there!" || !msgs[1].IsComplete() {
		t.Fatalf("unexpected conversation %+v", msgs)
	}
	if msgs[0].Sequence >= msgs[1].Sequence {
		t.Fatal("sequence order violated")
	}

	stored, err := e.repo.ListMessages(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 || stored[1].Content != "Hi there!" {
		t.Fatalf("messages not persisted: %+v", stored)
	}
	waitFor(t, func() bool {
		e.trans.mu.Lock()
		defer e.trans.mu.Unlock()
		return len(e.trans.msgs) == 2
	})
	s, _ := e.coord.Session(a.ID)
	if s.MessageCount != 2 {
		t.Fatalf("message count = %d", s.MessageCount)
	}
}

func TestCapacityThroughCoordinator(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 2, 0, nil)
	ctx := context.Background()

	a, err := e.coord.Create(ctx, "A", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Create(ctx, "B", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Create(ctx, "C", ""); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if err := e.coord.Delete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Create(ctx, "C", ""); err != nil {
		t.Fatalf("create after delete: %v", err)
	}
}

func TestSendWhileStreamingIsBusy(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "")
	if _, err := e.coord.Send(ctx, a.ID, "first"); err != nil {
		t.Fatal(err)
	}
	feed := e.svc.feed(t, a.ID)
	feed <- delta(1, "partial")
	waitFor(t, func() bool { return e.connState(a.ID) == domain.StateStreaming })

	if _, err := e.coord.Send(ctx, a.ID, "second"); !errors.Is(err, domain.ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	if n := e.svc.openCount(a.ID); n != 1 {
		t.Fatalf("opened %d streams", n)
	}
	msgs, _ := e.coord.Conversation(a.ID)
	if len(msgs) != 2 {
		t.Fatalf("rejected send changed the conversation: %+v", msgs)
	}
}

func TestActivateDoesNotDisturbBackgroundStream(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "")
	b, _ := e.coord.Create(ctx, "B", "")
	if err := e.coord.Activate(a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Send(ctx, a.ID, "qa"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Send(ctx, b.ID, "qb"); err != nil {
		t.Fatal(err)
	}
	feedA := e.svc.feed(t, a.ID)
	feedB := e.svc.feed(t, b.ID)

	feedA <- delta(1, "a1")
	waitFor(t, func() bool { return e.assistantContent(t, a.ID) == "a1" })

	if err := e.coord.Activate(b.ID); err != nil {
		t.Fatal(err)
	}
	feedA <- delta(2, " a2")
	feedB <- delta(1, "b1")
	feedA <- delta(3, " a3")
	feedA <- complete(4)
	feedB <- complete(2)

	waitFor(t, func() bool {
		return e.connState(a.ID) == domain.StateClosed && e.connState(b.ID) == domain.StateClosed
	})
	if got := e.assistantContent(t, a.ID); got != "a1 a2 a3" {
		t.Fatalf("background stream lost deltas: %q", got)
	}
	if got := e.assistantContent(t, b.ID); got != "b1" {
		t.Fatalf("foreground content = %q", got)
	}
	if st := e.coord.State(); st.ActiveSessionID != b.ID || st.Status != domain.StatusConnected {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestConcurrentStreamCeiling(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 1, nil)
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "")
	b, _ := e.coord.Create(ctx, "B", "")
	if _, err := e.coord.Send(ctx, a.ID, "q"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Send(ctx, b.ID, "q"); !errors.Is(err, domain.ErrTooManyConcurrentStreams) {
		t.Fatalf("expected ErrTooManyConcurrentStreams, got %v", err)
	}

	feed := e.svc.feed(t, a.ID)
	feed <- complete(1)
	waitFor(t, func() bool { return e.connState(a.ID) == domain.StateClosed })
	if _, err := e.coord.Send(ctx, b.ID, "q"); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	if _, err := e.coord.Send(ctx, "ghost", "q"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("send = %v", err)
	}
	if err := e.coord.Activate("ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("activate = %v", err)
	}
	if err := e.coord.Delete(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete = %v", err)
	}
	waitFor(t, func() bool {
		e.svc.mu.Lock()
		defer e.svc.mu.Unlock()
		return e.svc.listHits > 0
	})
}

func TestCancelKeepsPartialAndFreesSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "")
	_, _ = e.coord.Send(ctx, a.ID, "q")
	feed := e.svc.feed(t, a.ID)
	feed <- delta(1, "half")
	waitFor(t, func() bool { return e.assistantContent(t, a.ID) == "half" })

	if err := e.coord.Cancel(a.ID); err != nil {
		t.Fatal(err)
	}
	if st := e.connState(a.ID); st != domain.StateClosed {
		t.Fatalf("state = %s", st)
	}
	msgs, _ := e.coord.Conversation(a.ID)
	if last := msgs[len(msgs)-1]; last.StreamingState != domain.StreamingInProgress || last.Content != "half" {
		t.Fatalf("partial changed: %+v", last)
	}

	if _, err := e.coord.Send(ctx, a.ID, "again"); err != nil {
		t.Fatalf("send after cancel: %v", err)
	}
	msgs, _ = e.coord.Conversation(a.ID)
	if !msgs[1].Interrupted || !msgs[1].IsComplete() {
		t.Fatalf("dangling partial not sealed: %+v", msgs[1])
	}
	stored, _ := e.repo.ListMessages(ctx, a.ID)
	for _, m := range stored {
		if m.ID == msgs[1].ID && !m.Interrupted {
			t.Fatal("sealed partial not persisted")
		}
	}
}

func TestDeleteCancelsAndCascades(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "")
	_, _ = e.coord.Send(ctx, a.ID, "q")
	feed := e.svc.feed(t, a.ID)
	feed <- delta(1, "x")
	waitFor(t, func() bool { return e.assistantContent(t, a.ID) == "x" })

	if err := e.coord.Delete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Conversation(a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("conversation after delete = %v", err)
	}
	msgs, _ := e.repo.ListMessages(ctx, a.ID)
	if len(msgs) != 0 {
		t.Fatalf("messages survived delete: %+v", msgs)
	}
	if s, _ := e.repo.GetSession(ctx, a.ID); s != nil {
		t.Fatal("session survived delete")
	}
}

func TestDeletedSessionGetsNoNewBuffer(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "")
	if err := e.coord.Delete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	// A caller that looked the session up before the delete reaches the
	// buffer only after dropSession has run.
	e.coord.mu.Lock()
	_, err := e.coord.liveBufferLocked(a.ID)
	_, buffered := e.coord.buffers[a.ID]
	e.coord.mu.Unlock()
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("liveBufferLocked after delete = %v", err)
	}
	if buffered {
		t.Fatal("buffer re-created for deleted session")
	}

	if _, err := e.coord.Send(ctx, a.ID, "q"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("send after delete = %v", err)
	}
	if msgs, _ := e.repo.ListMessages(ctx, a.ID); len(msgs) != 0 {
		t.Fatalf("messages written for deleted session: %+v", msgs)
	}
}

func TestRename(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "/work")
	got, err := e.coord.Rename(ctx, a.ID, "  Renamed ")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Renamed" || got.WorkingDirectory != "/work" {
		t.Fatalf("renamed session = %+v", got)
	}
	stored, _ := e.repo.GetSession(ctx, a.ID)
	if stored == nil || stored.Name != "Renamed" {
		t.Fatalf("rename not written through: %+v", stored)
	}

	if _, err := e.coord.Rename(ctx, a.ID, "   "); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("blank rename = %v", err)
	}
	if _, err := e.coord.Rename(ctx, "nope", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown rename = %v", err)
	}
}

func TestFailedBackgroundSessionDegradesStatus(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "")
	b, _ := e.coord.Create(ctx, "B", "")
	_ = e.coord.Activate(a.ID)
	_, _ = e.coord.Send(ctx, a.ID, "q")
	feedA := e.svc.feed(t, a.ID)
	feedA <- complete(1)

	e.svc.mu.Lock()
	e.svc.openErr = errors.New("connection refused")
	e.svc.mu.Unlock()
	_, _ = e.coord.Send(ctx, b.ID, "q")

	waitFor(t, func() bool {
		return e.connState(a.ID) == domain.StateClosed && e.connState(b.ID) == domain.StateFailed
	})
	if st := e.coord.State(); st.Status != domain.StatusDegraded {
		t.Fatalf("status = %s", st.Status)
	}
	waitFor(t, func() bool {
		s, _ := e.coord.Session(b.ID)
		return s.Status == domain.SessionError
	})
	_ = e.coord.Activate(b.ID)
	if st := e.coord.State(); st.Status != domain.StatusError {
		t.Fatalf("status with failed active session = %s", st.Status)
	}
}

func TestStartSurfacesInterruptedMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := store.NewMemory()
	now := time.Now()
	_ = repo.PutSession(ctx, &domain.Session{ID: "s1", Name: "A", Status: domain.SessionActive, LastActiveAt: now, CreatedAt: now})
	_ = repo.PutMessage(ctx, "s1", &domain.Message{ID: "u1", SessionID: "s1", Role: domain.RoleUser, Content: "hello", Sequence: 1, StreamingState: domain.StreamingComplete})
	_ = repo.PutMessage(ctx, "s1", &domain.Message{ID: "a1", SessionID: "s1", Role: domain.RoleAssistant, Content: "Hi th", Sequence: 2, StreamingState: domain.StreamingInProgress})

	e := newEnv(t, 10, 0, repo)
	interrupted := e.coord.Interrupted()
	if len(interrupted) != 1 || interrupted[0].ID != "a1" {
		t.Fatalf("interrupted = %+v", interrupted)
	}
	if err := e.coord.ResolveInterrupted(ctx, "s1", "missing", false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("resolve unknown = %v", err)
	}
	if err := e.coord.ResolveInterrupted(ctx, "s1", "a1", false); err != nil {
		t.Fatal(err)
	}
	if len(e.coord.Interrupted()) != 0 {
		t.Fatal("message still listed as interrupted")
	}
	stored, _ := repo.ListMessages(ctx, "s1")
	if !stored[1].Interrupted || !stored[1].IsComplete() || stored[1].Content != "Hi th" {
		t.Fatalf("resolution not persisted: %+v", stored[1])
	}
}

func TestResolveInterruptedWithRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := store.NewMemory()
	now := time.Now()
	_ = repo.PutSession(ctx, &domain.Session{ID: "s1", Name: "A", Status: domain.SessionActive, LastActiveAt: now, CreatedAt: now})
	_ = repo.PutMessage(ctx, "s1", &domain.Message{ID: "u1", SessionID: "s1", Role: domain.RoleUser, Content: "hello", Sequence: 1, StreamingState: domain.StreamingComplete})
	_ = repo.PutMessage(ctx, "s1", &domain.Message{ID: "a1", SessionID: "s1", Role: domain.RoleAssistant, Content: "Hi th", Sequence: 2, StreamingState: domain.StreamingInProgress})

	e := newEnv(t, 10, 0, repo)
	if err := e.coord.ResolveInterrupted(ctx, "s1", "a1", true); err != nil {
		t.Fatal(err)
	}
	feed := e.svc.feed(t, "s1")
	feed <- delta(1, "Hi there!")
	feed <- complete(2)
	waitFor(t, func() bool { return e.connState("s1") == domain.StateClosed })

	msgs, _ := e.coord.Conversation("s1")
	if len(msgs) != 3 {
		t.Fatalf("expected user, superseded, new reply: %+v", msgs)
	}
	if !msgs[1].Superseded || msgs[2].Content != "Hi there!" {
		t.Fatalf("unexpected conversation %+v", msgs)
	}
}

func TestRefreshReconcilesWithBackend(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "")
	b, _ := e.coord.Create(ctx, "B", "")

	later := time.Now().Add(time.Hour)
	e.svc.mu.Lock()
	e.svc.remote = []backend.RemoteSession{
		{ID: a.ID, Name: "A renamed", Status: "completed", MessageCount: 7, LastActiveAt: later},
		{ID: "remote-only", Name: "R", Status: "active"},
	}
	e.svc.mu.Unlock()

	res, err := e.coord.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 || res.Updated != 1 || res.Removed != 1 {
		t.Fatalf("result = %+v", res)
	}
	got, err := e.coord.Session(a.ID)
	if err != nil || got.Name != "A renamed" || got.Status != domain.SessionCompleted || got.MessageCount != 7 {
		t.Fatalf("remote metadata not applied: %+v %v", got, err)
	}
	if _, err := e.coord.Session(b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("session unknown to backend survived refresh")
	}
	if _, err := e.coord.Session("remote-only"); err != nil {
		t.Fatal("remote session not imported")
	}
	if sessions := e.coord.Sessions(); sessions[0].ID != a.ID {
		t.Fatalf("most recent session not first: %+v", sessions)
	}
}

func TestRefreshKeepsSessionCreatedDuringList(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	gate, entered := make(chan struct{}), make(chan struct{})
	e.svc.mu.Lock()
	e.svc.listGate, e.svc.listEntered = gate, entered
	e.svc.mu.Unlock()

	type refreshed struct {
		res RefreshResult
		err error
	}
	refreshDone := make(chan refreshed, 1)
	go func() {
		res, err := e.coord.Refresh(ctx)
		refreshDone <- refreshed{res, err}
	}()
	<-entered

	created := make(chan *domain.Session, 1)
	go func() {
		s, err := e.coord.Create(ctx, "late", "")
		if err != nil {
			t.Errorf("create: %v", err)
		}
		created <- s
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	got := <-refreshDone
	if got.err != nil {
		t.Fatal(got.err)
	}
	if got.res.Removed != 0 {
		t.Fatalf("refresh removed %d sessions", got.res.Removed)
	}
	s := <-created
	if s == nil {
		t.FailNow()
	}
	if _, err := e.coord.Session(s.ID); err != nil {
		t.Fatalf("session created during refresh was dropped: %v", err)
	}
	if stored, _ := e.repo.GetSession(ctx, s.ID); stored == nil {
		t.Fatal("session created during refresh is not stored")
	}
}

func TestBackgroundSuspendsAndForegroundResumes(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "")
	_, _ = e.coord.Send(ctx, a.ID, "q")
	feed := e.svc.feed(t, a.ID)
	feed <- delta(1, "x")
	waitFor(t, func() bool { return e.assistantContent(t, a.ID) == "x" })

	e.coord.EnterBackground()
	if s, _ := e.coord.Session(a.ID); s.Status != domain.SessionPaused {
		t.Fatalf("status = %s", s.Status)
	}
	if st := e.coord.Stats(); st.Suspended != 1 || !st.Background {
		t.Fatalf("stats = %+v", st)
	}

	e.coord.EnterForeground()
	feed <- delta(2, "y")
	feed <- complete(3)
	waitFor(t, func() bool { return e.connState(a.ID) == domain.StateClosed })
	if got := e.assistantContent(t, a.ID); got != "xy" {
		t.Fatalf("content = %q", got)
	}
	if s, _ := e.coord.Session(a.ID); s.Status != domain.SessionActive {
		t.Fatalf("status after resume = %s", s.Status)
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ch, unsubscribe := e.coord.Subscribe()
	defer unsubscribe()

	a, _ := e.coord.Create(context.Background(), "A", "")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == EventState && ev.State != nil && len(ev.State.Sessions) == 1 && ev.State.Sessions[0].ID == a.ID {
				unsubscribe()
				unsubscribe()
				if n := e.coord.SubscriberCount(); n != 0 {
					t.Fatalf("subscribers = %d", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("no state event received")
		}
	}
}

func TestIdleCleanupReleasesFinishedConnections(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	e.coord.opts.IdleTimeout = time.Minute
	ctx := context.Background()

	a, _ := e.coord.Create(ctx, "A", "")
	b, _ := e.coord.Create(ctx, "B", "")
	_, _ = e.coord.Send(ctx, a.ID, "q")
	_, _ = e.coord.Send(ctx, b.ID, "q")
	e.svc.feed(t, a.ID) <- complete(1)
	feedB := e.svc.feed(t, b.ID)
	feedB <- delta(1, "still going")
	waitFor(t, func() bool {
		return e.connState(a.ID) == domain.StateClosed && e.connState(b.ID) == domain.StateStreaming
	})

	if n := e.coord.cleanupIdle(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("released %d connections", n)
	}
	if _, ok := e.coord.State().Connections[a.ID]; ok {
		t.Fatal("idle connection still tracked")
	}
	if e.connState(b.ID) != domain.StateStreaming {
		t.Fatal("streaming session was cleaned up")
	}
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMessageUpdateForVanishedSessionIsLogged(t *testing.T) {
	t.Parallel()
	logs := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := newEnv(t, 10, 0, nil, func(o *Options) { o.Logger = logger })

	observer{e.coord}.MessageUpdated("gone", domain.Message{
		ID:             "m1",
		SessionID:      "gone",
		Role:           domain.RoleAssistant,
		StreamingState: domain.StreamingComplete,
	})

	out := logs.String()
	if !strings.Contains(out, "Session not touched on message update") || !strings.Contains(out, `"session_id":"gone"`) {
		t.Fatalf("registry error not logged:\n%s", out)
	}
}

// stateConn is a connection parked in one state.
type stateConn struct {
	state     domain.ConnectionState
	cancelled atomic.Bool
	done      chan struct{}
}

func (s *stateConn) Open(string, string) error     { return nil }
func (s *stateConn) Cancel()                       { s.cancelled.Store(true) }
func (s *stateConn) Suspend()                      {}
func (s *stateConn) Resume()                       {}
func (s *stateConn) State() domain.ConnectionState { return s.state }
func (s *stateConn) Err() error                    { return nil }
func (s *stateConn) Done() <-chan struct{}         { return s.done }

func TestIdleCleanupSkipsReconnecting(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	e.coord.opts.IdleTimeout = time.Minute

	a, _ := e.coord.Create(context.Background(), "A", "")
	conn := &stateConn{state: domain.StateReconnecting, done: make(chan struct{})}
	e.coord.mu.Lock()
	e.coord.conns[a.ID] = conn
	e.coord.mu.Unlock()

	if n := e.coord.cleanupIdle(time.Now().Add(2 * time.Minute)); n != 0 {
		t.Fatalf("released %d connections", n)
	}
	if conn.cancelled.Load() {
		t.Fatal("reconnecting connection was cancelled")
	}
	if e.connState(a.ID) != domain.StateReconnecting {
		t.Fatal("reconnecting connection no longer tracked")
	}
}

func TestAggregate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		active    string
		states    map[string]domain.ConnectionState
		attempted bool
		want      domain.ManagerStatus
	}{
		{"nothing attempted", "a", nil, false, domain.StatusDisconnected},
		{"active streaming", "a", map[string]domain.ConnectionState{"a": domain.StateStreaming}, true, domain.StatusConnected},
		{"active closed", "a", map[string]domain.ConnectionState{"a": domain.StateClosed}, true, domain.StatusConnected},
		{"active connecting", "a", map[string]domain.ConnectionState{"a": domain.StateConnecting}, true, domain.StatusConnecting},
		{"active reconnecting", "a", map[string]domain.ConnectionState{"a": domain.StateReconnecting}, true, domain.StatusConnecting},
		{"active failed", "a", map[string]domain.ConnectionState{"a": domain.StateFailed, "b": domain.StateStreaming}, true, domain.StatusError},
		{"background failed", "a", map[string]domain.ConnectionState{"a": domain.StateStreaming, "b": domain.StateFailed}, true, domain.StatusDegraded},
		{"no active, background failed", "", map[string]domain.ConnectionState{"b": domain.StateFailed}, true, domain.StatusDegraded},
		{"no active, background connecting", "", map[string]domain.ConnectionState{"b": domain.StateConnecting}, true, domain.StatusConnecting},
		{"no active, background healthy", "", map[string]domain.ConnectionState{"b": domain.StateClosed}, true, domain.StatusConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Aggregate(tt.active, tt.states, tt.attempted); got != tt.want {
				t.Errorf("Aggregate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10, 0, nil)
	ctx := context.Background()
	a, _ := e.coord.Create(ctx, "A", "")
	_, _ = e.coord.Send(ctx, a.ID, "q")
	e.svc.feed(t, a.ID)

	ch, _ := e.coord.Subscribe()
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.coord.Shutdown(sctx); err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
	if st := e.connState(a.ID); st != domain.StateClosed {
		t.Fatalf("connection state after shutdown = %s", st)
	}
}

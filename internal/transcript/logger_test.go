package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

func TestRecorderWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	log, err := New(Config{Enabled: true, Dir: dir, QueueSize: 16}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = log.Close() }()

	rec := NewRecorder(log, "anon_1")
	rec.Record("sess-1", domain.Message{
		ID:       "m1",
		Role:     domain.RoleAssistant,
		Content:  "Hi there!  \r\n",
		Sequence: 2,
	})

	line := waitForLogLine(t, filepath.Join(dir, "anon_1", "sess-1.ndjson"))
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.MessageID != "m1" || got.Role != "assistant" || got.Sequence != 2 {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.Content != "Hi there!" {
		t.Fatalf("expected cleaned content, got %q", got.Content)
	}
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Fatal("event id and timestamp should be populated")
	}
}

func TestGlobalPathReceivesCopy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all.ndjson")
	log, err := New(Config{Enabled: true, Dir: dir, GlobalPath: global}, nil)
	if err != nil {
		t.Fatal(err)
	}
	log.Log(Event{SessionID: "s", MessageID: "m", ContentRaw: "x"})
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}
	waitForLogLine(t, global)
	waitForLogLine(t, filepath.Join(dir, "s.ndjson"))
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	t.Parallel()

	log, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatal(err)
	}
	log.Log(Event{SessionID: "s"})
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLogAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	log, err := New(Config{Enabled: true, Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = log.Close()
	_ = log.Close()
	log.Log(Event{SessionID: "s"})
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"sess-1":     "sess-1",
		"../../etc":  ".._.._etc",
		"a/b":        "a_b",
		"..":         "_",
		"":           "_",
		"with space": "with_space",
	}
	for in, want := range tests {
		if got := safeName(in); got != want {
			t.Errorf("safeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}

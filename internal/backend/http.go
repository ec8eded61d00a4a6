package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/stream"
)

const (
	// ResumedHeader is set to "true" by a backend that continued an
	// interrupted response after Last-Event-ID.
	ResumedHeader = "X-Stream-Resumed"
	// UserHeader carries the device identity.
	UserHeader = "X-User-ID"

	listPageSize = 50
	maxListPages = 100
	maxErrorBody = 4 << 10
)

var errConnectTimeout = errors.New("connect timeout")

// HTTPConfig holds configuration for the HTTP client.
type HTTPConfig struct {
	BaseURL        string
	UserID         string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Client         *http.Client
	Logger         *slog.Logger
}

// HTTPClient speaks the Conversation Service REST + SSE protocol.
type HTTPClient struct {
	base           *url.URL
	userID         string
	connectTimeout time.Duration
	requestTimeout time.Duration
	client         *http.Client
	logger         *slog.Logger
}

// NewHTTPClient validates cfg and builds a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", cfg.BaseURL)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Client == nil {
		// No client timeout: streams are long lived and bounded by contexts.
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPClient{
		base:           base,
		userID:         cfg.UserID,
		connectTimeout: cfg.ConnectTimeout,
		requestTimeout: cfg.RequestTimeout,
		client:         cfg.Client,
		logger:         cfg.Logger,
	}, nil
}

func (c *HTTPClient) endpoint(segments ...string) string {
	u := *c.base
	raw := []string{u.Path}
	escaped := []string{u.EscapedPath()}
	for _, s := range segments {
		raw = append(raw, s)
		escaped = append(escaped, url.PathEscape(s))
	}
	u.Path = strings.Join(raw, "/")
	u.RawPath = strings.Join(escaped, "/")
	return u.String()
}

func (c *HTTPClient) newRequest(ctx context.Context, method, target string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set(UserHeader, c.userID)
	}
	return req, nil
}

// do runs a short request-response exchange and decodes a JSON reply into out.
func (c *HTTPClient) do(ctx context.Context, op, method, target string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	serr := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: errorBody(raw)}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, serr)
	}
	return serr
}

// CreateSession implements Service.
func (c *HTTPClient) CreateSession(ctx context.Context, name, workingDirectory string) (*RemoteSession, error) {
	body := map[string]string{"name": name}
	if workingDirectory != "" {
		body["workingDirectory"] = workingDirectory
	}
	var ws wireSession
	if err := c.do(ctx, "create session", http.MethodPost, c.endpoint("sessions"), body, &ws); err != nil {
		return nil, err
	}
	rs := ws.toRemote()
	if rs.ID == "" {
		return nil, errors.New("create session: backend returned no session id")
	}
	if rs.Name == "" {
		rs.Name = name
	}
	if rs.WorkingDirectory == "" {
		rs.WorkingDirectory = workingDirectory
	}
	return &rs, nil
}

// sessionPage decodes either a bare array or a paginated envelope.
type sessionPage struct {
	Sessions   []wireSession
	HasMore    bool
	NextOffset *int
}

func (p *sessionPage) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &p.Sessions)
	}
	var env struct {
		Sessions   []wireSession `json:"sessions"`
		HasMore    bool          `json:"has_more"`
		NextOffset *int          `json:"next_offset"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return err
	}
	p.Sessions, p.HasMore, p.NextOffset = env.Sessions, env.HasMore, env.NextOffset
	return nil
}

// ListSessions implements Service. Paginated replies are followed to the end.
func (c *HTTPClient) ListSessions(ctx context.Context) ([]RemoteSession, error) {
	var out []RemoteSession
	offset := 0
	for page := 0; page < maxListPages; page++ {
		target := c.endpoint("sessions") + "?limit=" + strconv.Itoa(listPageSize) + "&offset=" + strconv.Itoa(offset)
		var p sessionPage
		if err := c.do(ctx, "list sessions", http.MethodGet, target, nil, &p); err != nil {
			return nil, err
		}
		for _, ws := range p.Sessions {
			if rs := ws.toRemote(); rs.ID != "" {
				out = append(out, rs)
			}
		}
		if !p.HasMore {
			return out, nil
		}
		next := offset + len(p.Sessions)
		if p.NextOffset != nil {
			next = *p.NextOffset
		}
		if next <= offset {
			return out, nil
		}
		offset = next
	}
	c.logger.Warn("Session list pagination truncated", "pages", maxListPages)
	return out, nil
}

// DeleteSession implements Service.
func (c *HTTPClient) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, "delete session", http.MethodDelete, c.endpoint("sessions", id), nil, nil)
}

// Health implements Service.
func (c *HTTPClient) Health(ctx context.Context) error {
	var payload struct {
		Status string `json:"status"`
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("health"), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus("health check", resp); err != nil {
		return err
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(raw, &payload) == nil && strings.EqualFold(payload.Status, "unhealthy") {
		return errors.New("health check failed: backend reports unhealthy")
	}
	return nil
}

// OpenStream implements Service. The connect timeout bounds the wait for
// response headers only; the stream itself lives until ctx ends or Close.
func (c *HTTPClient) OpenStream(ctx context.Context, sessionID string, sr StreamRequest) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	body := map[string]string{"query": sr.Query}
	if sr.WorkingDirectory != "" {
		body["workingDirectory"] = sr.WorkingDirectory
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("sessions", sessionID, "stream"), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream, application/x-ndjson")
	req.Header.Set("Cache-Control", "no-cache")
	if sr.LastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(sr.LastEventID, 10))
	}

	timer := time.AfterFunc(c.connectTimeout, cancel)
	resp, err := c.client.Do(req)
	if !timer.Stop() {
		if resp != nil {
			_ = resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("open stream: %w after %s", errConnectTimeout, c.connectTimeout)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := checkStatus("open stream", resp); err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}

	var dec stream.Decoder
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-ndjson", "application/jsonl":
		dec = stream.NewNDJSONDecoder(resp.Body)
	default:
		dec = stream.NewSSEDecoder(resp.Body)
	}

	resumed := sr.LastEventID > 0 && strings.EqualFold(resp.Header.Get(ResumedHeader), "true")
	c.logger.Debug("Stream opened",
		"session_id", sessionID,
		"content_type", mediaType,
		"last_event_id", sr.LastEventID,
		"resumed", resumed,
	)
	return &httpStream{Decoder: dec, body: resp.Body, cancel: cancel, resumed: resumed}, nil
}

// Close implements Service.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type httpStream struct {
	stream.Decoder
	body    io.ReadCloser
	cancel  context.CancelFunc
	resumed bool
}

func (s *httpStream) Resumed() bool { return s.resumed }

func (s *httpStream) Close() error {
	s.cancel()
	return s.body.Close()
}

var _ Service = (*HTTPClient)(nil)

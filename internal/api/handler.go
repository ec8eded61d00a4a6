// Package api exposes the session coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-chat/internal/coordinator"
	"github.com/ashureev/shsh-chat/internal/domain"
)

const maxBodyBytes = 1 << 20

// Coordinator is the part of the session coordinator the handlers drive.
type Coordinator interface {
	State() coordinator.State
	Stats() coordinator.Stats
	Sessions() []*domain.Session
	Create(ctx context.Context, name, workingDirectory string) (*domain.Session, error)
	Rename(ctx context.Context, sessionID, name string) (*domain.Session, error)
	Delete(ctx context.Context, sessionID string) error
	Activate(sessionID string) error
	Deactivate(sessionID string) error
	Send(ctx context.Context, sessionID, query string) (domain.Message, error)
	Conversation(sessionID string) ([]domain.Message, error)
	Cancel(sessionID string) error
	Interrupted() []domain.Message
	ResolveInterrupted(ctx context.Context, sessionID, messageID string, retry bool) error
	Refresh(ctx context.Context) (coordinator.RefreshResult, error)
	EnterBackground()
	EnterForeground()
}

// Handler serves the session API and the event feeds.
type Handler struct {
	coord   Coordinator
	hub     *Hub
	limiter *RateLimiter
	feed    FeedConfig
	logger  *slog.Logger
}

// NewHandler creates a Handler. A nil limiter disables rate limiting.
func NewHandler(coord Coordinator, hub *Hub, limiter *RateLimiter, feed FeedConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		coord:   coord,
		hub:     hub,
		limiter: limiter,
		feed:    feed.withDefaults(),
		logger:  logger,
	}
}

// RegisterRoutes mounts the API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	limited := func(r chi.Router) chi.Router { return r }
	if h.limiter != nil {
		limited = func(r chi.Router) chi.Router { return r.With(h.limiter.Middleware) }
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/stats", h.GetStats)
		r.Get("/events", h.HandleEvents)
		r.Get("/interrupted", h.ListInterrupted)

		limited(r).Post("/refresh", h.Refresh)
		limited(r).Post("/lifecycle/background", h.EnterBackground)
		limited(r).Post("/lifecycle/foreground", h.EnterForeground)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			limited(r).Post("/", h.CreateSession)

			r.Route("/{id}", func(r chi.Router) {
				limited(r).Put("/", h.RenameSession)
				limited(r).Delete("/", h.DeleteSession)
				r.Get("/messages", h.GetMessages)
				limited(r).Post("/messages", h.SendMessage)
				limited(r).Post("/activate", h.Activate)
				limited(r).Post("/deactivate", h.Deactivate)
				limited(r).Post("/cancel", h.Cancel)
				limited(r).Post("/interrupted/{messageId}", h.ResolveInterrupted)
			})
		})
	})
	r.Get("/ws/events", h.HandleWebSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps coordinator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCapacityExceeded), errors.Is(err, domain.ErrTooManyConcurrentStreams):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	Error(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// GetState returns the sessions, active session and aggregate status.
func (h *Handler) GetState(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.coord.State())
}

// GetStats returns coordinator counters.
func (h *Handler) GetStats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.coord.Stats())
}

// ListSessions returns sessions most recently active first.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": h.coord.Sessions()})
}

type createSessionRequest struct {
	Name             string `json:"name"`
	WorkingDirectory string `json:"working_directory"`
}

type renameSessionRequest struct {
	Name string `json:"name"`
}

// CreateSession registers a new session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	session, err := h.coord.Create(r.Context(), req.Name, req.WorkingDirectory)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, session)
}

// RenameSession changes a session's display name.
func (h *Handler) RenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	session, err := h.coord.Rename(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// DeleteSession removes a session and its conversation.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Activate makes a session the one the user is looking at.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Activate(chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.coord.State())
}

// Deactivate clears the active session if it matches.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Deactivate(chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.coord.State())
}

type sendRequest struct {
	Query string `json:"query"`
}

// SendMessage appends a user message and starts the response stream. The
// response itself arrives on the event feeds.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return
	}

	msg, err := h.coord.Send(r.Context(), chi.URLParam(r, "id"), req.Query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, msg)
}

// GetMessages returns the ordered conversation of a session.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := h.coord.Conversation(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"messages":   msgs,
	})
}

// Cancel stops the in-flight response of a session.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Cancel(chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListInterrupted returns messages left in progress by a previous run.
func (h *Handler) ListInterrupted(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"messages": h.coord.Interrupted()})
}

type resolveRequest struct {
	Retry bool `json:"retry"`
}

// ResolveInterrupted retries or dismisses an interrupted message.
func (h *Handler) ResolveInterrupted(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	err := h.coord.ResolveInterrupted(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "messageId"), req.Retry)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if req.Retry {
		status = http.StatusAccepted
	}
	JSON(w, status, map[string]bool{"retry": req.Retry})
}

// Refresh reconciles local sessions with the backend.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.coord.Refresh(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// EnterBackground suspends streaming while the client is hidden.
func (h *Handler) EnterBackground(w http.ResponseWriter, _ *http.Request) {
	h.coord.EnterBackground()
	w.WriteHeader(http.StatusNoContent)
}

// EnterForeground resumes suspended streams.
func (h *Handler) EnterForeground(w http.ResponseWriter, _ *http.Request) {
	h.coord.EnterForeground()
	w.WriteHeader(http.StatusNoContent)
}

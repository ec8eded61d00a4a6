// SHSH Chat - multi-session streaming conversation server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc/backoff"

	"github.com/ashureev/shsh-chat/internal/api"
	"github.com/ashureev/shsh-chat/internal/backend"
	"github.com/ashureev/shsh-chat/internal/config"
	"github.com/ashureev/shsh-chat/internal/connection"
	"github.com/ashureev/shsh-chat/internal/coordinator"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/middleware"
	"github.com/ashureev/shsh-chat/internal/persist"
	"github.com/ashureev/shsh-chat/internal/registry"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/ashureev/shsh-chat/internal/transcript"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func openStore(path string) (store.Repository, error) {
	if path == "" {
		slog.Warn("DB_PATH is empty, sessions will not survive a restart")
		return store.NewMemory(), nil
	}
	repo, err := store.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return repo, nil
}

func openBackend(cfg *config.Config, userID string, logger *slog.Logger) (backend.Service, error) {
	if cfg.Backend.Transport == config.TransportGRPC {
		client, err := backend.NewGRPCClient(backend.GRPCConfig{
			Address:        cfg.Backend.GRPCAddr,
			UserID:         userID,
			ConnectTimeout: cfg.Backend.ConnectTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to backend at %s: %w", cfg.Backend.GRPCAddr, err)
		}
		return client, nil
	}
	client, err := backend.NewHTTPClient(backend.HTTPConfig{
		BaseURL:        cfg.Backend.URL,
		UserID:         userID,
		ConnectTimeout: cfg.Backend.ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("configure backend client: %w", err)
	}
	return client, nil
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "transport", cfg.Backend.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	userID, err := identity.DeviceID(ctx, repo, cfg.Backend.UserID)
	if err != nil {
		return err
	}

	svc, err := openBackend(cfg, userID, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			slog.Warn("Failed to close backend client", "error", closeErr)
		}
	}()
	healthCache := backend.NewHealthCache(svc, cfg.Backend.HealthCacheTTL)
	slog.Info("Backend client ready", "user_id", userID)

	transcriptLog, err := transcript.New(transcript.Config{
		Enabled:    cfg.ConversationLog.Enabled,
		Dir:        cfg.ConversationLog.Dir,
		GlobalPath: globalLogPath(cfg.ConversationLog),
		QueueSize:  cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := transcriptLog.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// The adapter reports write failures to the coordinator, which is built
	// after it.
	var warnings atomic.Pointer[coordinator.Coordinator]
	adapter := persist.New(repo, persist.Options{
		TouchWindow:   cfg.Persistence.TouchWindow,
		FlushInterval: cfg.Persistence.FlushInterval,
		Logger:        logger,
		OnWarning: func(werr *persist.WriteError) {
			if c := warnings.Load(); c != nil {
				c.PersistenceWarning(werr)
			}
		},
	})

	reg := registry.New(cfg.Limits.MaxSessions, adapter, logger)

	connCfg := connection.DefaultConfig()
	connCfg.Backoff = backoff.Config{
		BaseDelay:  cfg.Reconnect.BaseDelay,
		Multiplier: connection.DefaultBackoff.Multiplier,
		Jitter:     connection.DefaultBackoff.Jitter,
		MaxDelay:   cfg.Reconnect.MaxDelay,
	}
	connCfg.MaxRetries = cfg.Reconnect.MaxRetries
	connCfg.MalformedLimit = cfg.Limits.MalformedLimit

	coord := coordinator.New(svc, reg, adapter, coordinator.Options{
		MaxConcurrentStreams: cfg.Limits.MaxConcurrentStreams,
		Connection:           connCfg,
		Health:               healthCache,
		Transcript:           transcript.NewRecorder(transcriptLog, userID),
		IdleTimeout:          cfg.Cleanup.IdleTimeout,
		CleanupInterval:      cfg.Cleanup.Interval,
		Logger:               logger,
	})
	warnings.Store(coord)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	slog.Info("Coordinator started", "sessions", len(coord.Sessions()), "interrupted", len(coord.Interrupted()))

	refreshCtx, cancelRefresh := context.WithTimeout(ctx, cfg.Backend.ConnectTimeout)
	if res, err := coord.Refresh(refreshCtx); err != nil {
		slog.Warn("Initial session refresh failed, continuing with local sessions", "error", err)
	} else {
		slog.Info("Sessions refreshed", "added", res.Added, "updated", res.Updated, "removed", res.Removed, "skipped", res.Skipped)
	}
	cancelRefresh()

	hub := api.NewHub(cfg.Events.ReplaySize, logger)
	events, unsubscribe := coord.Subscribe()
	defer unsubscribe()
	go hub.Run(ctx, events)

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
	defer limiter.Stop()

	handler := api.NewHandler(coord, hub, limiter, api.FeedConfig{
		KeepaliveInterval: cfg.Events.KeepaliveInterval,
		AllowedOrigins:    cfg.AllowedOrigins(),
	}, logger)
	healthHandler := api.NewHealthHandler(repo, healthCache, 0)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	handler.RegisterRoutes(r)

	// Event feeds are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	stop()

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		slog.Error("Coordinator shutdown incomplete", "error", err)
	}
	if err := adapter.Close(shutdownCtx); err != nil {
		slog.Error("Failed to flush pending writes", "error", err)
	}
	return runErr
}

func globalLogPath(cfg config.ConversationLogConfig) string {
	if !cfg.GlobalEnabled {
		return ""
	}
	return cfg.GlobalPath
}

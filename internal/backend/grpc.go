package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/stream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Conversation service method names. Messages are google.protobuf.Struct
// values carrying the same JSON fields as the HTTP protocol.
const (
	grpcServiceName   = "conversation.v1.ConversationService"
	methodCreate      = "/" + grpcServiceName + "/CreateSession"
	methodList        = "/" + grpcServiceName + "/ListSessions"
	methodDelete      = "/" + grpcServiceName + "/DeleteSession"
	methodStream      = "/" + grpcServiceName + "/StreamQuery"
	resumedMetadata   = "x-stream-resumed"
	lastEventMetadata = "last-event-id"
	userMetadata      = "x-user-id"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("backend not serving")
)

var streamDesc = &grpc.StreamDesc{
	StreamName:    "StreamQuery",
	ServerStreams: true,
}

// GRPCConfig holds configuration for the gRPC client.
type GRPCConfig struct {
	Address          string
	UserID           string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	Logger           *slog.Logger
	// Dialer replaces the default TCP dialer, e.g. for in-process listeners.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCClient speaks the Conversation Service over gRPC.
type GRPCClient struct {
	conn           *grpc.ClientConn
	health         healthpb.HealthClient
	addr           string
	userID         string
	connectTimeout time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewGRPCClient dials the backend and waits until the channel is ready.
func NewGRPCClient(cfg GRPCConfig) (*GRPCClient, error) {
	def := DefaultGRPCConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: cfg.ConnectTimeout,
		}),
	}
	if cfg.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(cfg.Dialer))
	}

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			cfg.Logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("conversation service at %s not ready: %w", cfg.Address, err)
	}

	cfg.Logger.Info("Connected to conversation service", "address", cfg.Address)

	return &GRPCClient{
		conn:           conn,
		health:         healthpb.NewHealthClient(conn),
		addr:           cfg.Address,
		userID:         cfg.UserID,
		connectTimeout: cfg.ConnectTimeout,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

func (c *GRPCClient) outgoing(ctx context.Context, kv ...string) context.Context {
	if c.userID != "" {
		kv = append(kv, userMetadata, c.userID)
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

func (c *GRPCClient) invoke(ctx context.Context, op, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(c.outgoing(ctx), c.requestTimeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, grpcError(op, err)
	}
	return out, nil
}

func grpcError(op string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CreateSession implements Service.
func (c *GRPCClient) CreateSession(ctx context.Context, name, workingDirectory string) (*RemoteSession, error) {
	out, err := c.invoke(ctx, "create session", methodCreate, map[string]any{
		"name":             name,
		"workingDirectory": workingDirectory,
	})
	if err != nil {
		return nil, err
	}
	rs, err := structToSession(out)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
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

// ListSessions implements Service.
func (c *GRPCClient) ListSessions(ctx context.Context) ([]RemoteSession, error) {
	out, err := c.invoke(ctx, "list sessions", methodList, map[string]any{})
	if err != nil {
		return nil, err
	}
	raw, err := protojson.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var p sessionPage
	if err := p.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("list sessions: decode response: %w", err)
	}
	sessions := make([]RemoteSession, 0, len(p.Sessions))
	for _, ws := range p.Sessions {
		if rs := ws.toRemote(); rs.ID != "" {
			sessions = append(sessions, rs)
		}
	}
	return sessions, nil
}

// DeleteSession implements Service.
func (c *GRPCClient) DeleteSession(ctx context.Context, id string) error {
	_, err := c.invoke(ctx, "delete session", methodDelete, map[string]any{"sessionId": id})
	return err
}

// Health implements Service using the standard gRPC health protocol.
func (c *GRPCClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: grpcServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// OpenStream implements Service.
func (c *GRPCClient) OpenStream(ctx context.Context, sessionID string, sr StreamRequest) (Stream, error) {
	in, err := structpb.NewStruct(map[string]any{
		"sessionId":        sessionID,
		"query":            sr.Query,
		"workingDirectory": sr.WorkingDirectory,
	})
	if err != nil {
		return nil, fmt.Errorf("open stream: encode request: %w", err)
	}

	var kv []string
	if sr.LastEventID > 0 {
		kv = append(kv, lastEventMetadata, strconv.FormatInt(sr.LastEventID, 10))
	}
	ctx, cancel := context.WithCancel(c.outgoing(ctx, kv...))

	timer := time.AfterFunc(c.connectTimeout, cancel)
	cs, err := c.conn.NewStream(ctx, streamDesc, methodStream)
	if err == nil {
		err = cs.SendMsg(in)
	}
	if err == nil {
		err = cs.CloseSend()
	}
	var header metadata.MD
	if err == nil {
		header, err = cs.Header()
	}
	if !timer.Stop() {
		cancel()
		return nil, fmt.Errorf("open stream: %w after %s", errConnectTimeout, c.connectTimeout)
	}
	if err != nil {
		cancel()
		return nil, grpcError("open stream", err)
	}

	resumed := false
	if vals := header.Get(resumedMetadata); sr.LastEventID > 0 && len(vals) > 0 {
		resumed = strings.EqualFold(vals[0], "true")
	}

	recv := func() (string, []byte, error) {
		msg := &structpb.Struct{}
		if err := cs.RecvMsg(msg); err != nil {
			return "", nil, err
		}
		raw, err := protojson.Marshal(msg)
		if err != nil {
			return "", nil, err
		}
		return "", raw, nil
	}
	return &grpcStream{Decoder: stream.NewFrameDecoder(recv), cancel: cancel, resumed: resumed}, nil
}

// Close closes the gRPC connection.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

func structToSession(s *structpb.Struct) (RemoteSession, error) {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return RemoteSession{}, err
	}
	var ws wireSession
	if err := json.Unmarshal(raw, &ws); err != nil {
		return RemoteSession{}, err
	}
	return ws.toRemote(), nil
}

type grpcStream struct {
	stream.Decoder
	cancel  context.CancelFunc
	resumed bool
}

func (s *grpcStream) Resumed() bool { return s.resumed }

func (s *grpcStream) Close() error {
	s.cancel()
	return nil
}

var _ Service = (*GRPCClient)(nil)

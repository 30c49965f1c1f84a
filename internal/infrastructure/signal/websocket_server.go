package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"notecollab/internal/core/domain"
	"notecollab/internal/core/ports"
	"notecollab/internal/core/services"
	"notecollab/pkg/config"
	"notecollab/pkg/crdt"
	apperrors "notecollab/pkg/errors"
	rlog "notecollab/pkg/logger"
	"notecollab/pkg/tracing"
	"notecollab/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var errMalformedFrame = errors.New("malformed frame")

type Config struct {
	AuthTimeout        time.Duration
	SyncTimeout        time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	WriteTimeout       time.Duration
	CloseGrace         time.Duration
	SendQueueSize      int
	AwarenessQueueSize int
	MessagesPerSecond  float64
	Burst              int
	MaxMessageSize     int64
	AllowedOrigins     []string

	// ReauthInterval is how long a verified permission level may be trusted
	// before a write re-checks it.
	ReauthInterval time.Duration
}

// NewConfig derives the socket settings from the application config.
func NewConfig(cfg *config.Config) Config {
	return Config{
		AuthTimeout:        cfg.WebSocket.AuthTimeout,
		SyncTimeout:        cfg.WebSocket.SyncTimeout,
		PingInterval:       cfg.WebSocket.PingInterval,
		PongTimeout:        cfg.WebSocket.PongTimeout,
		WriteTimeout:       cfg.WebSocket.WriteTimeout,
		CloseGrace:         time.Second,
		SendQueueSize:      cfg.WebSocket.SendQueueSize,
		AwarenessQueueSize: cfg.WebSocket.AwarenessQueueSize,
		MessagesPerSecond:  cfg.WebSocket.MessagesPerSecond,
		Burst:              cfg.WebSocket.Burst,
		MaxMessageSize:     cfg.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins:     cfg.WebSocket.AllowedOrigins,
		ReauthInterval:     cfg.Permissions.CacheTTL,
	}
}

// SessionJoiner attaches a connection to the live session of a document.
type SessionJoiner interface {
	Join(ctx context.Context, documentID domain.DocumentID, peer ports.SessionPeer) (*services.DocumentSession, error)
}

// WebSocketServer runs the collaboration protocol over websocket
// connections: authenticate, authorize, sync, then relay.
type WebSocketServer struct {
	cfg         Config
	upgrader    websocket.Upgrader
	validator   ports.TokenValidator
	permissions ports.PermissionChecker
	sessions    SessionJoiner
	metrics     ports.MetricsRecorder
	logger      *zap.SugaredLogger
	ctxLogger   *rlog.ContextLogger

	mu          sync.RWMutex
	connections map[domain.ConnectionID]*Connection
	draining    bool
	wg          sync.WaitGroup
}

func NewWebSocketServer(
	cfg Config,
	validator ports.TokenValidator,
	permissions ports.PermissionChecker,
	sessions SessionJoiner,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = time.Second
	}

	return &WebSocketServer{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		validator:   validator,
		permissions: permissions,
		sessions:    sessions,
		metrics:     metrics,
		logger:      logger,
		ctxLogger:   rlog.NewContextLogger(logger.Desugar()),
		connections: make(map[domain.ConnectionID]*Connection),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	anyOrigin := false
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			anyOrigin = true
			continue
		}
		origins[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if anyOrigin || origin == "" {
			return true
		}
		_, ok := origins[strings.ToLower(origin)]
		return ok
	}
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	id := domain.ConnectionID(uuid.NewString())
	ctx := rlog.WithValues(context.WithoutCancel(r.Context()), rlog.ConnectionIDKey, string(id))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newConnection(id, ws, s.cfg, s.metrics, s.ctxLogger.Sugared(ctx))
	go c.writePump()
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	if !s.register(c) {
		close(c.readerDone)
		c.Close(apperrors.CloseGoingAway, "server shutting down")
	} else {
		defer s.unregister(c)
		c.log().Debugw("Connection opened", "remote_addr", r.RemoteAddr)
		s.serve(ctx, c)
	}

	c.Close(apperrors.CloseNormal, "")
	<-c.writerDone
	c.log().Debugw("Connection closed", "code", c.closeCode, "reason", c.closeReason)
}

func (s *WebSocketServer) register(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.connections[c.id] = c
	return true
}

func (s *WebSocketServer) unregister(c *Connection) {
	s.mu.Lock()
	delete(s.connections, c.id)
	s.mu.Unlock()
}

func (s *WebSocketServer) serve(ctx context.Context, c *Connection) {
	defer close(c.readerDone)
	defer func() {
		if r := recover(); r != nil {
			c.log().Errorw("Panic in connection handler", "panic", r, "stack", string(debug.Stack()))
			c.Terminate(apperrors.NewServerError("internal error"))
		}
	}()

	c.ws.SetReadLimit(s.cfg.MaxMessageSize)

	ctx, session, ok := s.handshake(ctx, c)
	if !ok {
		return
	}
	defer session.Detach(c.id)

	s.readLoop(ctx, c, session)
}

// handshake drives a connection from authenticating to active. It returns
// false when the connection has been closed.
func (s *WebSocketServer) handshake(ctx context.Context, c *Connection) (context.Context, *services.DocumentSession, bool) {
	c.setState(StateAuthenticating)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	msg, err := c.readMessage()
	if err != nil {
		s.handleReadError(c, err)
		return ctx, nil, false
	}
	if msg.Type != TypeAuth {
		c.Terminate(apperrors.NewProtocolError("first frame must be auth"))
		return ctx, nil, false
	}
	if err := validation.ValidateDocumentID(msg.DocumentID); err != nil {
		c.Terminate(apperrors.NewProtocolError(err.Error()))
		return ctx, nil, false
	}

	identity, err := s.validator.Validate(msg.Token)
	if err != nil {
		appErr := authError(err)
		c.log().Infow("Authentication failed", "code", appErr.Code, "error", err)
		_ = c.sendAuthError(appErr)
		c.Close(appErr.CloseCode(), appErr.Message)
		return ctx, nil, false
	}

	documentID := domain.DocumentID(msg.DocumentID)
	ctx = rlog.WithValues(ctx, rlog.UserIDKey, string(identity.ID))
	ctx = rlog.WithValues(ctx, rlog.DocumentIDKey, string(documentID))
	c.authenticate(identity, documentID, s.ctxLogger.Sugared(ctx))

	c.setState(StateAuthorized)
	level, err := s.permissions.Require(ctx, documentID, identity.ID, domain.LevelViewer)
	if err != nil {
		c.log().Infow("Access denied", "error", err)
		message := "you do not have access to this document"
		var denied *domain.PermissionDeniedError
		if errors.As(err, &denied) {
			message = fmt.Sprintf("viewing requires %s access, you have %s", denied.Needed, denied.Current)
		}
		c.Terminate(apperrors.NewForbiddenError(message))
		return ctx, nil, false
	}
	c.SetLevel(level)
	if err := c.enqueueFrame(AuthSuccessMessage{Type: TypeAuthSuccess, User: identity, Permission: level}); err != nil {
		return ctx, nil, false
	}

	c.setState(StateSyncing)
	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	session, err := s.sessions.Join(joinCtx, documentID, c)
	cancel()
	if err != nil {
		s.terminateJoinError(c, documentID, err)
		return ctx, nil, false
	}

	// A revocation published between Require and Join never reached the
	// session, so the level is checked once more now that it would.
	if !s.reauthorize(ctx, c) {
		session.Detach(c.id)
		return ctx, nil, false
	}

	c.setState(StateActive)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	c.log().Infow("Connection joined document", "title", session.Title(), "permission", c.Level().String())
	return ctx, session, true
}

func (s *WebSocketServer) terminateJoinError(c *Connection, documentID domain.DocumentID, err error) {
	switch {
	case errors.Is(err, domain.ErrDocumentNotFound):
		c.Terminate(apperrors.NewDocumentNotFoundError(string(documentID)))
	case errors.Is(err, domain.ErrConnectionLimit), errors.Is(err, domain.ErrDocumentLimit):
		c.Terminate(apperrors.NewRateLimitError(err.Error()))
	case errors.Is(err, domain.ErrShuttingDown):
		c.Close(apperrors.CloseGoingAway, "server shutting down")
	case errors.Is(err, context.Canceled):
		c.Close(apperrors.CloseNormal, "")
	case errors.Is(err, context.DeadlineExceeded):
		c.log().Warnw("Document sync timed out", "timeout", s.cfg.SyncTimeout)
		c.Terminate(apperrors.NewServerError("document sync timed out"))
	default:
		c.log().Errorw("Failed to join document", "error", err)
		c.Terminate(apperrors.NewServerError("failed to open document"))
	}
}

func authError(err error) *apperrors.AppError {
	if errors.Is(err, domain.ErrExpiredToken) {
		return apperrors.NewTokenExpiredError()
	}
	return apperrors.NewUnauthorizedError("invalid authentication token")
}

// reauthorize refreshes the connection's level from the permission service.
// It returns false when access is gone and the connection is closing.
func (s *WebSocketServer) reauthorize(ctx context.Context, c *Connection) bool {
	check := s.permissions.Check(ctx, c.DocumentID(), c.User().ID)
	current := c.Level()

	switch {
	case !check.CanRead:
		c.SetLevel(domain.LevelNone)
		_ = c.SendPermissionRevoked(domain.LevelNone)
		revoked := apperrors.NewPermissionRevokedError("access revoked")
		c.Close(revoked.CloseCode(), revoked.Message)
		s.metrics.RevocationDelivered("removed")
		return false
	case check.Level.Rank() < current.Rank():
		c.SetLevel(check.Level)
		_ = c.SendPermissionRevoked(check.Level)
		s.metrics.RevocationDelivered("downgraded")
	default:
		c.SetLevel(check.Level)
	}
	return true
}

func (s *WebSocketServer) readLoop(ctx context.Context, c *Connection, session *services.DocumentSession) {
	for {
		msg, err := c.readMessage()
		if err != nil {
			s.handleReadError(c, err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !c.limiter.Allow() {
			s.metrics.FrameDropped("inbound")
			_ = c.sendError(apperrors.NewRateLimitError("too many messages, slow down"))
			continue
		}
		if !s.handleMessage(ctx, c, session, msg) {
			return
		}
	}
}

func (s *WebSocketServer) handleReadError(c *Connection, err error) {
	var netErr interface{ Timeout() bool }
	switch {
	case errors.Is(err, errMalformedFrame):
		c.Terminate(apperrors.NewProtocolError("frame is not valid JSON"))
	case errors.As(err, &netErr) && netErr.Timeout():
		if c.State() == StateAuthenticating {
			c.Terminate(apperrors.NewProtocolError("authentication timed out"))
			return
		}
		c.log().Infow("Connection timed out", "state", c.State().String())
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log().Infow("Unexpected close", "error", err)
	}
}

// handleMessage processes one frame. It returns false when the connection
// must stop reading.
func (s *WebSocketServer) handleMessage(ctx context.Context, c *Connection, session *services.DocumentSession, msg InboundMessage) bool {
	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(c.id), string(session.ID()))
	defer span.End()

	switch msg.Type {
	case TypeSyncUpdate:
		tracing.AddSpanAttributes(ctx, attribute.Int("update.bytes", len(msg.Update)))
		return s.handleUpdate(ctx, c, session, msg.Update)
	case TypeAwareness:
		if msg.State == nil {
			c.Terminate(apperrors.NewProtocolError("awareness frame without state"))
			return false
		}
		if err := session.BroadcastAwareness(c.id, *msg.State); err != nil {
			if errors.Is(err, domain.ErrSessionClosed) {
				return false
			}
			c.Terminate(apperrors.NewProtocolError(err.Error()))
			return false
		}
		return true
	case TypePing:
		return c.enqueueFrame(PongMessage{Type: TypePong}) == nil
	case TypeAuth:
		c.Terminate(apperrors.NewProtocolError("connection is already authenticated"))
		return false
	default:
		c.Terminate(apperrors.NewProtocolError(fmt.Sprintf("unknown frame type %q", msg.Type)))
		return false
	}
}

func (s *WebSocketServer) handleUpdate(ctx context.Context, c *Connection, session *services.DocumentSession, update []byte) bool {
	if c.needsReauthorization(s.cfg.ReauthInterval) && !s.reauthorize(ctx, c) {
		return false
	}

	err := session.ApplyUpdate(c.id, update)
	if err == nil {
		return true
	}
	tracing.RecordError(ctx, err)

	appErr := updateError(err)
	if appErr == nil {
		return false
	}
	if appErr.Cause != nil {
		c.log().Errorw("Failed to apply update", "error", appErr.Cause)
	}
	if !appErr.ClosesConnection() {
		_ = c.sendError(appErr)
		return true
	}
	c.Terminate(appErr)
	return false
}

// updateError maps an ApplyUpdate failure to the frame sent back. It returns
// nil when the session is already gone and there is nobody to tell.
func updateError(err error) *apperrors.AppError {
	var denied *domain.PermissionDeniedError
	switch {
	case errors.As(err, &denied):
		return apperrors.NewForbiddenError(
			fmt.Sprintf("editing requires %s access, you have %s", denied.Needed, denied.Current),
		)
	case errors.Is(err, domain.ErrDocumentTooLarge):
		return apperrors.NewRateLimitError("document has reached its maximum size")
	case errors.Is(err, crdt.ErrEmptyUpdate):
		return apperrors.NewProtocolError("empty update")
	case errors.Is(err, domain.ErrSessionClosed):
		return nil
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeServerError, "failed to apply update", http.StatusInternalServerError)
	}
}

func (c *Connection) readMessage() (InboundMessage, error) {
	var msg InboundMessage
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return msg, nil
}

// ConnectionCount returns the number of open sockets.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Shutdown stops accepting sockets, closes the open ones with 1001 and
// waits for their handlers. Sockets still open when ctx ends are dropped.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	open := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.Close(apperrors.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.RLock()
		for _, c := range s.connections {
			_ = c.ws.Close()
		}
		s.mu.RUnlock()
		s.logger.Warnw("Forced close of remaining connections", "count", len(open))
		return ctx.Err()
	}
}

package signal

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"notecollab/internal/core/domain"
	"notecollab/internal/core/ports"
	apperrors "notecollab/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendQueueFull    = errors.New("send queue full")
)

// maxCloseReason is the longest reason a close frame can carry.
const maxCloseReason = 123

// ConnState is the protocol phase of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateAuthorized
	StateSyncing
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorized:
		return "authorized"
	case StateSyncing:
		return "syncing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one client socket. Frames are written by a single writer
// goroutine from two queues: reliable frames, whose overflow closes the
// connection, and awareness frames, which drop the oldest entry when full.
type Connection struct {
	id      domain.ConnectionID
	ws      *websocket.Conn
	cfg     Config
	limiter *rate.Limiter
	metrics ports.MetricsRecorder

	state atomic.Int32

	mu         sync.RWMutex
	logger     *zap.SugaredLogger
	user       domain.UserIdentity
	documentID domain.DocumentID
	level      domain.PermissionLevel
	verifiedAt time.Time

	reliable  chan []byte
	awareness chan []byte

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string

	readerDone chan struct{}
	writerDone chan struct{}
}

func newConnection(id domain.ConnectionID, ws *websocket.Conn, cfg Config, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Connection {
	return &Connection{
		id:         id,
		ws:         ws,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		metrics:    metrics,
		logger:     logger,
		reliable:   make(chan []byte, cfg.SendQueueSize),
		awareness:  make(chan []byte, cfg.AwarenessQueueSize),
		closing:    make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *Connection) ID() domain.ConnectionID {
	return c.id
}

func (c *Connection) User() domain.UserIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Connection) DocumentID() domain.DocumentID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.documentID
}

func (c *Connection) Level() domain.PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// SetLevel records an authoritative permission level for the connection.
func (c *Connection) SetLevel(level domain.PermissionLevel) {
	c.mu.Lock()
	c.level = level
	c.verifiedAt = time.Now()
	c.mu.Unlock()
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

func (c *Connection) authenticate(user domain.UserIdentity, documentID domain.DocumentID, logger *zap.SugaredLogger) {
	c.mu.Lock()
	c.user = user
	c.documentID = documentID
	c.logger = logger
	c.mu.Unlock()
}

func (c *Connection) log() *zap.SugaredLogger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// needsReauthorization reports whether the level was last verified longer
// than interval ago.
func (c *Connection) needsReauthorization(interval time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.verifiedAt) > interval
}

func (c *Connection) SendSync(fullState []byte, updates [][]byte) error {
	if updates == nil {
		updates = [][]byte{}
	}
	return c.enqueueFrame(SyncMessage{Type: TypeSync, FullState: fullState, Updates: updates})
}

func (c *Connection) SendUpdate(update []byte) error {
	return c.enqueueFrame(SyncUpdateMessage{Type: TypeSyncUpdate, Update: update})
}

func (c *Connection) SendPermissionRevoked(newLevel domain.PermissionLevel) error {
	msg := PermissionRevokedMessage{Type: TypePermissionRevoked}
	if newLevel != domain.LevelNone {
		msg.NewLevel = &newLevel
	}
	return c.enqueueFrame(msg)
}

// SendAwareness queues a presence frame, evicting the oldest queued one
// when the queue is full.
func (c *Connection) SendAwareness(update domain.AwarenessUpdate) {
	frame, err := encodeFrame(AwarenessUpdateMessage{
		Type:         TypeAwarenessUpdate,
		ConnectionID: update.ConnectionID,
		User:         update.User,
		State:        update.State,
		Removed:      update.Removed,
	})
	if err != nil {
		c.log().Errorw("Failed to encode awareness frame", "error", err)
		return
	}

	for {
		select {
		case <-c.closing:
			return
		case c.awareness <- frame:
			return
		default:
		}
		select {
		case <-c.awareness:
			c.metrics.FrameDropped("awareness")
		default:
		}
	}
}

func (c *Connection) sendError(err *apperrors.AppError) error {
	return c.enqueueFrame(ErrorMessage{Type: TypeError, Code: string(err.Code), Message: err.Message})
}

func (c *Connection) sendAuthError(err *apperrors.AppError) error {
	return c.enqueueFrame(ErrorMessage{Type: TypeAuthError, Code: string(err.Code), Message: err.Message})
}

func (c *Connection) enqueueFrame(v any) error {
	frame, err := encodeFrame(v)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Connection) enqueue(frame []byte) error {
	select {
	case <-c.closing:
		return errConnectionClosed
	default:
	}

	select {
	case c.reliable <- frame:
		return nil
	default:
		// The client resyncs from a full state when it reconnects.
		c.metrics.FrameDropped("reliable")
		c.Close(apperrors.CloseTryAgainLater, "send queue overflow")
		return errSendQueueFull
	}
}

// Terminate sends err as an error frame and closes the connection with the
// matching close code.
func (c *Connection) Terminate(err *apperrors.AppError) {
	if err == nil {
		c.Close(apperrors.CloseNormal, "")
		return
	}
	_ = c.sendError(err)
	c.Close(err.CloseCode(), err.Message)
}

// Close asks the writer to flush queued reliable frames, send a close frame
// and drop the socket. Only the first call has an effect.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = strings.ToValidUTF8(reason[:maxCloseReason], "")
		}
		c.closeCode = code
		c.closeReason = reason
		c.setState(StateClosing)
		close(c.closing)
	})
}

// Done is closed once the socket has been released.
func (c *Connection) Done() <-chan struct{} {
	return c.writerDone
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close(websocket.CloseAbnormalClosure, "")
		_ = c.ws.Close()
		c.setState(StateClosed)
		close(c.writerDone)
	}()

	for {
		select {
		case frame := <-c.reliable:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.log().Debugw("Write failed", "error", err)
				return
			}
		case frame := <-c.awareness:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.log().Debugw("Write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log().Debugw("Ping failed", "error", err)
				return
			}
		case <-c.closing:
			c.flushAndClose()
			return
		}
	}
}

// flushAndClose writes what is left in the reliable queue, then the close
// frame, and gives the reader a short window to see the peer's reply.
func (c *Connection) flushAndClose() {
drain:
	for {
		select {
		case frame := <-c.reliable:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			break drain
		}
	}

	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return
	}

	timer := time.NewTimer(c.cfg.CloseGrace)
	defer timer.Stop()
	select {
	case <-c.readerDone:
	case <-timer.C:
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

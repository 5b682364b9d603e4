package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"presencerelay/internal/core/domain"
	"presencerelay/internal/core/ports"
	apperrors "presencerelay/pkg/errors"
	rlog "presencerelay/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// readLimitHeadroom lets frames slightly over MaxMessageSize be read whole so
// the client can be told why it is being disconnected. Anything beyond it is
// cut off by the websocket read limit with close 1009 and no error frame.
const readLimitHeadroom = 4096

// ServerConfig holds per-connection transport settings.
type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
	}
}

type ServerOption func(*WebSocketServer)

func WithLogger(logger *zap.SugaredLogger) ServerOption {
	return func(s *WebSocketServer) { s.logger = logger }
}

// WithMessageLimiter installs a factory for per-connection inbound rate
// limiters. A nil factory disables limiting.
func WithMessageLimiter(newLimiter func() *rate.Limiter) ServerOption {
	return func(s *WebSocketServer) { s.newLimiter = newLimiter }
}

// WebSocketServer upgrades HTTP requests and pumps frames between each socket
// and a ConnectionHandler.
type WebSocketServer struct {
	handler    ports.ConnectionHandler
	cfg        ServerConfig
	upgrader   websocket.Upgrader
	newLimiter func() *rate.Limiter
	logger     *zap.SugaredLogger
	ctxLogger  *rlog.ContextLogger
}

func NewWebSocketServer(handler ports.ConnectionHandler, cfg ServerConfig, opts ...ServerOption) *WebSocketServer {
	s := &WebSocketServer{
		handler: handler,
		cfg:     cfg,
		logger:  zap.NewNop().Sugar(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctxLogger = rlog.NewContextLogger(s.logger.Desugar())
	return s
}

// originChecker allows any origin when the list is empty or contains "*".
// Requests without an Origin header are not from browsers and pass.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleWebSocket(w, r)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	t := newTransport(conn, r.RemoteAddr, s.cfg.SendBuffer)
	ctx := r.Context()
	id := s.handler.OnConnect(ctx, t)
	ctx = rlog.WithRemoteAddr(rlog.WithConnection(ctx, string(id)), r.RemoteAddr)

	go s.writePump(ctx, t)
	s.readPump(ctx, id, t)

	s.handler.OnDisconnect(ctx, id)
	t.Close()
}

func (s *WebSocketServer) readPump(ctx context.Context, id domain.ConnectionID, t *wsTransport) {
	log := s.ctxLogger.Sugar(ctx)
	conn := t.conn

	conn.SetReadLimit(s.cfg.MaxMessageSize + readLimitHeadroom)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if s.newLimiter != nil {
		limiter = s.newLimiter()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				log.Infow("message exceeds read limit, connection closed", "limit", s.cfg.MaxMessageSize)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				log.Infow("error reading message", "error", err)
			default:
				log.Debugw("read loop ended", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if int64(len(data)) > s.cfg.MaxMessageSize {
			s.handler.ReplyError(id, apperrors.NewMessageTooLargeError(s.cfg.MaxMessageSize))
			t.closeWith(websocket.CloseMessageTooBig, "message too big")
			log.Infow("message too large, closing connection", "size", len(data), "limit", s.cfg.MaxMessageSize)
			return
		}

		if limiter != nil && !limiter.Allow() {
			s.handler.ReplyError(id, apperrors.NewRateLimitError())
			continue
		}

		if err := s.handler.OnMessage(ctx, id, data); err != nil {
			log.Debugw("message not relayed", "error", err)
		}
	}
}

// writePump is the only writer on the socket. It drains the send queue, pings
// on PingInterval and sends a close frame once the transport is closed.
func (s *WebSocketServer) writePump(ctx context.Context, t *wsTransport) {
	log := s.ctxLogger.Sugar(ctx)
	conn := t.conn
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		pingTicker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-t.send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Infow("error writing frame", "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Infow("error sending ping", "error", err)
				return
			}

		case <-t.done:
			// Flush what is already queued, then say goodbye.
		drain:
			for {
				select {
				case frame := <-t.send:
					conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					break drain
				}
			}
			code, reason := t.closeReason()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

// wsTransport is the relay-facing handle of one socket. Send only enqueues.
type wsTransport struct {
	conn       *websocket.Conn
	remoteAddr string
	send       chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string
	done      chan struct{}
	closeOnce sync.Once
}

func newTransport(conn *websocket.Conn, remoteAddr string, buffer int) *wsTransport {
	if buffer < 1 {
		buffer = 1
	}
	return &wsTransport{
		conn:       conn,
		remoteAddr: remoteAddr,
		send:       make(chan []byte, buffer),
		closeCode:  websocket.CloseGoingAway,
		closeText:  "server closing",
		done:       make(chan struct{}),
	}
}

func (t *wsTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return domain.ErrTransportClosed
	}
	select {
	case t.send <- frame:
		return nil
	default:
		return domain.ErrSendBufferFull
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

// closeWith closes the transport and sets the close frame the write pump
// sends. The first close wins.
func (t *wsTransport) closeWith(code int, text string) {
	t.mu.Lock()
	if !t.closed {
		t.closeCode, t.closeText = code, text
	}
	t.mu.Unlock()
	t.Close()
}

func (t *wsTransport) closeReason() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode, t.closeText
}

func (t *wsTransport) RemoteAddr() string {
	return t.remoteAddr
}

var _ ports.Transport = (*wsTransport)(nil)

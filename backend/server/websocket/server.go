package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/jamhub-relay/backend/heartbeat"
	"github.com/adwski/jamhub-relay/backend/model"
	"github.com/adwski/jamhub-relay/backend/service"
	sw "github.com/adwski/jamhub-relay/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 51200
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	defaultOutboundQueueSize = 256
	defaultFwdTimeout        = time.Second

	// defaultPongWait - pingInterval is how long we give client to respond
	defaultPingInterval = heartbeat.DefaultInterval
	defaultPongWait     = 7 * time.Second
)

var (
	ErrEndpointClosed = sw.ErrEndpointClosed
	ErrDeadEndpoint   = errors.New("dead endpoint")
)

type (
	RelayService interface {
		Join(ctx context.Context, roomID string, user model.User, ep sw.Endpoint) (*service.Session, error)
	}

	Config struct {
		Logger       *zerolog.Logger
		RelayService RelayService
		PingInterval time.Duration
		PongWait     time.Duration
	}

	// Relay upgrades requests to websocket connections and runs them
	// until the peer goes away or Shutdown is called.
	Relay struct {
		svc      RelayService
		ws       *websocket.Upgrader
		hb       *heartbeat.Heartbeat
		ctx      context.Context
		cancel   context.CancelFunc
		mx       *sync.Mutex
		wg       *sync.WaitGroup
		logger   zerolog.Logger
		pongWait time.Duration
		closed   bool
	}
)

func NewRelay(cfg Config) *Relay {
	pingInterval, pongWait := cfg.PingInterval, cfg.PongWait
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	if pongWait <= pingInterval {
		pongWait = pingInterval + (defaultPongWait - defaultPingInterval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		logger: cfg.Logger.With().Str("component", "websocket-relay").Logger(),
		svc:    cfg.RelayService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		hb:       heartbeat.New(heartbeat.Config{Interval: pingInterval}),
		ctx:      ctx,
		cancel:   cancel,
		mx:       &sync.Mutex{},
		wg:       &sync.WaitGroup{},
		pongWait: pongWait,
	}
}

// RoomID derives the room from the request path, "/abc123" -> "abc123".
func RoomID(r *http.Request) string {
	return strings.ReplaceAll(r.URL.Path, "/", "")
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := RoomID(r)
	if roomID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !rl.track() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer rl.wg.Done()

	// Upgrade replies with 400 itself on a bad handshake.
	conn, err := rl.ws.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Error().Err(err).Str("roomID", roomID).Msg("websocket upgrade failed")
		return
	}

	user := model.NewUser()
	logger := rl.logger.With().
		Str("roomID", roomID).
		Str("userID", user.ID).
		Logger()

	rl.handleWSConn(conn, roomID, user, &logger)
}

// track registers a connection unless the relay is shutting down.
func (rl *Relay) track() bool {
	rl.mx.Lock()
	defer rl.mx.Unlock()
	if rl.closed {
		return false
	}
	rl.wg.Add(1)
	return true
}

// Shutdown stops every live connection and waits for their teardown.
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.mx.Lock()
	rl.closed = true
	rl.cancel()
	rl.mx.Unlock()

	done := make(chan struct{})
	go func() {
		rl.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		rl.logger.Debug().Msg("all connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rl *Relay) handleWSConn(conn *websocket.Conn, roomID string, user model.User, logger *zerolog.Logger) {
	ctx, cancel := context.WithCancel(rl.ctx) // long-living connection context
	defer cancel()

	ep := newEndpoint(ctx)
	sess, err := rl.svc.Join(ctx, roomID, user, ep)
	if err != nil {
		logger.Error().Err(err).Msg("failed to join room")
		webSocketCloser(conn, logger)
		return
	}
	logger.Debug().Msg("connection joined")

	wg := &sync.WaitGroup{}
	wg.Add(3)
	go func() {
		defer wg.Done()
		webSocketReceiver(ctx, conn, sess, rl.hb, rl.pongWait, logger)
		cancel()
	}()
	go func() {
		defer wg.Done()
		webSocketSender(ctx, conn, ep.tx, logger)
		cancel()
	}()
	go func() {
		defer wg.Done()
		err := rl.hb.Run(ctx, func(payload []byte) error {
			return conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(defaultWebSocketWriteDeadline))
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to send ping")
		}
		cancel()
	}()

	<-ctx.Done()
	ep.close()
	// unblock the receiver stuck in ReadMessage
	if err = conn.SetReadDeadline(time.Now()); err != nil {
		logger.Debug().Err(err).Msg("failed to reset read deadline")
	}
	wg.Wait()

	rl.destroySession(sess, logger)
	webSocketCloser(conn, logger)
}

func (rl *Relay) destroySession(sess *service.Session, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSessionCloseTimeout)
	defer cancel()
	sess.Leave(ctx)
	logger.Debug().Msg("connection closed")
}

func webSocketSender(
	ctx context.Context,
	conn *websocket.Conn,
	tx <-chan []byte,
	logger *zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-tx:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set websocket write deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error().Err(err).Msg("failed to write outgoing message")
				return
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	conn *websocket.Conn,
	sess *service.Session,
	hb *heartbeat.Heartbeat,
	pongWait time.Duration,
	logger *zerolog.Logger,
) {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func() error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	}
	conn.SetPongHandler(func(payload string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rtt, err := hb.RoundTrip([]byte(payload))
		if err != nil {
			logger.Debug().Err(err).Msg("unexpected pong payload")
		} else {
			sess.ReportLatency(ctx, rtt)
		}
		return readDeadLineFunc()
	})
	if err := readDeadLineFunc(); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for ctx.Err() == nil {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				logger.Debug().Msg("receive canceled")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(err).Msg("connection closed by peer")
			default:
				logger.Warn().Err(err).Msg("unexpected error during receive")
			}
			return
		}
		if typ != websocket.TextMessage {
			logger.Debug().Int("frameType", typ).Msg("ignoring non-text frame")
			continue
		}
		sess.Handle(ctx, msg)
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err = conn.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}

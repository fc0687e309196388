package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
)

var errClosed = errors.New("connection closed")

const (
	defaultReadLimit  = 32 << 10
	defaultPingPeriod = 54 * time.Second
	defaultSendQueue  = 64
	writeWait         = 5 * time.Second
)

// Hub is the side of the lobby a socket talks to.
type Hub interface {
	Connect(id domain.ConnID, sig core.SignalConnection, token string)
	Dispatch(id domain.ConnID, raw []byte)
	Disconnect(id domain.ConnID)
}

type Config struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	SendQueue      int
	AllowedOrigins []string
}

type SignalWSController struct {
	Hub Hub

	cfg      Config
	upgrader websocket.Upgrader
}

func NewSignalWSController(hub Hub, cfg Config) *SignalWSController {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	ctl := &SignalWSController{Hub: hub, cfg: cfg}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)}
	return ctl
}

// originChecker allows everything when the list is empty. Requests without
// an Origin header come from non-browser clients and are let through.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// WsSignalConn is the outbound half of one socket. Close only stops intake;
// the write pump flushes what is queued before closing the socket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newConn(ws *websocket.Conn, queue int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, queue)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// HandleSignal upgrades the request and starts the pumps. ctx bounds the
// socket's lifetime (server shutdown).
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := tokenFrom(c.Request)
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	id := domain.ConnID(uuid.NewString())
	conn := newConn(ws, ctl.cfg.SendQueue)
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("remote", c.ClientIP()).Bool("token", token != "").Msg("new WS connection")

	ctl.Hub.Connect(id, conn, token)

	go ctl.writePump(ctx, id, conn)
	go ctl.readPump(id, conn)
}

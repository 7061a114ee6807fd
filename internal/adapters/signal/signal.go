package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Realtime/internal/app/auth"
	"github.com/dkeye/Realtime/internal/app/orch"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SessionTokenKey is the session value holding a browser's access token.
const SessionTokenKey = "token"

type Options struct {
	SendBuffer        int
	ReadLimit         int64
	WriteTimeout      time.Duration
	PingPeriod        time.Duration
	AuthTimeout       time.Duration
	AuthFrameWait     time.Duration // how long an auth frame may override query or cookie credentials
	MessagesPerSecond float64
	Burst             int
}

func (o *Options) withDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 << 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.AuthFrameWait <= 0 {
		o.AuthFrameWait = 500 * time.Millisecond
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
}

type SignalWSController struct {
	Orch   *orch.Orchestrator
	opts   Options
	routes map[string]frameHandler
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	opts.withDefaults()
	ctl := &SignalWSController{Orch: o, opts: opts}
	ctl.routes = ctl.buildRoutes()
	return ctl
}

// WsSignalConn is the outbound half of one websocket. Frames are queued and
// written by writePump; a full queue is reported as backpressure.
type WsSignalConn struct {
	ws   *websocket.Conn
	send chan core.Frame
	done chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeCode int
	closeText string
}

func newConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		ws:   ws,
		send: make(chan core.Frame, buffer),
		done: make(chan struct{}),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith stops accepting frames; writePump flushes what is queued and then
// sends a close frame carrying code.
func (c *WsSignalConn) CloseWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
}

func (c *WsSignalConn) closeReason() (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.closeText
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func handshakeOf(c *gin.Context) auth.Handshake {
	h := auth.Handshake{
		Header:   c.GetHeader("Authorization"),
		Query:    c.Query("token"),
		RemoteIP: c.ClientIP(),
	}
	if tok, ok := sessions.Default(c).Get(SessionTokenKey).(string); ok {
		h.SessionToken = tok
	}
	return h
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	h := handshakeOf(c)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	sid := core.SessionID(uuid.NewString())
	conn := newConn(ws, ctl.opts.SendBuffer)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("ip", h.RemoteIP).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.serve(ctx, cancel, sid, conn, h)
}

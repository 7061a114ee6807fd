package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Realtime/internal/app/auth"
	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type frameHandler func(ctx context.Context, s *session, data []byte) error

// session is the authenticated side of one connection as seen by handlers.
type session struct {
	sid  core.SessionID
	user domain.UserID
	role domain.Role
	conn *WsSignalConn
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				code, text := c.closeReason()
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("ping failed")
				return
			}
		}
	}
}

// serve authenticates the connection, then reads frames until it closes.
func (ctl *SignalWSController) serve(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn, h auth.Handshake) {
	defer func() {
		cancel()
		c.Close()
		ctl.Orch.Disconnect(context.WithoutCancel(ctx), sid)
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("connection closed")
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	var pending <-chan readResult
	if !h.HasBearer() {
		fallback := h.Token() != ""
		wait := ctl.opts.AuthTimeout
		if fallback {
			wait = min(ctl.opts.AuthFrameWait, ctl.opts.AuthTimeout)
		}
		tok, next, ok := ctl.awaitAuth(c, wait, fallback)
		if !ok {
			_ = c.ws.Close()
			return
		}
		h.AuthToken = tok
		pending = next
	}
	id, err := ctl.Orch.Admit(ctx, sid, c, h, cancel)
	if err != nil {
		ctl.rejectAuth(c, err)
		return
	}
	ctl.readPump(ctx, &session{sid: sid, user: id.UserID, role: id.Role, conn: c}, pending, pongWait)
}

type readResult struct {
	data []byte
	err  error
}

// readAsync runs one ReadMessage in the background. Waiting on it with a
// timer leaves the connection usable, unlike an expired read deadline.
func readAsync(ws *websocket.Conn) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		_, data, err := ws.ReadMessage()
		ch <- readResult{data: data, err: err}
	}()
	return ch
}

func replay(r readResult) <-chan readResult {
	ch := make(chan readResult, 1)
	ch <- r
	return ch
}

// awaitAuth waits up to wait for an auth frame, whose token outranks query
// and cookie credentials. When such a fallback exists, the first other frame
// or the timeout ends the wait and the unconsumed read is handed back for the
// read loop. Without one, other frames get AUTH_REQUIRED and a timeout fails.
func (ctl *SignalWSController) awaitAuth(c *WsSignalConn, wait time.Duration, fallback bool) (string, <-chan readResult, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		next := readAsync(c.ws)
		select {
		case <-timer.C:
			if fallback {
				return "", next, true
			}
			log.Debug().Str("module", "signal").Dur("timeout", wait).Msg("no auth frame")
			return "", nil, false
		case r := <-next:
			if r.err != nil {
				log.Debug().Err(r.err).Str("module", "signal").Msg("closed before auth")
				return "", nil, false
			}
			var env envelope
			if json.Unmarshal(r.data, &env) == nil && env.Type == "auth" {
				var p authPayload
				_ = json.Unmarshal(r.data, &p)
				return p.Token, nil, true
			}
			if fallback {
				return "", replay(r), true
			}
			ctl.sendJSON(c, authError{Type: "auth_error", Code: string(domain.AuthRequired), Message: "authenticate first"})
		}
	}
}

func (ctl *SignalWSController) rejectAuth(c *WsSignalConn, err error) {
	msg := "authentication failed"
	var ae *domain.AuthenticationError
	if errors.As(err, &ae) {
		msg = ae.Reason
	}
	code := domain.Code(err)
	ctl.sendJSON(c, authError{Type: "auth_error", Code: code, Message: msg})
	c.CloseWith(websocket.ClosePolicyViolation, code)
	select {
	case <-c.done:
	case <-time.After(ctl.opts.WriteTimeout):
	}
}

// readPump handles frames until the socket fails. pending, when set, holds a
// read already started during authentication and is consumed first.
func (ctl *SignalWSController) readPump(ctx context.Context, s *session, pending <-chan readResult, pongWait time.Duration) {
	c := s.conn
	limiter := newFrameLimiter(ctl.opts.MessagesPerSecond, ctl.opts.Burst)

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(s.sid)).Msg("readPump ctx done")
			return
		default:
			var r readResult
			if pending != nil {
				r = <-pending
				pending = nil
			} else {
				_, r.data, r.err = c.ws.ReadMessage()
			}
			if r.err != nil {
				if websocket.IsUnexpectedCloseError(r.err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(r.err).Str("module", "signal").Str("sid", string(s.sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
			ctl.Orch.Registry.Touch(s.sid)
			ctl.handleSignal(ctx, s, limiter, r.data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, s *session, limiter *frameLimiter, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		ctl.sendError(s.conn, "", fmt.Errorf("%w: malformed frame", domain.ErrBadRequest))
		return
	}
	if !limiter.Allow(env.Type) {
		ctl.sendJSON(s.conn, core.ErrorFrame{Type: "error", Code: string(domain.AuthRateLimited), Error: "slow down", Request: env.Type})
		return
	}
	h, ok := ctl.routes[env.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(s.conn, env.Type, fmt.Errorf("%w: unknown frame type %q", domain.ErrBadRequest, env.Type))
		return
	}
	if err := h(ctx, s, data); err != nil {
		code := domain.Code(err)
		ev := log.Debug()
		if code == domain.CodeUnavailable || code == domain.CodeInternal {
			ev = log.Warn()
		}
		ev.Err(err).Str("module", "signal").Str("sid", string(s.sid)).Str("type", env.Type).Str("code", code).Msg("request refused")
		ctl.sendError(s.conn, env.Type, err)
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, request string, err error) {
	msg := err.Error()
	var tr *domain.TransientInfraError
	if errors.As(err, &tr) {
		msg = "temporarily unavailable"
	}
	ctl.sendJSON(c, core.ErrorFrame{Type: "error", Code: domain.Code(err), Error: msg, Request: request})
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	f, err := core.EncodeFrame(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(f); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}

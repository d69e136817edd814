package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/config"
	"github.com/vovakirdan/wiregate/internal/core"
)

const sendBuffer = 64

var errRateLimited = errors.New("rate limit exceeded")

// WSHandler upgrades HTTP connections and bridges them to the engine.
type WSHandler struct {
	engine          *core.Engine
	maxMessageBytes int64
	ratePerMinute   int
	log             *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(engine *core.Engine, cfg config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{
		engine:          engine,
		maxMessageBytes: cfg.MaxMessageBytes,
		ratePerMinute:   cfg.RateLimitPerMinute,
		log:             logger,
	}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r.Header.Get("Authorization"))
	}

	session, err := h.engine.Upgrade(r.Context(), core.UpgradeRequest{
		Token:      token,
		Header:     r.Header,
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		h.reject(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	if h.maxMessageBytes > 0 {
		conn.SetReadLimit(h.maxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writer := newSocketWriter(sendBuffer)
	client, err := h.engine.Connect(ctx, session, core.NewBusConn(session.ID, h.engine.Topics(), writer))
	if err != nil {
		h.log.Info().Err(err).Str("client_id", session.ID).Msg("connection refused")
		conn.Close(websocket.StatusPolicyViolation, "connection refused")
		return
	}
	defer h.engine.Disconnect(client)
	defer writer.Close()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client, newRateLimiter(h.ratePerMinute))
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client.ID(), writer)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("client_id", client.ID()).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// reject answers a refused upgrade over plain HTTP.
func (h *WSHandler) reject(w stdhttp.ResponseWriter, r *stdhttp.Request, err error) {
	ue, ok := core.IsUpgradeError(err)
	if !ok {
		h.log.Error().Err(err).Msg("upgrade failed")
		stdhttp.Error(w, "internal server error", stdhttp.StatusInternalServerError)
		return
	}

	status := ue.Status
	if ue.Location != "" {
		if status < 300 || status > 399 {
			status = stdhttp.StatusFound
		}
		stdhttp.Redirect(w, r, ue.Location, status)
		return
	}
	if status == 0 {
		status = stdhttp.StatusForbidden
	}
	reason := ue.Reason
	if reason == "" {
		reason = stdhttp.StatusText(status)
	}
	h.log.Debug().Int("status", status).Str("reason", reason).Str("remote_addr", r.RemoteAddr).Msg("upgrade rejected")
	stdhttp.Error(w, reason, status)
}

// readLoop dispatches frames one at a time, so a client's messages are handled in order.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.LocalClient, limiter *rateLimiter) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if !limiter.allow() {
			client.Error(core.ProtocolError(errRateLimited))
			continue
		}
		if err := h.engine.HandleMessage(ctx, client, data); err != nil {
			h.log.Debug().Err(err).Str("client_id", client.ID()).Msg("inbound message failed")
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, clientID string, writer *socketWriter) error {
	for {
		select {
		case payload := <-writer.out:
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				h.log.Error().Err(err).Str("client_id", clientID).Msg("write ws frame")
				return err
			}
		case <-writer.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

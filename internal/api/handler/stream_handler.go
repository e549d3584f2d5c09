package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/infrastructure/broadcast"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamReadLimit  = 512
)

// Broadcaster is the subscribe side of the change-event hub.
type Broadcaster interface {
	Subscribe() *broadcast.Subscription
	Unsubscribe(s *broadcast.Subscription)
}

// StreamHandler upgrades dashboard connections to a websocket change stream.
type StreamHandler struct {
	hub      Broadcaster
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewStreamHandler builds the handler. An empty allowedOrigins list, or one
// containing "*", accepts any origin.
func NewStreamHandler(hub Broadcaster, allowedOrigins []string, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
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

// Stream handles GET /v1/stream.
//
// The first frame is {"type":"live"}. Every accepted mutation then arrives as
// an "event" frame in sequence order. A "resync" frame means events were
// dropped and the client should reload state over REST.
//
// @Summary      Live change stream (websocket)
// @Tags         stream
// @Security     BearerAuth
// @Param        access_token  query  string  false  "JWT for clients that cannot set headers"
// @Success      101
// @Failure      401  {object}  errorResponse
// @Router       /v1/stream [get]
func (h *StreamHandler) Stream(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	log := h.log.With().Uint64("subscriber_id", sub.ID()).Str("remote_ip", c.RealIP()).Logger()
	log.Info().Msg("stream subscriber connected")

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	go h.readPump(conn, cancel)
	go h.pingLoop(ctx, conn)

	if err := writeFrame(conn, streamFrame{Type: frameLive}); err != nil {
		return nil
	}

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, broadcast.ErrClosed) {
				log.Warn().Err(err).Msg("stream receive failed")
			}
			break
		}
		if err := writeFrame(conn, frameFromMessage(msg)); err != nil {
			log.Debug().Err(err).Msg("stream write failed")
			break
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(streamWriteWait))
	log.Info().Msg("stream subscriber disconnected")
	return nil
}

// readPump discards client messages and cancels the stream when the peer goes away.
func (h *StreamHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *StreamHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f streamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(f)
}

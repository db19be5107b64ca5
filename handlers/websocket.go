package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/agent"
	"github.com/RoboMaroof/ragserver/apperr"
)

const (
	wsReadTimeout  = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// checkOrigin allows same-host requests, and any origin listed in allowed
// ("*" allows all).
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// streamWS answers one request per connection: the client sends the same
// JSON body as /agent/invoke, then receives stream events as JSON frames
// until a result or error frame, after which the server closes.
func (h *handler) streamWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(h.deps.Config.AllowedOrigins),
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestBytes)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

	var req invokeRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.writeFrame(conn, errorEvent(apperr.Invalid("Invalid input")))
		h.closeConn(conn, websocket.CloseUnsupportedData, "invalid request")
		return
	}
	inv, err := h.prepare(req, "")
	if err != nil {
		h.writeFrame(conn, errorEvent(err))
		h.closeConn(conn, websocket.ClosePolicyViolation, "invalid request")
		return
	}

	// The request context does not end when a hijacked connection closes, so
	// a reader goroutine turns a client close into cancellation.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn.SetReadDeadline(time.Time{})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	h.pump(ctx, inv, "ws", func(ev agent.StreamEvent) {
		if err := h.writeFrame(conn, ev); err != nil {
			cancel()
		}
	})
	h.closeConn(conn, websocket.CloseNormalClosure, "")
}

func (h *handler) writeFrame(conn *websocket.Conn, ev agent.StreamEvent) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		h.log.Debug("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}

func (h *handler) closeConn(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

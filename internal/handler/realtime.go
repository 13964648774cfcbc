package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/sdk/zctx"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xenking/tableside/internal/domain/auth"
	"github.com/xenking/tableside/internal/realtime"
)

// CloseResubscribe is the WebSocket close code sent when the server drops a
// subscription. Clients reconnect and reconcile.
const CloseResubscribe = 4000

// Realtime handles GET /realtime: it upgrades to a WebSocket and streams the
// caller's tenant events until either side goes away. Nothing is replayed on
// reconnect.
func (h *Handler) Realtime(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	lg := zctx.From(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		lg.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	sub := h.hub.Subscribe(p.TenantID)
	defer sub.Close()
	lg.Info("Realtime subscriber connected")

	// Reads only serve control frames; a peer that stops answering pings
	// times out here.
	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			lg.Info("Realtime subscriber disconnected")
			return
		case e, ok := <-sub.Events():
			if !ok {
				lg.Info("Realtime subscription dropped")
				msg := websocket.FormatCloseMessage(CloseResubscribe, "resubscribe")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, realtime.EncodeEvent(e)); err != nil {
				lg.Debug("Realtime write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// handleEventFeed upgrades GET /events to a WebSocket and streams lifecycle
// events until the client disconnects. The feed is read-only; client frames
// are discarded.
func (g *Gateway) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// CloseRead cancels the returned context when the client goes away.
	ctx := conn.CloseRead(r.Context())

	ch, cancel := g.bus.Subscribe()
	defer cancel()

	g.logger.Debug("event feed subscriber connected", slog.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				g.logger.Debug("event feed write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

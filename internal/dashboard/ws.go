package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const wsWriteTimeout = 5 * time.Second

// handleWS handles GET /dashboard/ws. Each connected client receives every
// new event as a JSON text frame until it disconnects.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	acceptOpts := &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dashboard use
	}

	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		slog.Error("failed to accept websocket connection", "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := h.feed.Subscribe()
	defer cancel()

	slog.Debug("dashboard websocket connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case e := <-events:
			if err := writeEvent(ctx, conn, e); err != nil {
				slog.Debug("dashboard websocket closed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

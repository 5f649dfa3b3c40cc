package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

const eventWriteTimeout = 5 * time.Second

// Events upgrades to a websocket and forwards session store changes as JSON
// text frames until either side goes away.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so the client sees every
	// change made after Dial returns.
	events, cancel := h.Sessions.Subscribe(h.Config.EventBuffer)
	defer cancel()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		h.logger.Warn("failed to accept websocket", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed closed"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the client disconnects.
	ctx := ws.CloseRead(r.Context())

	h.logger.Info("event feed connected", "remote_addr", r.RemoteAddr)
	defer h.logger.Info("event feed disconnected", "remote_addr", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("failed to encode event", "error", err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, eventWriteTimeout)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				h.logger.Debug("failed to write event", "error", err)
				return
			}
		}
	}
}

// originPatterns allows any origin in development and the dashboard host
// otherwise.
func (h *Handler) originPatterns() []string {
	if h.Config.IsDevelopment() {
		return []string{"*"}
	}
	u, err := url.Parse(h.Config.FrontendURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}

package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/antirisk-desk/internal/advisor"
	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/resilience"
	"github.com/ashureev/antirisk-desk/internal/stream"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

type chatRequest struct {
	Message string `json:"message"`
}

type fragmentEvent struct {
	MessageID string          `json:"message_id"`
	Text      string          `json:"text"`
	First     bool            `json:"first,omitempty"`
	Sources   []domain.Source `json:"sources,omitempty"`
}

type retryEvent struct {
	Attempt int    `json:"attempt"`
	DelayMS int64  `json:"delay_ms"`
	Class   string `json:"class"`
	Error   string `json:"error"`
}

// Chat sends a user message and streams the advisor reply as server-sent
// events: retry, fragment, done and error.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if h.Advisor == nil {
		Error(w, http.StatusServiceUnavailable, "advisor is not configured")
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stopKeepalive := sse.startKeepalive(h.Config.SSE.KeepaliveInterval)
	defer stopKeepalive()

	reqID := chiMiddleware.GetReqID(r.Context())
	h.logger.Info("chat request", "session_id", sess.ID, "message_length", len(req.Message), "request_id", reqID)

	var chunks int
	reply, err := h.Advisor.Send(r.Context(), sess.ID, req.Message, advisor.Observer{
		OnRetry: func(a resilience.Attempt) {
			if err := sse.send("retry", retryEvent{
				Attempt: a.Number,
				DelayMS: a.Delay.Milliseconds(),
				Class:   a.Class.String(),
				Error:   a.Err.Error(),
			}); err != nil {
				h.logger.Debug("failed to write retry event", "error", err)
			}
		},
		OnUpdate: func(u stream.Update) {
			if u.Done {
				return
			}
			chunks++
			if err := sse.send("fragment", fragmentEvent{
				MessageID: u.Message.ID,
				Text:      u.Message.Text,
				First:     u.First,
				Sources:   u.Message.Sources,
			}); err != nil {
				h.logger.Debug("failed to write fragment event", "error", err)
			}
		},
	})
	if err != nil {
		h.logger.Warn("chat stream failed", "session_id", sess.ID, "chunks", chunks, "request_id", reqID, "error", err)
		if writeErr := sse.send("error", map[string]string{"error": err.Error()}); writeErr != nil {
			h.logger.Debug("failed to write error event", "error", writeErr)
		}
		return
	}

	h.logger.Info("chat reply complete", "session_id", sess.ID, "chunks", chunks, "reply_length", len(reply.Text), "request_id", reqID)
	if err := sse.send("done", reply); err != nil {
		h.logger.Debug("failed to write done event", "error", err)
	}
}

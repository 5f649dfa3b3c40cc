package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

// wipeConfirmation must be echoed back to wipe the desk.
const wipeConfirmation = "WIPE"

type renameRequest struct {
	Title string `json:"title"`
}

type activeRequest struct {
	ID string `json:"id"`
}

type wipeRequest struct {
	Confirm string `json:"confirm"`
}

type pinResponse struct {
	MessageID string `json:"message_id"`
	IsPinned  bool   `json:"is_pinned"`
}

// session resolves the {id} path parameter or writes a 404.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (domain.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, ok := h.Sessions.Get(id)
	if !ok {
		h.fail(w, r, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound))
		return domain.Session{}, false
	}
	return sess, true
}

// ListSessions returns every session, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.Sessions.List())
}

// CreateSession opens a new session and makes it active.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Create(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// GetActiveSession returns the active session.
func (h *Handler) GetActiveSession(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.Sessions.Active())
}

// SetActiveSession switches the active session.
func (h *Handler) SetActiveSession(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, ok := h.Sessions.Get(req.ID); !ok {
		h.fail(w, r, fmt.Errorf("session %s: %w", req.ID, errdefs.ErrNotFound))
		return
	}
	if err := h.Sessions.SetActive(r.Context(), req.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.Sessions.Active())
}

// RenameSession sets a custom title.
func (h *Handler) RenameSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := h.Sessions.Rename(r.Context(), sess.ID, req.Title); err != nil {
		h.fail(w, r, err)
		return
	}
	sess, _ = h.Sessions.Get(sess.ID)
	JSON(w, http.StatusOK, sess)
}

// DeleteSession removes a session. The last session cannot be deleted.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if len(h.Sessions.List()) <= 1 {
		Error(w, http.StatusConflict, "the last session cannot be deleted")
		return
	}
	if err := h.Sessions.DeleteSession(r.Context(), sess.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearSession resets a session log.
func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.Sessions.ClearSession(r.Context(), sess.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	sess, _ = h.Sessions.Get(sess.ID)
	JSON(w, http.StatusOK, sess)
}

// DeleteMessage removes one message from a session.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	messageID := chi.URLParam(r, "messageID")
	if sess.MessageIndex(messageID) < 0 {
		h.fail(w, r, fmt.Errorf("message %s: %w", messageID, errdefs.ErrNotFound))
		return
	}
	if err := h.Sessions.DeleteMessage(r.Context(), sess.ID, messageID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TogglePin pins or unpins a finished assistant message.
func (h *Handler) TogglePin(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	msg, ok := h.findMessage(messageID)
	if !ok {
		h.fail(w, r, fmt.Errorf("message %s: %w", messageID, errdefs.ErrNotFound))
		return
	}
	if msg.Role != domain.RoleAssistant || msg.Streaming {
		h.fail(w, r, fmt.Errorf("only finished assistant messages can be pinned: %w", errdefs.ErrInvalidArgument))
		return
	}
	if err := h.Sessions.TogglePin(r.Context(), messageID); err != nil {
		h.fail(w, r, err)
		return
	}
	msg, _ = h.findMessage(messageID)
	JSON(w, http.StatusOK, pinResponse{MessageID: messageID, IsPinned: msg.IsPinned})
}

func (h *Handler) findMessage(messageID string) (domain.Message, bool) {
	for _, sess := range h.Sessions.List() {
		if i := sess.MessageIndex(messageID); i >= 0 {
			return sess.Messages[i], true
		}
	}
	return domain.Message{}, false
}

// ListPins returns pinned messages ordered by pin time.
func (h *Handler) ListPins(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.Sessions.Pinned())
}

// ListHistory returns sessions by last activity, newest first.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	JSON(w, http.StatusOK, h.Sessions.History(limit))
}

// Wipe discards every session after an explicit confirmation.
func (h *Handler) Wipe(w http.ResponseWriter, r *http.Request) {
	var req wipeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Confirm != wipeConfirmation {
		Error(w, http.StatusBadRequest, `confirm must be "WIPE"`)
		return
	}
	sess, err := h.Sessions.WipeAll(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Warn("all sessions wiped", "session_id", sess.ID)
	JSON(w, http.StatusOK, sess)
}

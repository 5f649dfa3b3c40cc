package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type knowledgeRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ListKnowledge returns the reference archive.
func (h *Handler) ListKnowledge(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Knowledge.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, docs)
}

// AddKnowledge stores a reference document.
func (h *Handler) AddKnowledge(w http.ResponseWriter, r *http.Request) {
	var req knowledgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	doc, err := h.Knowledge.Add(r.Context(), req.Title, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, doc)
}

// RemoveKnowledge deletes a reference document.
func (h *Handler) RemoveKnowledge(w http.ResponseWriter, r *http.Request) {
	if err := h.Knowledge.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

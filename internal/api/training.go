package api

import (
	"net/http"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/library"
	"github.com/go-chi/chi/v5"
)

type trainingResponse struct {
	domain.TrainingModule
	Offline bool `json:"offline"`
}

// ListTraining returns the saved catalog with offline availability.
func (h *Handler) ListTraining(w http.ResponseWriter, r *http.Request) {
	modules, err := h.Library.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]trainingResponse, 0, len(modules))
	for _, m := range modules {
		out = append(out, trainingResponse{TrainingModule: m, Offline: h.Library.Offline(m.ID)})
	}
	JSON(w, http.StatusOK, out)
}

// GenerateTraining drafts a module without saving it.
func (h *Handler) GenerateTraining(w http.ResponseWriter, r *http.Request) {
	var draft library.Draft
	if !h.decode(w, r, &draft) {
		return
	}
	m, err := h.Library.Generate(r.Context(), draft)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, m)
}

// SaveTraining adds a module to the catalog.
func (h *Handler) SaveTraining(w http.ResponseWriter, r *http.Request) {
	var m domain.TrainingModule
	if !h.decode(w, r, &m) {
		return
	}
	saved, err := h.Library.Save(r.Context(), m)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, saved)
}

// DeleteTraining removes a module and its offline artifact.
func (h *Handler) DeleteTraining(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Library.Get(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Library.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadTraining writes a saved module to the offline cache.
func (h *Handler) DownloadTraining(w http.ResponseWriter, r *http.Request) {
	a, err := h.Library.Download(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, a)
}

// RemoveOfflineTraining drops the offline artifact and keeps the catalog entry.
func (h *Handler) RemoveOfflineTraining(w http.ResponseWriter, r *http.Request) {
	if err := h.Library.RemoveOffline(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListOffline returns every readable offline artifact.
func (h *Handler) ListOffline(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.Cache.GetAll(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []domain.Artifact{}
	}
	JSON(w, http.StatusOK, artifacts)
}

// GetOffline returns one offline artifact.
func (h *Handler) GetOffline(w http.ResponseWriter, r *http.Request) {
	a, err := h.Cache.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, a)
}

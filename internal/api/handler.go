// Package api provides HTTP handlers for the advisor desk.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/antirisk-desk/internal/advisor"
	"github.com/ashureev/antirisk-desk/internal/config"
	"github.com/ashureev/antirisk-desk/internal/library"
	"github.com/ashureev/antirisk-desk/internal/offline"
	"github.com/ashureev/antirisk-desk/internal/session"
	"github.com/ashureev/antirisk-desk/internal/store"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the components served over HTTP. Gatherer may be nil.
type Deps struct {
	Repo      store.Repository
	Sessions  *session.Store
	Advisor   *advisor.Advisor
	Knowledge *advisor.Knowledge
	Library   *library.Library
	Cache     *offline.Cache
	Config    *config.Config
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// Handler serves the dashboard API.
type Handler struct {
	Deps
	limiter *RateLimiter
	logger  *slog.Logger
}

// New creates a Handler. Close releases its background goroutines.
func New(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	return &Handler{
		Deps:    deps,
		limiter: NewRateLimiter(deps.Config.RateLimit.RequestsPerWindow, deps.Config.RateLimit.WindowDuration),
		logger:  logger,
	}
}

// Close stops the rate limiter eviction loop.
func (h *Handler) Close() {
	h.limiter.Close()
}

// RegisterRoutes registers every API route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/ws/events", h.Events)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)

		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/active", h.GetActiveSession)
		r.Put("/sessions/active", h.SetActiveSession)
		r.Patch("/sessions/{id}", h.RenameSession)
		r.Delete("/sessions/{id}", h.DeleteSession)
		r.Post("/sessions/{id}/clear", h.ClearSession)
		r.Delete("/sessions/{id}/messages/{messageID}", h.DeleteMessage)
		r.With(h.requireOnline, h.throttle).Post("/sessions/{id}/chat", h.Chat)
		r.Get("/history", h.ListHistory)
		r.Post("/messages/{messageID}/pin", h.TogglePin)
		r.Get("/pins", h.ListPins)
		r.Post("/wipe", h.Wipe)

		r.Get("/training", h.ListTraining)
		r.With(h.requireOnline, h.throttle).Post("/training/generate", h.GenerateTraining)
		r.Post("/training", h.SaveTraining)
		r.Delete("/training/{id}", h.DeleteTraining)
		r.Post("/training/{id}/offline", h.DownloadTraining)
		r.Delete("/training/{id}/offline", h.RemoveOfflineTraining)
		r.Get("/offline", h.ListOffline)
		r.Get("/offline/{id}", h.GetOffline)

		r.Get("/knowledge", h.ListKnowledge)
		r.Post("/knowledge", h.AddKnowledge)
		r.Delete("/knowledge/{id}", h.RemoveKnowledge)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps an error class to an HTTP status.
func statusFor(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsResourceExhausted(err):
		return http.StatusTooManyRequests
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return errhttp.ToHTTP(err)
	}
}

// fail logs server-side failures and writes the error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	Error(w, status, err.Error())
}

// decode reads a bounded JSON body into v.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.SSE.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// requireOnline refuses generation while the desk runs in offline mode.
func (h *Handler) requireOnline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.OfflineMode {
			Error(w, http.StatusServiceUnavailable, "generation is disabled in offline mode")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// throttle rate-limits generation calls per client address.
func (h *Handler) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(clientKey(r)) {
			Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health reports whether storage is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.Repo != nil {
		if err := h.Repo.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	artifacts := 0
	if h.Cache != nil {
		artifacts = len(h.Cache.IDs())
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"offline_mode":      h.Config.OfflineMode,
		"offline_artifacts": artifacts,
	})
}

// GetConfig returns the settings the dashboard needs.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"offline_mode": h.Config.OfflineMode,
		"provider":     h.Config.Generation.Provider,
		"ai_enabled":   !h.Config.OfflineMode && h.Advisor != nil,
	})
}

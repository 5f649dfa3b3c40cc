package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/antirisk-desk/internal/api"
	"github.com/ashureev/antirisk-desk/internal/middleware"
	"github.com/ashureev/antirisk-desk/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDesk(ctx, true)
	if err != nil {
		return err
	}
	defer d.Close()

	cfg := d.cfg
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "offline_mode", cfg.OfflineMode)

	h := api.New(api.Deps{
		Repo:      d.repo,
		Sessions:  d.sessions,
		Advisor:   d.advisor,
		Knowledge: d.knowledge,
		Library:   d.library,
		Cache:     d.cache,
		Config:    cfg,
		Gatherer:  d.registry,
		Logger:    slog.Default().With("component", "api"),
	})
	defer h.Close()

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	h.RegisterRoutes(r)
	r.Handle("/*", web.SPAHandler())

	// SSE replies need an unbounded write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := d.cache.Watch(ctx, cfg.DBPath); err != nil {
			slog.Warn("Offline cache watcher stopped", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

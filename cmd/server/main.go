// Wellspring guidance backend: accepts chat turns and delivers staged
// replies over SSE with a polling fallback.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wellspring-health/chatlink/internal/api"
	"github.com/wellspring-health/chatlink/internal/config"
	"github.com/wellspring-health/chatlink/internal/guide"
	"github.com/wellspring-health/chatlink/internal/identity"
	"github.com/wellspring-health/chatlink/internal/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting guidance backend", "port", cfg.Port, "dev", cfg.IsDevelopment())

	responder := &guide.ScriptedResponder{StageDelay: cfg.Guide.StageDelay}
	guideService := guide.NewService(responder, guide.Config{
		TurnTTL:    cfg.Guide.TurnTTL,
		GCInterval: cfg.Guide.GCInterval,
	}, logger)
	defer guideService.Close()

	guideHandler := guide.NewHandler(guideService, cfg, logger)
	defer guideHandler.Close()

	// The backend holds turn state in memory only; readiness without a
	// repository reports liveness.
	healthHandler := api.NewHandler(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterRoutes(r)
	guideHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	// SSE connections require long timeouts (no WriteTimeout). BaseContext
	// ties every request to the signal context so stream loops unwind on
	// shutdown instead of pinning Shutdown until its deadline.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

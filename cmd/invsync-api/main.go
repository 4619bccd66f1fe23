package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmrzaf/invsync/internal/api"
	"github.com/mmrzaf/invsync/internal/app"
	"github.com/mmrzaf/invsync/internal/config"
	"github.com/mmrzaf/invsync/internal/infra/scheduler"
	"github.com/mmrzaf/invsync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("error").Errorw("startup.failed", map[string]any{"error": err.Error(), "stage": "load_config"})
		os.Exit(1)
	}

	bindAddr := flag.String("bind", cfg.BindAddr, "Bind address")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level")
	poll := flag.Duration("poll", scheduler.DefaultPollInterval, "Scheduler poll interval")
	flag.Parse()

	logger := logging.NewLogger(*logLevel).WithComponent("api_main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Bootstrap(ctx, cfg, logging.NewLogger(*logLevel))
	if err != nil {
		logger.Errorw("startup.failed", map[string]any{"error": err.Error(), "stage": "bootstrap"})
		os.Exit(1)
	}
	defer rt.Close()

	if err := rt.Sync.RegisterFullSync(ctx); err != nil {
		logger.Errorw("startup.failed", map[string]any{"error": err.Error(), "stage": "register_full_sync"})
		os.Exit(1)
	}

	runner := scheduler.NewRunner(rt.Registry, logging.NewLogger(*logLevel), *poll)
	runner.Handle(scheduler.DrainHook, func(ctx context.Context) error {
		_, err := rt.Sync.DrainNextBatch(ctx)
		return err
	})
	runner.Handle(scheduler.FullSyncHook, rt.Sync.RunScheduledSync)
	go runner.Run(ctx)

	mux := http.NewServeMux()
	api.NewHandler(rt.Sync).Register(mux)

	srv := &http.Server{
		Addr:              *bindAddr,
		Handler:           loggingMiddleware(logger.WithComponent("http"), mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infow("startup.listening", map[string]any{"bind": *bindAddr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorw("startup.failed", map[string]any{"error": err.Error(), "stage": "listen"})
		os.Exit(1)
	}
	logger.Infow("shutdown.complete", nil)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		fields := map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"duration_ms": time.Since(started).Milliseconds(),
			"remote":      r.RemoteAddr,
		}
		if sw.status >= 500 {
			logger.Errorw("request.completed", fields)
			return
		}
		if sw.status >= 400 {
			logger.Warnw("request.completed", fields)
			return
		}
		logger.Infow("request.completed", fields)
	})
}

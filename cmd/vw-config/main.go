// vw-config is the Configuration Authority: it validates the declarative
// platform YAML, publishes the canonical snapshot, and serves the read API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/videowall-io/controlplane/pkg/api"
	"github.com/videowall-io/controlplane/pkg/authority"
	"github.com/videowall-io/controlplane/pkg/config"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	cfg := config.LoadAuthority()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	loader, err := authority.NewLoader()
	if err != nil {
		log.Error("schema compile failed", "error", err)
		os.Exit(1)
	}
	watcher := authority.NewWatcher(loader, cfg.ConfigPath, cfg.PollInterval, cfg.EventLogPath, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go watcher.Run(ctx)

	svc := &authority.Service{Loader: loader, Watcher: watcher}
	mux := http.NewServeMux()
	svc.Routes(mux)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Chain(mux, api.RequestID, api.RequestLog(log)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("config authority listening", "addr", cfg.Listen, "config_path", cfg.ConfigPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

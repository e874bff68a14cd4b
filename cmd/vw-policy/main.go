// vw-policy is the Policy Engine: it loads the access policy from the
// Configuration Authority (or a local file) and answers evaluation calls.
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
	"github.com/videowall-io/controlplane/pkg/config"
	"github.com/videowall-io/controlplane/pkg/policy"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	cfg := config.LoadPolicy()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	tags := policy.NewTagClient(cfg.MgmtURL, cfg.ConfigTimeout, log)
	engine := policy.NewEngine(cfg.ConfigURL, cfg.PolicyPath, cfg.ConfigTimeout, tags, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	engine.Reload(ctx)

	svc := &policy.Service{Engine: engine}
	mux := http.NewServeMux()
	svc.Routes(mux)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Chain(mux, api.RequestID, api.RequestLog(log)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("policy engine listening", "addr", cfg.Listen)
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

// vw-audit is the standalone audit service: hash-chained event ingest,
// query, verification, and export.
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
	"github.com/videowall-io/controlplane/pkg/audit"
	"github.com/videowall-io/controlplane/pkg/config"
	"github.com/videowall-io/controlplane/pkg/sqldb"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	cfg := config.LoadAudit()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, driver, err := sqldb.Open(cfg.DBDSN, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store := audit.NewStore(db, driver)
	if err := store.Init(ctx); err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}

	svc := &audit.Service{Store: store, ChainID: cfg.ChainID}
	mux := http.NewServeMux()
	svc.Routes(mux)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Chain(mux, api.RequestID, api.RequestLog(log)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("audit service listening", "addr", cfg.Listen, "driver", driver, "chain_id", cfg.ChainID)
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

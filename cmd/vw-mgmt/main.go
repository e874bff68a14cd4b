// vw-mgmt is the Management Service: authenticated CRUD over walls,
// sources, and layouts, stream token minting, bundle transfer, audit
// access, and the config reconciler.
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
	"github.com/videowall-io/controlplane/pkg/mgmt"
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
	cfg := config.LoadMgmt()
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

	store := mgmt.NewStore(db, driver)
	if err := store.Init(ctx); err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	auditStore := audit.NewStore(db, driver)
	if err := auditStore.Init(ctx); err != nil {
		log.Error("audit init failed", "error", err)
		os.Exit(1)
	}

	verifier, err := mgmt.NewVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCClientID, cfg.OIDCPublicKeyPEM, cfg.OIDCJWKSPath)
	if err != nil {
		log.Error("token verifier init failed", "error", err)
		os.Exit(1)
	}

	configClient := mgmt.NewConfigClient(cfg.ConfigURL)
	reconciler := mgmt.NewReconciler(store, configClient, auditStore, cfg.AuditChainID, cfg.ReconcileInterval, log)
	if cfg.ReconcileEnabled {
		go reconciler.Run(ctx)
	} else {
		log.Info("reconciler disabled")
	}

	svc := &mgmt.Service{
		Store:      store,
		Audit:      auditStore,
		ChainID:    cfg.AuditChainID,
		Verifier:   verifier,
		Minter:     mgmt.NewMinter(cfg.StreamTokenSecret, cfg.StreamTokenTTL),
		Bundler:    mgmt.NewBundler(store, cfg.BundleHMACSecret),
		Policy:     mgmt.NewPolicyClient(cfg.PolicyURL),
		AuditSvc:   mgmt.NewAuditClient(cfg.AuditURL),
		Gateway:    mgmt.NewGatewayClient(cfg.HealthURL),
		Reconciler: reconciler,
		Log:        log,
	}
	mux := http.NewServeMux()
	svc.Routes(mux)

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Chain(mux, api.RequestID, api.RequestLog(log), limiter.Middleware),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("management api listening", "addr", cfg.Listen, "driver", driver)
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

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"artisanpay/gateway/auth"
	"artisanpay/gateway/middleware"
	"artisanpay/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logging.Setup("escrow-gateway", os.Getenv("ESCROW_GATEWAY_ENV"))

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		slog.Error("open sqlite store failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	credentials, err := cfg.Credentials()
	if err != nil {
		slog.Error("invalid api key credentials", "error", err)
		os.Exit(1)
	}
	authenticator := auth.NewAuthenticator(credentials, cfg.AllowedTimestampSkew, cfg.NonceTTL, cfg.NonceCapacity, nil, store)
	if err := authenticator.HydrateNonces(context.Background(), time.Now().Add(-cfg.NonceTTL)); err != nil {
		slog.Warn("hydrate nonces failed", "error", err)
	}

	var adminAuth *middleware.TokenAuthenticator
	if cfg.AdminJWTSecret != "" {
		adminAuth = middleware.NewTokenAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.AdminJWTSecret,
			Issuer:     cfg.AdminJWTIssuer,
			Audience:   cfg.AdminJWTAudience,
		}, slog.Default())
	}

	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	dispatcher := NewWebhookDispatcher(node, store, cfg.EventPollInterval, cfg.WebhookMaxAttempts, slog.Default())
	server := NewServer(authenticator, adminAuth, node, store, dispatcher, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dispatcher.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server,
	}
	go func() {
		slog.Info("escrow gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down escrow gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}

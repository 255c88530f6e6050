package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swapcycle/clearing/pkg/api"
	"github.com/swapcycle/clearing/pkg/authz"
	"github.com/swapcycle/clearing/pkg/config"
	"github.com/swapcycle/clearing/pkg/crypto"
	"github.com/swapcycle/clearing/pkg/engine"
	"github.com/swapcycle/clearing/pkg/events"
	"github.com/swapcycle/clearing/pkg/handshake"
	"github.com/swapcycle/clearing/pkg/observability"
	"github.com/swapcycle/clearing/pkg/reservation"
	"github.com/swapcycle/clearing/pkg/settlement"
	"github.com/swapcycle/clearing/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "clearingd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return fmt.Errorf("load matching profile: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	provider, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
	}()

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = s.Close() }()
	logger.Info("store opened", "path", cfg.DatabasePath)

	signer, err := crypto.NewEd25519Signer(cfg.SignerKeyID)
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}
	logger.Info("signing key ready", "key_id", signer.KeyID(), "public_key", signer.PublicKey())

	gate, err := authz.New(authz.DefaultRules(), "")
	if err != nil {
		return fmt.Errorf("init authz gate: %w", err)
	}

	emitter := events.NewEmitter(s, signer, logger)
	dispatcher := events.NewDispatcher(s, &events.LogSink{Logger: logger}, logger, profile.Windows.SweepInterval.Std())

	reservations := reservation.NewManager(s, emitter, logger, profile.Windows.ReservationTTL.Std())
	machine := settlement.NewMachine(s, signer, emitter, &settlement.LogTransferPort{Logger: logger}, logger)
	decisions := handshake.New(s, reservations, emitter, logger, profile.Windows.DepositWindow.Std())

	matcher := engine.New(s, reservations, machine, emitter, logger, engine.Options{
		MaxLength:      profile.Matching.MaxCycleLength,
		TierMaxLength:  profile.TierMaxLength(),
		MaxPerStart:    profile.Matching.MaxCandidatesPerStart,
		MaxProposals:   profile.Matching.MaxProposalsPerRun,
		Weights:        profile.Weights,
		ReservationTTL: profile.Windows.ReservationTTL.Std(),
		MatchInterval:  profile.Windows.MatchInterval.Std(),
		SweepInterval:  profile.Windows.SweepInterval.Std(),
	})

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, all client requests will be rejected")
	}
	server := api.NewServer(s, decisions, machine, gate, logger)
	handler := provider.Middleware(
		server.Handler(api.NewJWTValidator(cfg.JWTSecret), api.NewActorRateLimiter(10, 30), s))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go dispatcher.Run(ctx)
	go func() {
		if err := matcher.Loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("matching loop stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

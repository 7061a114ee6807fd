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

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Realtime/internal/adapters/http"
	"github.com/dkeye/Realtime/internal/adapters/push"
	"github.com/dkeye/Realtime/internal/adapters/store"
	"github.com/dkeye/Realtime/internal/app"
	"github.com/dkeye/Realtime/internal/app/auth"
	"github.com/dkeye/Realtime/internal/app/eventbus"
	"github.com/dkeye/Realtime/internal/app/messaging"
	"github.com/dkeye/Realtime/internal/app/orch"
	"github.com/dkeye/Realtime/internal/app/signaling"
	"github.com/dkeye/Realtime/internal/config"
	"github.com/dkeye/Realtime/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	cfg.ApplyLogLevel()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	clk := clock.New()

	st, err := store.Open(store.Options{
		Path:      cfg.Store.Path,
		InMemory:  cfg.Store.InMemory,
		TypingTTL: cfg.Messaging.TypingTTL,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()
	if cfg.Store.SeedFile != "" {
		if err := st.LoadFixtures(ctx, cfg.Store.SeedFile); err != nil {
			log.Warn().Err(err).Str("file", cfg.Store.SeedFile).Msg("seed incomplete")
		}
	}

	reg := app.NewRegistry(core.NewRoomHub(), app.SimplePolicy{}, clk)
	dispatcher := messaging.NewDispatcher(push.LogSender{}, st, cfg.Messaging.PushWorkers, 0)
	defer dispatcher.Wait()

	o := &orch.Orchestrator{
		Registry: reg,
		Gate: auth.NewGatekeeper(auth.Config{
			Secret:                []byte(cfg.Auth.JWTSecret),
			Algorithms:            cfg.Auth.Algorithms,
			MaxTokenAge:           cfg.Auth.MaxTokenAge,
			MaxAttempts:           cfg.Auth.MaxAttempts,
			AttemptWindow:         cfg.Auth.AttemptWindow,
			TrackedSources:        cfg.Auth.TrackedSources,
			MaxConnectionsPerUser: cfg.Auth.MaxConnectionsPerUser,
			SweepInterval:         cfg.Auth.SweepInterval,
		}, st, clk),
		Bus: eventbus.New(),
		Messaging: messaging.NewCoordinator(reg, st, dispatcher, messaging.Config{
			TypingTTL:           cfg.Messaging.TypingTTL,
			TypingSweepInterval: cfg.Messaging.TypingSweepInterval,
		}, clk),
		Signaling: signaling.NewManager(reg, st, signaling.Config{
			EndGrace:      cfg.Signaling.EndGrace,
			RingTimeout:   cfg.Signaling.RingTimeout,
			SweepInterval: cfg.Signaling.SweepInterval,
			ICEServers:    cfg.Signaling.ICEServers,
		}, clk),
	}
	o.BindEvents()
	defer o.Signaling.Close()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, o),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range o.Runners() {
		g.Go(func() error { return loop(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Realtime server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

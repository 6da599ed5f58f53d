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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	authadapter "github.com/pikadj/pika-relay/internal/adapters/auth"
	router "github.com/pikadj/pika-relay/internal/adapters/http"
	"github.com/pikadj/pika-relay/internal/adapters/persistence"
	wsignal "github.com/pikadj/pika-relay/internal/adapters/signal"
	"github.com/pikadj/pika-relay/internal/app"
	"github.com/pikadj/pika-relay/internal/app/orch"
	"github.com/pikadj/pika-relay/internal/config"
	"github.com/pikadj/pika-relay/internal/metrics"
)

func main() {
	ctx, cancel := signalContext()
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	store, err := persistence.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	m := metrics.New()
	timers := app.NewScheduler()
	defer timers.Stop()

	o := orch.New(orch.Deps{
		Sessions: app.NewSessionRegistry(),
		Polls:    app.NewPollEngine(),
		Nonces:   app.NewNonceCache(cfg.NonceCapacity, cfg.NonceTTL),
		Presence: app.NewPresenceTracker(cfg.PresenceGrace, cfg.PresenceRetention),
		Tempo:    app.NewTempoBoard(cfg.TempoTTL),
		Limiter:  app.NewBroadcastLimiter(cfg.MediaMinInterval),
		Hub:      app.NewHub(),
		Timers:   timers,
		Store:    store,
		Metrics:  m,
	})

	verifier := authadapter.NewHMACVerifier(cfg.Secret)
	ctrl := wsignal.NewController(o, cfg, verifier, m)

	r := router.SetupRouter(ctx, cfg, o, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "main").Str("addr", addr).Msg("relay server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return o.RunSweeps(gctx, cfg.NonceSweepInterval, cfg.PresenceSweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("module", "main").Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("server exited gracefully")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

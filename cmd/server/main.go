package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Lobby/internal/adapters/auth"
	router "github.com/dkeye/Lobby/internal/adapters/http"
	"github.com/dkeye/Lobby/internal/adapters/rtc"
	"github.com/dkeye/Lobby/internal/app/orch"
	"github.com/dkeye/Lobby/internal/app/persist"
	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/storage/sqlite"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		// JSON lines for log shippers.
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("lobby server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("storage dir: %w", err)
	}
	store, err := sqlite.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()

	var verifier core.Authenticator
	if cfg.Auth.Secret != "" {
		v, err := auth.NewJWTVerifier(auth.Config{
			Secret:   []byte(cfg.Auth.Secret),
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway,
		})
		if err != nil {
			return err
		}
		verifier = v
	} else {
		log.Warn().Msg("auth.secret is empty, every player joins as a guest")
	}

	clk := clock.New()
	loop := orch.NewLoop(clk, 0)
	positions := persist.NewWriter(store, clk, cfg.Storage.FlushInterval)
	lobby := orch.New(orch.Config{
		MaxConnections:     cfg.MaxConnections,
		RequestTTL:         cfg.Interaction.RequestTTL,
		NegotiationTimeout: cfg.Interaction.NegotiationTimeout,
		StoreTimeout:       cfg.Storage.Timeout,
		RateRules:          cfg.RateLimit.LimiterRules(),
		RateRetention:      cfg.RateLimit.Retention,
		SweepInterval:      cfg.RateLimit.SweepInterval,
	}, orch.Deps{
		Loop:       loop,
		Store:      store,
		Auth:       verifier,
		Classifier: rtc.Classifier{},
		Positions:  positions,
	})
	lobby.Start()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, lobby),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return positions.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", addr).Int("max_players", cfg.MaxConnections).Msg("Lobby server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}

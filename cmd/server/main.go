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

	router "github.com/dkeye/Classroom/internal/adapters/http"
	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/config"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/relay/memory"
	"github.com/dkeye/Classroom/internal/relay/redis"
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
	zerolog.SetGlobalLevel(cfg.Level())

	relay, err := openRelay(ctx, cfg.Relay)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open relay")
	}
	defer func() { _ = relay.Close() }()

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Relay:    relay,
		Registry: app.NewRegistry(),
		Policy:   app.SimplePolicy{},
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("relay", cfg.Relay.Backend).Msg("Classroom signaling server started")
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
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		return
	}
	log.Info().Msg("Server exited gracefully")
}

func openRelay(ctx context.Context, cfg config.RelayConfig) (core.Relay, error) {
	switch cfg.Backend {
	case "redis":
		return redis.Connect(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	default:
		log.Warn().Str("module", "main").Msg("in-memory relay: state is lost on restart and not shared between instances")
		return memory.NewStore(), nil
	}
}

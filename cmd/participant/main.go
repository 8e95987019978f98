// Command participant joins a live session headlessly, as presenter or
// viewer, using synthetic media. It is handy for load and soak testing a
// session without browsers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Classroom/internal/adapters/media"
	"github.com/dkeye/Classroom/internal/adapters/rtc"
	"github.com/dkeye/Classroom/internal/app/orch"
	"github.com/dkeye/Classroom/internal/app/status"
	"github.com/dkeye/Classroom/internal/config"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/dkeye/Classroom/internal/relay/memory"
	"github.com/dkeye/Classroom/internal/relay/redis"
)

func flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("participant", pflag.ExitOnError)
	fs.String("participant.session", "", "session id to join")
	fs.String("participant.id", "", "participant id (generated when empty)")
	fs.String("participant.name", "", "display name")
	fs.String("participant.role", "viewer", "presenter or viewer")
	fs.String("participant.media", media.SourceSynthetic, "media source: synthetic or denied")
	fs.String("relay.backend", "redis", "relay backend: redis (shared with the server) or memory")
	fs.String("relay.redis.addr", "localhost:6379", "redis address")
	fs.String("log_level", "info", "log level")
	return fs
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := flags()
	_ = fs.Parse(os.Args[1:])
	cfg, err := config.LoadWithFlags(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("participant failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	pc := cfg.Participant
	if pc.Session == "" {
		return fmt.Errorf("participant.session is required")
	}
	role, err := domain.ParseRole(pc.Role)
	if err != nil {
		return err
	}
	name := pc.Name
	if name == "" {
		name = string(role)
	}
	self, err := domain.NewParticipant(domain.ParticipantID(pc.ID), name, role)
	if err != nil {
		return err
	}

	var relay core.Relay
	if cfg.Relay.Backend == "redis" {
		relay, err = redis.Connect(ctx, redis.Options{
			Addr:     cfg.Relay.Redis.Addr,
			Password: cfg.Relay.Redis.Password,
			DB:       cfg.Relay.Redis.DB,
		})
		if err != nil {
			return err
		}
	} else {
		relay = memory.NewStore()
	}
	defer func() { _ = relay.Close() }()

	api, err := rtc.NewAPI()
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	source, err := media.NewSource(pc.Media)
	if err != nil {
		return err
	}

	logger := log.With().
		Str("module", "participant").
		Str("session", pc.Session).
		Str("participant", string(self.ID)).
		Str("role", string(role)).
		Logger()

	c := orch.New(orch.Config{
		Session:      domain.SessionID(pc.Session),
		Self:         *self,
		Relay:        relay,
		Media:        source,
		Transports:   rtc.NewFactory(api, rtc.Configuration(cfg.ICE.Servers)),
		SendAttempts: cfg.Signal.SendAttempts,
		SendBackoff:  cfg.Signal.SendBackoff,
		QueueSize:    cfg.Signal.QueueSize,
		Notify: func(n core.Notice) {
			ev := logger.Info()
			switch n.Level {
			case core.NoticeWarn:
				ev = logger.Warn()
			case core.NoticeError:
				ev = logger.Error()
			}
			ev.Err(n.Err).Str("peer", string(n.Peer)).Msg(n.Message)
		},
		OnRemoteMedia: func(m core.RemoteMedia) {
			logger.Info().Str("peer", string(m.Peer)).Str("kind", m.Kind.String()).Str("track", m.TrackID).Msg("remote media")
			if m.Track == nil {
				return
			}
			sink := &rtc.Sink{}
			go sink.Run(ctx, m.Track, logger.With().Str("peer", string(m.Peer)).Str("track", m.TrackID).Logger())
			go reportSink(ctx, sink, logger.With().Str("peer", string(m.Peer)).Str("track", m.TrackID).Logger())
		},
	})

	updates, stop := c.Status().Subscribe()
	defer stop()
	closed := follow(updates, func(s status.Status) {
		logger.Info().Str("status", string(s)).Int("generation", c.Status().Generation()).Msg("status")
	})

	if err := c.Join(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	logger.Info().Msg("joined, press Ctrl+C to leave")

	select {
	case <-ctx.Done():
	case <-closed:
		logger.Info().Msg("session closed")
	}
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	return c.Leave(leaveCtx)
}

// follow passes every status to fn and closes the returned channel once the
// model is closed.
func follow(updates <-chan status.Status, fn func(status.Status)) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for s := range updates {
			fn(s)
		}
	}()
	return closed
}

func reportSink(ctx context.Context, sink *rtc.Sink, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := sink.Stats()
			logger.Info().Uint64("packets", st.Packets).Uint64("bytes", st.Bytes).Uint64("lost", st.Lost).Msg("inbound")
		}
	}
}

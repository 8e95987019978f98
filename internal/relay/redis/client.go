// Package redis is the Redis-backed relay. The signal log is a stream per
// session, presence is a hash plus a pub/sub channel, and the session record
// is a JSON string plus a pub/sub channel.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// StreamMaxLen caps each session signal log (approximate trim).
	StreamMaxLen int64
	// TTL applies to every session key; refreshed on write.
	TTL time.Duration
	// BlockTimeout bounds one blocking XREAD so unsubscribe is observed.
	BlockTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.StreamMaxLen == 0 {
		o.StreamMaxLen = 4096
	}
	if o.TTL == 0 {
		o.TTL = 24 * time.Hour
	}
	if o.BlockTimeout == 0 {
		o.BlockTimeout = time.Second
	}
}

// Relay implements core.Relay over one Redis client.
type Relay struct {
	rdb  *redis.Client
	opts Options
}

var _ core.Relay = (*Relay)(nil)

// Connect dials Redis and pings it.
func Connect(ctx context.Context, opts Options) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info().Str("module", "relay.redis").Str("addr", opts.Addr).Msg("connected")
	return New(rdb, opts), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, opts Options) *Relay {
	opts.withDefaults()
	return &Relay{rdb: rdb, opts: opts}
}

func (r *Relay) Close() error {
	return r.rdb.Close()
}

func (r *Relay) Signals(session domain.SessionID, local domain.ParticipantID) core.SignalChannel {
	return &channel{relay: r, session: session, local: local}
}

func (r *Relay) Membership(session domain.SessionID) core.MembershipRegistry {
	return &membership{relay: r, session: session}
}

func (r *Relay) Sessions() core.SessionStore {
	return &sessions{relay: r}
}

const keyPrefix = "classroom:"

func sessionsKey() string { return keyPrefix + "sessions" }

func recordKey(id domain.SessionID) string { return keyPrefix + "session:" + string(id) }

func recordEvents(id domain.SessionID) string { return recordKey(id) + ":events" }

func signalsKey(id domain.SessionID) string { return recordKey(id) + ":signals" }

func membersKey(id domain.SessionID) string { return recordKey(id) + ":members" }

func memberEvents(id domain.SessionID) string { return membersKey(id) + ":events" }

// subscription owns a background reader. Stopping never waits for the
// reader, so it is safe from inside a callback.
type subscription struct {
	once   sync.Once
	cancel context.CancelFunc
	closer func() error
}

func (s *subscription) unsubscribe() core.Unsubscribe {
	return func() {
		s.once.Do(func() {
			s.cancel()
			if s.closer != nil {
				_ = s.closer()
			}
		})
	}
}

package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
)

const readRetryDelay = 500 * time.Millisecond

type channel struct {
	relay   *Relay
	session domain.SessionID
	local   domain.ParticipantID
}

func (c *channel) LocalID() domain.ParticipantID { return c.local }

func (c *channel) Send(ctx context.Context, target domain.ParticipantID, kind domain.Kind, payload string) error {
	key := signalsKey(c.session)
	_, err := c.relay.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: c.relay.opts.StreamMaxLen,
			Approx: true,
			Values: map[string]any{
				"kind":    string(kind),
				"sender":  string(c.local),
				"target":  string(target),
				"payload": payload,
			},
		})
		pipe.Expire(ctx, key, c.relay.opts.TTL)
		return nil
	})
	if err != nil {
		return &core.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Subscribe starts reading after the newest entry present at call time, so
// earlier envelopes are never replayed.
func (c *channel) Subscribe(ctx context.Context, fn func(domain.Envelope)) (core.Unsubscribe, error) {
	key := signalsKey(c.session)
	last := "0-0"
	newest, err := c.relay.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, &core.TransportError{Op: "subscribe", Err: err}
	}
	if len(newest) > 0 {
		last = newest[0].ID
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}
	logger := log.With().
		Str("module", "relay.redis").
		Str("session", string(c.session)).
		Str("local", string(c.local)).
		Logger()

	go func() {
		for subCtx.Err() == nil {
			streams, err := c.relay.rdb.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{key, last},
				Count:   64,
				Block:   c.relay.opts.BlockTimeout,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				logger.Error().Err(err).Msg("signal read failed, retrying")
				select {
				case <-subCtx.Done():
					return
				case <-time.After(readRetryDelay):
				}
				continue
			}
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					last = msg.ID
					env, ok := decodeEnvelope(msg)
					if !ok {
						logger.Warn().Str("id", msg.ID).Msg("malformed envelope skipped")
						continue
					}
					if env.Target != c.local {
						continue
					}
					if subCtx.Err() != nil {
						return
					}
					fn(env)
				}
			}
		}
	}()
	return sub.unsubscribe(), nil
}

func decodeEnvelope(msg redis.XMessage) (domain.Envelope, bool) {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	kind, err := domain.ParseKind(str("kind"))
	if err != nil {
		return domain.Envelope{}, false
	}
	return domain.Envelope{
		ID:      msg.ID,
		Kind:    kind,
		Sender:  domain.ParticipantID(str("sender")),
		Target:  domain.ParticipantID(str("target")),
		Payload: str("payload"),
	}, true
}

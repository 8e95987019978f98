package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
)

const maxTxRetries = 5

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type sessions struct {
	relay *Relay
}

func (s *sessions) Get(ctx context.Context, id domain.SessionID) (domain.Session, bool, error) {
	return s.get(ctx, s.relay.rdb, id)
}

func (s *sessions) get(ctx context.Context, c getter, id domain.SessionID) (domain.Session, bool, error) {
	raw, err := c.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, &core.TransportError{Op: "get session", Err: err}
	}
	var rec domain.Session
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Session{}, false, err
	}
	return rec, true, nil
}

func (s *sessions) List(ctx context.Context) ([]domain.Session, error) {
	ids, err := s.relay.rdb.SMembers(ctx, sessionsKey()).Result()
	if err != nil {
		return nil, &core.TransportError{Op: "list sessions", Err: err}
	}
	out := make([]domain.Session, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.Get(ctx, domain.SessionID(id))
		if err != nil {
			return nil, err
		}
		if !ok {
			// expired record; drop the dangling index entry
			s.relay.rdb.SRem(ctx, sessionsKey(), id)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *sessions) Start(ctx context.Context, id domain.SessionID, presenter domain.ParticipantID) (domain.Session, error) {
	// the previous roster is cleared; watchers see one removal per member
	previous, err := (&membership{relay: s.relay, session: id}).Members(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	removals := make([][]byte, 0, len(previous))
	for _, p := range previous {
		ev, err := json.Marshal(domain.MembershipEvent{Op: domain.MemberRemoved, Participant: p})
		if err != nil {
			return domain.Session{}, err
		}
		removals = append(removals, ev)
	}

	var rec domain.Session
	err = s.mutate(ctx, "start", id, func(prev domain.Session, found bool) (domain.Session, error) {
		rec = domain.Session{ID: id, PresenterID: presenter, IsLive: true, UpdatedAt: time.Now().UTC()}
		if found {
			rec.WhiteboardActive = prev.WhiteboardActive
		}
		return rec, nil
	}, func(pipe redis.Pipeliner) {
		pipe.SAdd(ctx, sessionsKey(), string(id))
		pipe.Del(ctx, signalsKey(id), membersKey(id))
		for _, ev := range removals {
			pipe.Publish(ctx, memberEvents(id), ev)
		}
	})
	if err != nil {
		return domain.Session{}, err
	}
	log.Info().Str("module", "relay.redis").Str("session", string(id)).Str("presenter", string(presenter)).Msg("session started")
	return rec, nil
}

func (s *sessions) End(ctx context.Context, id domain.SessionID) error {
	return s.mutate(ctx, "end", id, func(prev domain.Session, found bool) (domain.Session, error) {
		if !found {
			return prev, core.ErrSessionNotFound
		}
		prev.IsLive = false
		prev.UpdatedAt = time.Now().UTC()
		return prev, nil
	}, nil)
}

func (s *sessions) SetWhiteboard(ctx context.Context, id domain.SessionID, active bool) error {
	return s.mutate(ctx, "whiteboard", id, func(prev domain.Session, found bool) (domain.Session, error) {
		if !found {
			return prev, core.ErrSessionNotFound
		}
		prev.WhiteboardActive = active
		prev.UpdatedAt = time.Now().UTC()
		return prev, nil
	}, nil)
}

// mutate is an optimistic read-modify-write of the session record that
// publishes the new record in the same transaction.
func (s *sessions) mutate(
	ctx context.Context,
	op string,
	id domain.SessionID,
	fn func(prev domain.Session, found bool) (domain.Session, error),
	extra func(pipe redis.Pipeliner),
) error {
	key := recordKey(id)
	txf := func(tx *redis.Tx) error {
		prev, found, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := fn(prev, found)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.relay.opts.TTL)
			if extra != nil {
				extra(pipe)
			}
			pipe.Publish(ctx, recordEvents(id), data)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.relay.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err == nil || errors.Is(err, core.ErrSessionNotFound) || core.IsTransport(err) {
			return err
		}
		return &core.TransportError{Op: op, Err: err}
	}
	return &core.TransportError{Op: op, Err: redis.TxFailedErr}
}

func (s *sessions) Watch(ctx context.Context, id domain.SessionID, fn func(domain.Session)) (core.Unsubscribe, error) {
	ps := s.relay.rdb.Subscribe(ctx, recordEvents(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, &core.TransportError{Op: "watch session", Err: err}
	}
	current, found, err := s.Get(ctx, id)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	ch := ps.Channel()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, closer: ps.Close}
	go func() {
		if found {
			fn(current)
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec domain.Session
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					log.Warn().Err(err).Str("module", "relay.redis").Msg("bad session event")
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				fn(rec)
			}
		}
	}()
	return sub.unsubscribe(), nil
}

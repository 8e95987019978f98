package redis

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
)

type membership struct {
	relay   *Relay
	session domain.SessionID
}

func (m *membership) Announce(ctx context.Context, p domain.Participant) error {
	rec, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ev, err := json.Marshal(domain.MembershipEvent{Op: domain.MemberAdded, Participant: p})
	if err != nil {
		return err
	}
	key := membersKey(m.session)
	_, err = m.relay.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, string(p.ID), rec)
		pipe.Expire(ctx, key, m.relay.opts.TTL)
		pipe.Publish(ctx, memberEvents(m.session), ev)
		return nil
	})
	if err != nil {
		return &core.TransportError{Op: "announce", Err: err}
	}
	return nil
}

func (m *membership) Withdraw(ctx context.Context, id domain.ParticipantID) error {
	n, err := m.relay.rdb.HDel(ctx, membersKey(m.session), string(id)).Result()
	if err != nil {
		return &core.TransportError{Op: "withdraw", Err: err}
	}
	if n == 0 {
		return nil
	}
	ev, err := json.Marshal(domain.MembershipEvent{
		Op:          domain.MemberRemoved,
		Participant: domain.Participant{ID: id},
	})
	if err != nil {
		return err
	}
	if err := m.relay.rdb.Publish(ctx, memberEvents(m.session), ev).Err(); err != nil {
		return &core.TransportError{Op: "withdraw", Err: err}
	}
	return nil
}

func (m *membership) Members(ctx context.Context) ([]domain.Participant, error) {
	raw, err := m.relay.rdb.HGetAll(ctx, membersKey(m.session)).Result()
	if err != nil {
		return nil, &core.TransportError{Op: "members", Err: err}
	}
	out := make([]domain.Participant, 0, len(raw))
	for id, data := range raw {
		var p domain.Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			log.Warn().Err(err).Str("module", "relay.redis").Str("participant", id).Msg("bad member record")
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// Watch subscribes before taking the snapshot so no change is lost; a change
// racing the snapshot may be seen twice.
func (m *membership) Watch(ctx context.Context, fn func(domain.MembershipEvent)) (core.Unsubscribe, error) {
	ps := m.relay.rdb.Subscribe(ctx, memberEvents(m.session))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, &core.TransportError{Op: "watch members", Err: err}
	}
	snapshot, err := m.Members(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	ch := ps.Channel()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, closer: ps.Close}
	go func() {
		for _, p := range snapshot {
			if subCtx.Err() != nil {
				return
			}
			fn(domain.MembershipEvent{Op: domain.MemberAdded, Participant: p})
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.MembershipEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Str("module", "relay.redis").Msg("bad membership event")
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				fn(ev)
			}
		}
	}()
	return sub.unsubscribe(), nil
}

package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Classroom/internal/domain"
)

// subscribe wires the relay feeds of this participant to the socket.
func (cl *client) subscribe(ctx context.Context) error {
	relay := cl.ctl.Relay

	unsub, err := cl.channel.Subscribe(ctx, cl.forwardEnvelope)
	if err != nil {
		return fmt.Errorf("signals: %w", err)
	}
	cl.track(unsub)

	unsub, err = relay.Sessions().Watch(ctx, cl.session, cl.forwardSession)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	cl.track(unsub)

	if cl.self.Role == domain.RolePresenter {
		unsub, err = relay.Membership(cl.session).Watch(ctx, cl.forwardMembership)
		if err != nil {
			return fmt.Errorf("roster: %w", err)
		}
		cl.track(unsub)
	}
	return nil
}

func (cl *client) track(u func()) {
	cl.mu.Lock()
	cl.unsubs = append(cl.unsubs, u)
	cl.mu.Unlock()
}

func (cl *client) forwardEnvelope(env domain.Envelope) {
	cl.sendJSON("signal", struct {
		Type string `json:"type"`
		domain.Envelope
	}{"signal", env})
}

func (cl *client) forwardSession(s domain.Session) {
	cl.sendJSON("session", struct {
		Type    string         `json:"type"`
		Session domain.Session `json:"session"`
	}{"session", s})
	if !s.IsLive && cl.self.Role == domain.RoleViewer {
		cl.logger.Info().Msg("session ended")
	}
}

func (cl *client) forwardMembership(ev domain.MembershipEvent) {
	if ev.Participant.ID == cl.self.ID {
		return
	}
	msgType := "member_added"
	if ev.Op == domain.MemberRemoved {
		msgType = "member_removed"
	}
	cl.sendJSON(msgType, struct {
		Type        string             `json:"type"`
		Participant domain.Participant `json:"participant"`
	}{msgType, ev.Participant})
}

// handleRelaySignal appends a client envelope to the session log. kind is
// set when the message type itself names the signal kind.
func (ctl *SignalWSController) handleRelaySignal(ctx context.Context, cl *client, data []byte, kind domain.Kind) {
	type signalPayload struct {
		Kind    string          `json:"kind"`
		Target  string          `json:"target"`
		Payload json.RawMessage `json:"payload"`
		Data    json.RawMessage `json:"data"`
	}
	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		cl.logger.Error().Err(err).Msg("bad signal payload")
		cl.sendError("bad_payload")
		return
	}
	if kind == "" {
		k, err := domain.ParseKind(p.Kind)
		if err != nil {
			cl.sendError("unknown_kind")
			return
		}
		kind = k
	}
	target := domain.ParticipantID(p.Target)
	if target == "" || target == cl.self.ID {
		cl.sendError("bad_target")
		return
	}
	raw := p.Payload
	if len(raw) == 0 {
		raw = p.Data
	}
	payload, err := payloadString(raw)
	if err != nil || payload == "" {
		cl.sendError("bad_payload")
		return
	}

	if !ctl.Limiter.Allow(cl.self.ID) {
		cl.logger.Warn().Str("kind", string(kind)).Msg("rate limited")
		cl.sendError("rate_limited")
		return
	}
	if err := cl.channel.Send(ctx, target, kind, payload); err != nil {
		cl.logger.Error().Err(err).Str("kind", string(kind)).Msg("relay send")
		cl.sendError("relay_unavailable")
		return
	}
	cl.logger.Debug().Str("kind", string(kind)).Str("target", string(target)).Msg("signal relayed")
}

// payloadString accepts the payload either as a JSON string or as an inline
// object such as a browser RTCSessionDescription.
func payloadString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	if !json.Valid(raw) {
		return "", fmt.Errorf("invalid payload json")
	}
	return string(raw), nil
}

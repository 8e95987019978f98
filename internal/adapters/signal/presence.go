package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/domain"
)

func (ctl *SignalWSController) handleAnnounce(ctx context.Context, cl *client, data []byte) {
	if cl.self.Role != domain.RoleViewer {
		cl.sendError("presenter_does_not_announce")
		return
	}
	type announcePayload struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	}
	var p announcePayload
	if err := json.Unmarshal(data, &p); err != nil {
		cl.logger.Error().Err(err).Msg("bad announce payload")
		cl.sendError("bad_payload")
		return
	}
	if p.Name != "" {
		if err := cl.self.SetDisplayName(p.Name); err != nil {
			cl.sendError("invalid_name")
			return
		}
	}

	if err := ctl.Relay.Membership(cl.session).Announce(ctx, cl.self); err != nil {
		cl.logger.Error().Err(err).Msg("announce")
		cl.sendError("relay_unavailable")
		return
	}
	cl.mu.Lock()
	cl.announced = true
	cl.mu.Unlock()
	cl.logger.Info().Str("name", cl.self.DisplayName).Msg("announced")
	cl.sendJSON("announced", map[string]any{"type": "announced", "participant": cl.self})
}

func (ctl *SignalWSController) handleWithdraw(ctx context.Context, cl *client) {
	if err := ctl.Relay.Membership(cl.session).Withdraw(ctx, cl.self.ID); err != nil {
		cl.logger.Error().Err(err).Msg("withdraw")
		cl.sendError("relay_unavailable")
		return
	}
	cl.mu.Lock()
	cl.announced = false
	cl.mu.Unlock()
	cl.logger.Info().Msg("withdrawn")
	cl.sendJSON("withdrawn", map[string]any{"type": "withdrawn"})
}

// cleanup runs once the connection is gone. An abrupt viewer disconnect
// withdraws presence; a presenter disconnect ends the session. Neither
// applies to a connection replaced by a newer one.
func (cl *client) cleanup(ctx context.Context) {
	cl.mu.Lock()
	unsubs := cl.unsubs
	cl.unsubs = nil
	announced := cl.announced
	cl.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	cl.ctl.Registry.Unbind(cl.id, cl.binding)
	cl.ctl.Limiter.Forget(cl.self.ID)

	if errors.Is(context.Cause(ctx), app.ErrReplaced) {
		cl.logger.Info().Msg("connection replaced, presence kept")
		return
	}

	// the request context is gone; relay writes get a fresh one
	bg := context.WithoutCancel(ctx)
	switch cl.self.Role {
	case domain.RoleViewer:
		if !announced {
			return
		}
		if err := cl.ctl.Relay.Membership(cl.session).Withdraw(bg, cl.self.ID); err != nil {
			cl.logger.Error().Err(err).Msg("withdraw on disconnect")
		}
	case domain.RolePresenter:
		if err := cl.ctl.Relay.Sessions().End(bg, cl.session); err != nil {
			cl.logger.Error().Err(err).Msg("end session on disconnect")
			return
		}
		cl.logger.Info().Msg("presenter disconnected, session ended")
	}
}

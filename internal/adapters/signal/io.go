package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, cl *client) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			cl.logger.Info().AnErr("cause", context.Cause(ctx)).Msg("writePump ctx done")
			_ = cl.conn.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data, ok := <-cl.conn.send:
			if !ok {
				cl.logger.Warn().Msg("writePump channel closed")
				return
			}
			if err := cl.conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				cl.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := cl.conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cl.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := cl.conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cl.logger.Warn().Err(err).Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cl *client) {
	defer func() {
		cl.logger.Info().Msg("readPump closing")
		cl.cancel(nil)
		cl.conn.Close()
		cl.cleanup(ctx)
	}()

	ws := cl.conn.conn
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}
	_ = ws.SetReadDeadline(time.Now().Add(ctl.pingPeriod * 2))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(ctl.pingPeriod * 2))
	})

	for {
		select {
		case <-ctx.Done():
			cl.logger.Info().Msg("readPump ctx done")
			return
		default:
			_, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					cl.logger.Warn().Err(err).Msg("readPump read error")
				}
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(ctl.pingPeriod * 2))
			ctl.handleMessage(ctx, cl, data)
		}
	}
}

func (ctl *SignalWSController) handleMessage(ctx context.Context, cl *client, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		cl.logger.Error().Err(err).Msg("bad json")
		cl.sendError("bad_json")
		return
	}

	switch env.Type {
	case "announce":
		ctl.handleAnnounce(ctx, cl, data)
	case "withdraw":
		ctl.handleWithdraw(ctx, cl)
	case "signal":
		ctl.handleRelaySignal(ctx, cl, data, "")
	case "ping":
		ctl.handlePing(cl)
	case "whoami":
		ctl.handleWhoAmI(cl)
	default:
		if kind, err := domain.ParseKind(env.Type); err == nil {
			ctl.handleRelaySignal(ctx, cl, data, kind)
			return
		}
		cl.logger.Warn().Str("type", env.Type).Msg("unknown message")
		cl.sendError("unknown_type")
	}
}

// sendJSON queues v for the client and applies the backpressure policy
// when the queue is full.
func (cl *client) sendJSON(msgType string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		cl.logger.Error().Err(err).Msg("sendJSON marshal")
		return
	}
	err = cl.conn.TrySend(b)
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	action := app.KickMember
	if cl.ctl.Policy != nil {
		action = cl.ctl.Policy.OnBackPressure(cl.session, cl.self, msgType)
	}
	switch action {
	case app.KickMember:
		cl.logger.Warn().Str("type", msgType).Msg("outbound queue full, kicking client")
		cl.cancel(errKicked)
	case app.MarkSlow:
		cl.logger.Warn().Str("type", msgType).Msg("slow client")
	case app.DropFrame, app.NoAction:
	}
}

func (cl *client) sendError(code string) {
	cl.sendJSON("error", map[string]any{
		"type":  "error",
		"error": code,
	})
}

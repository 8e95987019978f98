package signal

import "github.com/dkeye/Classroom/internal/domain"

func (ctl *SignalWSController) handlePing(cl *client) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	cl.sendJSON("pong", resp)
}

func (ctl *SignalWSController) handleWhoAmI(cl *client) {
	resp := struct {
		Type        string             `json:"type"`
		Participant domain.Participant `json:"participant"`
		Session     domain.SessionID   `json:"session"`
	}{
		Type:        "whoami",
		Participant: cl.self,
		Session:     cl.session,
	}
	cl.sendJSON("whoami", resp)
}

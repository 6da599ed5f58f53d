package signal

import (
	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
)

func (ctl *Controller) handleSubscribe(c *WsConn, env envelope, data []byte) {
	var p struct {
		SessionID string `json:"session_id" validate:"required"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}
	state, err := ctl.Orch.Subscribe(c.id, c, c.clientID, domain.SessionID(p.SessionID))
	if err != nil {
		ctl.finish(c, env.MessageID, err)
		return
	}
	ctl.sendJSON(c, state)
	ctl.finish(c, env.MessageID, nil)
}

func (ctl *Controller) handleTempoVote(c *WsConn, env envelope, data []byte) {
	var p struct {
		SessionID  string `json:"session_id" validate:"required"`
		Preference string `json:"preference" validate:"required"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}
	pref, err := domain.ParseTempoPreference(p.Preference)
	if err != nil {
		ctl.finish(c, env.MessageID, core.Wrap(core.CodeValidation, "invalid tempo preference", err))
		return
	}
	_, err = ctl.Orch.TempoVote(c.clientID, domain.SessionID(p.SessionID), pref, env.Nonce)
	ctl.finish(c, env.MessageID, err)
}

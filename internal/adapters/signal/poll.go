package signal

import (
	"context"
	"time"

	"github.com/pikadj/pika-relay/internal/domain"
)

func (ctl *Controller) handleStartPoll(c *WsConn, env envelope, data []byte) {
	var p struct {
		SessionID   string   `json:"session_id"`
		Question    string   `json:"question" validate:"required,max=200"`
		Options     []string `json:"options" validate:"required,min=2,max=10,dive,min=1,max=100"`
		DurationSec int      `json:"duration_sec" validate:"gte=0"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}

	duration := time.Duration(p.DurationSec) * time.Second
	if duration > ctl.Cfg.PollMaxDuration {
		duration = ctl.Cfg.PollMaxDuration
	}
	poll, err := ctl.Orch.StartPoll(context.Background(), c.hostID, c.target(p.SessionID), env.Nonce, p.Question, p.Options, duration)
	if err != nil {
		ctl.finish(c, env.MessageID, err)
		return
	}

	// The host holds the durable id from this direct reply; listeners
	// get it from the poll-started broadcast.
	ctl.sendJSON(c, struct {
		Type   string        `json:"type"`
		PollID domain.PollID `json:"poll_id"`
		EndsAt *time.Time    `json:"ends_at,omitempty"`
	}{"poll-created", poll.ID, poll.EndsAt})
	ctl.finish(c, env.MessageID, nil)
}

func (ctl *Controller) handleVotePoll(c *WsConn, env envelope, data []byte) {
	var p struct {
		PollID string `json:"poll_id" validate:"required"`
		Option *int   `json:"option" validate:"required,gte=0"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}
	_, err := ctl.Orch.VotePoll(c.clientID, domain.PollID(p.PollID), *p.Option, env.Nonce)
	ctl.finish(c, env.MessageID, err)
}

func (ctl *Controller) handleEndPoll(c *WsConn, env envelope, data []byte) {
	var p struct {
		PollID string `json:"poll_id" validate:"required"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}
	_, err := ctl.Orch.EndPoll(c.hostID, domain.PollID(p.PollID), env.Nonce)
	ctl.finish(c, env.MessageID, err)
}

func (ctl *Controller) handleCancelPoll(c *WsConn, env envelope, data []byte) {
	var p struct {
		PollID string `json:"poll_id" validate:"required"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}
	_, err := ctl.Orch.CancelPoll(c.hostID, domain.PollID(p.PollID), env.Nonce)
	ctl.finish(c, env.MessageID, err)
}

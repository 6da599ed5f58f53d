package signal

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
)

// bind unmarshals and validates a payload, nacking on failure.
func (ctl *Controller) bind(c *WsConn, env envelope, data []byte, p any) bool {
	if err := json.Unmarshal(data, p); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", env.Type).Msg("bad payload")
		ctl.finish(c, env.MessageID, core.Wrap(core.CodeValidation, "bad payload", err))
		return false
	}
	if err := ctl.validate.Struct(p); err != nil {
		ctl.finish(c, env.MessageID, core.Wrap(core.CodeValidation, "invalid payload", err))
		return false
	}
	return true
}

// target resolves the session a host operation addresses: explicit
// session_id, or the connection's owned session.
func (c *WsConn) target(sessionID string) domain.SessionID {
	if sessionID != "" {
		return domain.SessionID(sessionID)
	}
	return c.ownedSession
}

func (ctl *Controller) handleRegister(c *WsConn, env envelope, data []byte) {
	var p struct {
		Token     string `json:"token" validate:"required"`
		SessionID string `json:"session_id"`
		Name      string `json:"name" validate:"required,max=64"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}

	hostID, ok := ctl.Auth.VerifyHost(p.Token)
	if !ok {
		log.Warn().Str("module", "signal").Str("conn", string(c.id)).Msg("host token rejected")
		ctl.finish(c, env.MessageID, core.Errf(core.CodeUnauthorized, "invalid host token"))
		return
	}

	sess, err := ctl.Orch.RegisterSession(hostID, p.SessionID, p.Name, env.Nonce)
	if err != nil {
		ctl.finish(c, env.MessageID, err)
		return
	}
	c.hostID = hostID
	c.ownedSession = sess.ID

	ctl.sendJSON(c, struct {
		Type      string           `json:"type"`
		SessionID domain.SessionID `json:"session_id"`
		Name      string           `json:"name"`
	}{"registered", sess.ID, sess.Name})
	ctl.finish(c, env.MessageID, nil)
}

func (ctl *Controller) handleBroadcastMedia(c *WsConn, env envelope, data []byte) {
	var p struct {
		SessionID   string  `json:"session_id"`
		Title       string  `json:"title" validate:"required,max=200"`
		Artist      string  `json:"artist" validate:"max=200"`
		BPM         float64 `json:"bpm" validate:"gte=0,lte=400"`
		DurationSec int     `json:"duration_sec" validate:"gte=0"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}
	item := &domain.MediaItem{
		Title:       p.Title,
		Artist:      p.Artist,
		BPM:         p.BPM,
		DurationSec: p.DurationSec,
		StartedAt:   time.Now(),
	}
	err := ctl.Orch.BroadcastMedia(c.hostID, c.target(p.SessionID), env.Nonce, item)
	ctl.finish(c, env.MessageID, err)
}

func (ctl *Controller) handleStopMedia(c *WsConn, env envelope, data []byte) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}
	err := ctl.Orch.StopMedia(c.hostID, c.target(p.SessionID), env.Nonce)
	ctl.finish(c, env.MessageID, err)
}

func (ctl *Controller) handleAnnouncement(c *WsConn, env envelope, data []byte) {
	var p struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text" validate:"required,max=500"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}
	err := ctl.Orch.SetAnnouncement(c.hostID, c.target(p.SessionID), env.Nonce, p.Text)
	ctl.finish(c, env.MessageID, err)
}

func (ctl *Controller) handleCancelAnnouncement(c *WsConn, env envelope, data []byte) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}
	err := ctl.Orch.CancelAnnouncement(c.hostID, c.target(p.SessionID), env.Nonce)
	ctl.finish(c, env.MessageID, err)
}

func (ctl *Controller) handleEndSession(c *WsConn, env envelope, data []byte) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if !ctl.bind(c, env, data, &p) {
		return
	}
	target := c.target(p.SessionID)
	if err := ctl.Orch.EndSession(c.hostID, target, env.Nonce); err != nil {
		ctl.finish(c, env.MessageID, err)
		return
	}
	if c.ownedSession == target {
		c.ownedSession = ""
	}
	ctl.finish(c, env.MessageID, nil)
}

package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pikadj/pika-relay/internal/core"
)

func (ctl *Controller) writePump(ctx context.Context, c *WsConn) {
	ping := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Cfg.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Cfg.WriteTimeout)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *WsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("readPump closing")
		cancel()
		c.Close()
		if ctl.Metrics != nil {
			ctl.Metrics.Connections.Dec()
		}
		// A dropped host connection is an implicit session end with the
		// full cascade; a listener just releases its presence reference.
		if c.ownedSession != "" {
			ctl.Orch.HostDisconnected(c.hostID, c.ownedSession)
		}
		ctl.Orch.ListenerDisconnected(c.id, c.clientID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
				return
			}
			ctl.handleMessage(c, data)
		}
	}
}

// envelope is the part of every inbound message the dispatcher needs.
type envelope struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Nonce     string `json:"nonce"`
}

func (ctl *Controller) handleMessage(c *WsConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "register-session":
		ctl.handleRegister(c, env, data)
	case "broadcast-media":
		ctl.handleBroadcastMedia(c, env, data)
	case "stop-media":
		ctl.handleStopMedia(c, env, data)
	case "end-session":
		ctl.handleEndSession(c, env, data)
	case "send-announcement":
		ctl.handleAnnouncement(c, env, data)
	case "cancel-announcement":
		ctl.handleCancelAnnouncement(c, env, data)
	case "start-poll":
		ctl.handleStartPoll(c, env, data)
	case "vote-poll":
		ctl.handleVotePoll(c, env, data)
	case "end-poll":
		ctl.handleEndPoll(c, env, data)
	case "cancel-poll":
		ctl.handleCancelPoll(c, env, data)
	case "tempo-vote":
		ctl.handleTempoVote(c, env, data)
	case "subscribe":
		ctl.handleSubscribe(c, env, data)
	case "ping":
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown message type")
		ctl.finish(c, env.MessageID, core.Errf(core.CodeValidation, "unknown message type %q", env.Type))
	}
}

type ackMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

type nackMsg struct {
	Type      string        `json:"type"`
	MessageID string        `json:"message_id"`
	Code      core.NackCode `json:"code"`
	Reason    string        `json:"reason"`
}

// finish sends exactly one ack or nack to the sender, never broadcast.
// Duplicates ack as success: the intent was satisfied the first time.
func (ctl *Controller) finish(c *WsConn, messageID string, err error) {
	if messageID == "" {
		return
	}
	if err == nil {
		ctl.sendJSON(c, ackMsg{Type: "ack", MessageID: messageID})
		return
	}
	re := core.AsRelayError(err)
	if re.Code == core.CodeDuplicate {
		ctl.sendJSON(c, ackMsg{Type: "ack", MessageID: messageID})
		return
	}
	if ctl.Metrics != nil {
		ctl.Metrics.Nacks.WithLabelValues(string(re.Code)).Inc()
	}
	log.Warn().Err(err).Str("module", "signal").Str("message_id", messageID).Msg("nack")
	ctl.sendJSON(c, nackMsg{Type: "nack", MessageID: messageID, Code: re.Code, Reason: re.Reason})
}

func (ctl *Controller) sendJSON(c *WsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

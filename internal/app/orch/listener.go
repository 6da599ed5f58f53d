package orch

import (
	"time"

	"github.com/pikadj/pika-relay/internal/app"
	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
)

// SessionState is the direct reply to a subscribe, so late joiners can
// render current media, announcement, and poll immediately.
type SessionState struct {
	Type         string               `json:"type"`
	SessionID    domain.SessionID     `json:"session_id"`
	Name         string               `json:"name"`
	Media        *domain.MediaItem    `json:"media,omitempty"`
	Announcement *domain.Announcement `json:"announcement,omitempty"`
	Poll         *app.PollView        `json:"poll,omitempty"`
	Tempo        domain.TempoSnapshot `json:"tempo"`
	Listeners    int                  `json:"listeners"`
}

// Subscribe attaches the connection to the session topic. A connection
// listens to one session at a time; re-subscribing moves it. The
// listener-count broadcast fires only when the participant is genuinely
// new, so reconnect blips inside the grace window stay silent.
func (o *Orchestrator) Subscribe(connID core.ConnID, conn core.SubscriberConn, client domain.ClientID, sessionID domain.SessionID) (*SessionState, error) {
	sess, ok := o.Sessions.ByID(sessionID)
	if !ok {
		return nil, core.Errf(core.CodeNotFound, "unknown session %s", sessionID)
	}

	now := time.Now()
	prevSID, wasSubscribed := o.Hub.Unsubscribe(connID)
	o.Hub.Subscribe(sessionID, connID, conn)
	if !wasSubscribed || prevSID != sessionID {
		if wasSubscribed {
			o.Presence.Leave(prevSID, client, now)
		}
		if o.Presence.Join(sessionID, client, now) {
			o.publishListenerCount(sessionID)
		}
	}

	state := &SessionState{
		Type:         "session-state",
		SessionID:    sess.ID,
		Name:         sess.Name,
		Media:        sess.Media,
		Announcement: sess.Announcement,
		Tempo:        o.Tempo.Snapshot(sessionID, now),
		Listeners:    o.Presence.Count(sessionID, now),
	}
	if view, ok := o.Polls.CurrentView(sessionID); ok {
		state.Poll = &view
	}
	return state, nil
}

// ListenerDisconnected releases the connection's topic membership and
// presence reference. No broadcast: the sticky window means the count
// usually has not changed, and the sweep surfaces it when it has.
func (o *Orchestrator) ListenerDisconnected(connID core.ConnID, client domain.ClientID) {
	sid, ok := o.Hub.Unsubscribe(connID)
	if !ok {
		return
	}
	o.Presence.Leave(sid, client, time.Now())
}

// TempoVote records the listener's pacing opinion and broadcasts the new
// aggregate. Repeat votes overwrite; raw ballots stay private.
func (o *Orchestrator) TempoVote(client domain.ClientID, sessionID domain.SessionID, pref domain.TempoPreference, nonce string) (domain.TempoSnapshot, error) {
	if _, ok := o.Sessions.ByID(sessionID); !ok {
		return domain.TempoSnapshot{}, core.Errf(core.CodeNotFound, "unknown session %s", sessionID)
	}
	if err := o.admit(nonce, sessionID); err != nil {
		return domain.TempoSnapshot{}, err
	}

	now := time.Now()
	o.Tempo.Record(sessionID, client, pref, now)
	if o.Metrics != nil {
		o.Metrics.TempoVotes.Inc()
	}
	snap := o.Tempo.Snapshot(sessionID, now)
	o.publish(sessionID, "tempo-update", tempoUpdateEvent{
		Type:      "tempo-update",
		SessionID: sessionID,
		Tempo:     snap,
	})
	return snap, nil
}

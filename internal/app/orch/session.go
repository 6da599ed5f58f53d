package orch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
)

// RegisterSession creates (or supersedes) the caller's live session.
// Superseding cascades teardown of the prior session before the new one
// goes live.
func (o *Orchestrator) RegisterSession(host domain.ClientID, sessionID, name, nonce string) (*domain.Session, error) {
	id := domain.SessionID(sessionID)
	if id == "" {
		id = domain.SessionID(uuid.NewString())
	}
	if err := o.admit(nonce, id); err != nil {
		return nil, err
	}

	sess, superseded, err := o.Sessions.Register(id, host, name, time.Now())
	if err != nil {
		return nil, err
	}
	if superseded != nil {
		o.cascade(superseded, "superseded")
		if superseded.ID == sess.ID {
			// The cascade dropped the session's nonce records, including
			// the one just admitted for this message. Restore it so a
			// network retry of this register stays suppressed.
			o.Nonces.Admit(nonce, sess.ID, time.Now())
		}
	}

	o.async("save-session", func(ctx context.Context) error {
		return o.Store.SaveSession(ctx, sess)
	})
	o.publish(sess.ID, "session-live", sessionLiveEvent{
		Type:      "session-live",
		SessionID: sess.ID,
		Name:      sess.Name,
	})
	if o.Metrics != nil {
		o.Metrics.LiveSessions.Set(float64(o.Sessions.Count()))
	}
	return sess, nil
}

// BroadcastMedia announces the host's current track. A track identity
// change flushes the outgoing track's tempo tally to persistence, clears
// it, and tells listeners to discard their stale indicators.
func (o *Orchestrator) BroadcastMedia(caller domain.ClientID, sessionID domain.SessionID, nonce string, item *domain.MediaItem) error {
	if err := o.Sessions.Authorize(sessionID, caller); err != nil {
		return err
	}
	if err := o.admit(nonce, sessionID); err != nil {
		return err
	}
	if !o.Limiter.Allow(sessionID, time.Now()) {
		return core.Errf(core.CodeRateLimited, "media broadcasts too frequent, retry shortly")
	}

	prev, err := o.Sessions.SetMedia(sessionID, caller, item)
	if err != nil {
		return err
	}
	if prev != nil && !prev.SameTrack(item) {
		o.flushTempo(sessionID, prev)
	}

	o.async("save-media", func(ctx context.Context) error {
		return o.Store.SaveMedia(ctx, sessionID, item)
	})
	o.publish(sessionID, "now-playing", nowPlayingEvent{
		Type:      "now-playing",
		SessionID: sessionID,
		Media:     item,
	})
	return nil
}

// flushTempo hands the outgoing track's tally to persistence, resets the
// board, and broadcasts the reset.
func (o *Orchestrator) flushTempo(sessionID domain.SessionID, outgoing *domain.MediaItem) {
	snap := o.Tempo.Snapshot(sessionID, time.Now())
	o.async("save-tempo-snapshot", func(ctx context.Context) error {
		return o.Store.SaveTempoSnapshot(ctx, sessionID, outgoing, snap)
	})
	o.Tempo.Clear(sessionID)
	o.publish(sessionID, "tempo-reset", tempoResetEvent{
		Type:      "tempo-reset",
		SessionID: sessionID,
	})
}

// StopMedia clears the current track without a tempo flush; the tally
// keeps decaying on its own until the next track change or teardown.
func (o *Orchestrator) StopMedia(caller domain.ClientID, sessionID domain.SessionID, nonce string) error {
	if err := o.Sessions.Authorize(sessionID, caller); err != nil {
		return err
	}
	if err := o.admit(nonce, sessionID); err != nil {
		return err
	}
	if _, err := o.Sessions.ClearMedia(sessionID, caller); err != nil {
		return err
	}
	o.publish(sessionID, "media-stopped", mediaStoppedEvent{
		Type:      "media-stopped",
		SessionID: sessionID,
	})
	return nil
}

// SetAnnouncement pins a host message to the session.
func (o *Orchestrator) SetAnnouncement(caller domain.ClientID, sessionID domain.SessionID, nonce, text string) error {
	if err := o.Sessions.Authorize(sessionID, caller); err != nil {
		return err
	}
	if err := o.admit(nonce, sessionID); err != nil {
		return err
	}
	now := time.Now()
	a := &domain.Announcement{Text: text, At: now}
	if err := o.Sessions.SetAnnouncement(sessionID, caller, a); err != nil {
		return err
	}
	o.publish(sessionID, "announcement", announcementEvent{
		Type:      "announcement",
		SessionID: sessionID,
		Text:      a.Text,
		At:        &now,
	})
	return nil
}

func (o *Orchestrator) CancelAnnouncement(caller domain.ClientID, sessionID domain.SessionID, nonce string) error {
	if err := o.Sessions.Authorize(sessionID, caller); err != nil {
		return err
	}
	if err := o.admit(nonce, sessionID); err != nil {
		return err
	}
	if err := o.Sessions.ClearAnnouncement(sessionID, caller); err != nil {
		return err
	}
	o.publish(sessionID, "announcement-cleared", announcementEvent{
		Type:      "announcement-cleared",
		SessionID: sessionID,
	})
	return nil
}

// EndSession is the authoritative cascade trigger.
func (o *Orchestrator) EndSession(caller domain.ClientID, sessionID domain.SessionID, nonce string) error {
	if err := o.Sessions.Authorize(sessionID, caller); err != nil {
		return err
	}
	if err := o.admit(nonce, sessionID); err != nil {
		return err
	}
	sess, err := o.Sessions.End(sessionID, caller)
	if err != nil {
		return err
	}
	o.cascade(sess, "ended")
	return nil
}

// HostDisconnected treats a dropped host connection as an implicit end
// of the session that connection owned, with the identical cascade. It
// re-resolves at fire time: a stale connection lingering past a
// supersede owns a session that is no longer the host's live one, and
// its drop must not tear down the replacement.
func (o *Orchestrator) HostDisconnected(host domain.ClientID, owned domain.SessionID) {
	sess, ok := o.Sessions.ByHost(host)
	if !ok || sess.ID != owned {
		return
	}
	if _, err := o.Sessions.End(sess.ID, host); err != nil {
		return
	}
	log.Info().Str("module", "orch").Str("session", string(sess.ID)).Msg("host disconnected, ending session")
	o.cascade(sess, "host-disconnected")
}

// cascade tears down every structure scoped to the session, broadcasts
// the end, and drops the topic. The timer cancel must come first so a
// pending auto-end cannot fire into dismantled state.
func (o *Orchestrator) cascade(sess *domain.Session, reason string) {
	o.Timers.Cancel(pollTimerKey(sess.ID))
	o.Polls.DropSession(sess.ID)
	o.Nonces.DropSession(sess.ID)
	o.Presence.DropSession(sess.ID)
	o.Tempo.Clear(sess.ID)
	o.Limiter.Forget(sess.ID)
	o.forgetListenerCount(sess.ID)

	o.async("end-session", func(ctx context.Context) error {
		return o.Store.EndSession(ctx, sess.ID, time.Now())
	})
	o.publish(sess.ID, "session-ended", sessionEndedEvent{
		Type:      "session-ended",
		SessionID: sess.ID,
		Reason:    reason,
	})
	o.Hub.DropTopic(sess.ID)
	if o.Metrics != nil {
		o.Metrics.LiveSessions.Set(float64(o.Sessions.Count()))
	}
	log.Info().Str("module", "orch").Str("session", string(sess.ID)).Str("reason", reason).Msg("session cascade complete")
}

// Package orch wires the engines into message-level use cases. Every
// method follows the same shape: authorize against the connection
// context, pass the nonce gate, mutate, persist per the synchronicity
// rules, then fan out exactly one broadcast.
package orch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pikadj/pika-relay/internal/app"
	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
	"github.com/pikadj/pika-relay/internal/metrics"
)

// persistTimeout bounds every call into the Store, blocking or not.
const persistTimeout = 10 * time.Second

type Orchestrator struct {
	Sessions *app.SessionRegistry
	Polls    *app.PollEngine
	Nonces   *app.NonceCache
	Presence *app.PresenceTracker
	Tempo    *app.TempoBoard
	Limiter  *app.BroadcastLimiter
	Hub      *app.Hub
	Timers   *app.Scheduler
	Store    core.Store
	Metrics  *metrics.Metrics

	countMu    sync.Mutex
	lastCounts map[domain.SessionID]int
}

type Deps struct {
	Sessions *app.SessionRegistry
	Polls    *app.PollEngine
	Nonces   *app.NonceCache
	Presence *app.PresenceTracker
	Tempo    *app.TempoBoard
	Limiter  *app.BroadcastLimiter
	Hub      *app.Hub
	Timers   *app.Scheduler
	Store    core.Store
	Metrics  *metrics.Metrics
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		Sessions:   d.Sessions,
		Polls:      d.Polls,
		Nonces:     d.Nonces,
		Presence:   d.Presence,
		Tempo:      d.Tempo,
		Limiter:    d.Limiter,
		Hub:        d.Hub,
		Timers:     d.Timers,
		Store:      d.Store,
		Metrics:    d.Metrics,
		lastCounts: make(map[domain.SessionID]int),
	}
}

// publish marshals once and fans out to the session topic.
func (o *Orchestrator) publish(sessionID domain.SessionID, typ string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", typ).Msg("publish marshal")
		return
	}
	res := o.Hub.Publish(sessionID, core.Frame(b))
	if o.Metrics != nil {
		o.Metrics.Broadcasts.WithLabelValues(typ).Inc()
		if res.Dropped > 0 {
			o.Metrics.DroppedSends.Add(float64(res.Dropped))
		}
	}
}

// admit runs the nonce gate. A rejection maps to the duplicate code,
// which the adapter acknowledges as success: the intent was already
// satisfied by the first delivery.
func (o *Orchestrator) admit(nonce string, sessionID domain.SessionID) error {
	if o.Nonces.Admit(nonce, sessionID, time.Now()) {
		return nil
	}
	if o.Metrics != nil {
		o.Metrics.DuplicateNonces.Inc()
	}
	log.Debug().Str("module", "orch").Str("session", string(sessionID)).Msg("duplicate nonce suppressed")
	return core.Errf(core.CodeDuplicate, "message already processed")
}

// async runs a fire-and-forget persistence call. Failures are logged and
// never surface: the in-memory state stays authoritative.
func (o *Orchestrator) async(op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("op", op).Msg("persistence call failed")
		}
	}()
}

// publishListenerCount broadcasts the sticky count only when it changed
// since the last broadcast for that session.
func (o *Orchestrator) publishListenerCount(sessionID domain.SessionID) {
	count := o.Presence.Count(sessionID, time.Now())
	o.countMu.Lock()
	prev, seen := o.lastCounts[sessionID]
	if seen && prev == count {
		o.countMu.Unlock()
		return
	}
	o.lastCounts[sessionID] = count
	o.countMu.Unlock()
	o.publish(sessionID, "listener-count", listenerCountEvent{
		Type:      "listener-count",
		SessionID: sessionID,
		Count:     count,
	})
}

func (o *Orchestrator) forgetListenerCount(sessionID domain.SessionID) {
	o.countMu.Lock()
	delete(o.lastCounts, sessionID)
	o.countMu.Unlock()
}

// SessionList backs the discovery API.
func (o *Orchestrator) SessionList() []core.SessionInfo {
	now := time.Now()
	sessions := o.Sessions.List()
	out := make([]core.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, core.SessionInfo{
			ID:        s.ID,
			Name:      s.Name,
			Listeners: o.Presence.Count(s.ID, now),
		})
	}
	return out
}

// RunSweeps drives the periodic expirations until ctx is cancelled.
// Sweeps act by key and re-check liveness inside the engines, so a sweep
// racing a manual teardown is harmless.
func (o *Orchestrator) RunSweeps(ctx context.Context, nonceEvery, presenceEvery time.Duration) error {
	nonceTick := time.NewTicker(nonceEvery)
	defer nonceTick.Stop()
	presenceTick := time.NewTicker(presenceEvery)
	defer presenceTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-nonceTick.C:
			o.Nonces.Sweep(time.Now())
		case <-presenceTick.C:
			o.Presence.Sweep(time.Now())
			// Counts drop when a grace window lapses, long before the
			// retention purge; publishListenerCount dedups, so walking
			// every session each tick broadcasts only actual changes.
			for _, s := range o.Sessions.List() {
				o.publishListenerCount(s.ID)
			}
		}
	}
}

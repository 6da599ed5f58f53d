package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pikadj/pika-relay/internal/domain"
)

type presenceEntry struct {
	refs     int
	lastSeen time.Time
}

// PresenceTracker counts distinct listeners per session. One logical
// client may hold several connections; the reference count collapses them
// into one participant. A participant that dropped to zero references
// stays counted for a grace window, which absorbs mobile network blips.
type PresenceTracker struct {
	mu        sync.Mutex
	sessions  map[domain.SessionID]map[domain.ClientID]*presenceEntry
	grace     time.Duration
	retention time.Duration
}

func NewPresenceTracker(grace, retention time.Duration) *PresenceTracker {
	return &PresenceTracker{
		sessions:  make(map[domain.SessionID]map[domain.ClientID]*presenceEntry),
		grace:     grace,
		retention: retention,
	}
}

// Join registers one connection. isNew is true only when the client was
// not already counted: zero references and last seen beyond the grace
// window, or never seen at all.
func (t *PresenceTracker) Join(sessionID domain.SessionID, client domain.ClientID, now time.Time) (isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, ok := t.sessions[sessionID]
	if !ok {
		entries = make(map[domain.ClientID]*presenceEntry)
		t.sessions[sessionID] = entries
	}
	e, ok := entries[client]
	if !ok {
		entries[client] = &presenceEntry{refs: 1, lastSeen: now}
		return true
	}
	isNew = e.refs == 0 && now.Sub(e.lastSeen) > t.grace
	e.refs++
	e.lastSeen = now
	return isNew
}

// Leave drops one connection reference, floored at zero. It never
// broadcasts; the count surfaces on the next query or sweep.
func (t *PresenceTracker) Leave(sessionID domain.SessionID, client domain.ClientID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	e, ok := entries[client]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	e.lastSeen = now
}

// Count returns the sticky audience size: positive references, or zero
// references still inside the grace window.
func (t *PresenceTracker) Count(sessionID domain.SessionID, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.sessions[sessionID] {
		if e.refs > 0 || now.Sub(e.lastSeen) <= t.grace {
			n++
		}
	}
	return n
}

// Sweep purges zero-reference entries beyond the retention window and
// removes session maps that end up empty.
func (t *PresenceTracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for sid, entries := range t.sessions {
		for cid, e := range entries {
			if e.refs == 0 && now.Sub(e.lastSeen) > t.retention {
				delete(entries, cid)
				removed++
			}
		}
		if len(entries) == 0 {
			delete(t.sessions, sid)
		}
	}
	if removed > 0 {
		log.Debug().Str("module", "app.presence").Int("removed", removed).Msg("presence sweep")
	}
	return removed
}

// DropSession is the cascade path for an ended session.
func (t *PresenceTracker) DropSession(sessionID domain.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

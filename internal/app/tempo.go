package app

import (
	"sync"
	"time"

	"github.com/pikadj/pika-relay/internal/domain"
)

type tempoVote struct {
	pref domain.TempoPreference
	at   time.Time
}

// TempoBoard holds each listener's current pacing opinion per session.
// Votes decay: Snapshot physically removes entries strictly older than
// the window as a side effect of the read, so no separate sweep runs.
type TempoBoard struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]map[domain.ClientID]tempoVote
	ttl      time.Duration
}

func NewTempoBoard(ttl time.Duration) *TempoBoard {
	return &TempoBoard{
		sessions: make(map[domain.SessionID]map[domain.ClientID]tempoVote),
		ttl:      ttl,
	}
}

// Record overwrites any prior vote from the same client.
func (b *TempoBoard) Record(sessionID domain.SessionID, client domain.ClientID, pref domain.TempoPreference, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	votes, ok := b.sessions[sessionID]
	if !ok {
		votes = make(map[domain.ClientID]tempoVote)
		b.sessions[sessionID] = votes
	}
	votes[client] = tempoVote{pref: pref, at: now}
}

// Snapshot tallies the session's live votes. An entry exactly at the
// window boundary still counts; one past it is excluded and deleted.
func (b *TempoBoard) Snapshot(sessionID domain.SessionID, now time.Time) domain.TempoSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	var snap domain.TempoSnapshot
	votes := b.sessions[sessionID]
	for cid, v := range votes {
		if now.Sub(v.at) > b.ttl {
			delete(votes, cid)
			continue
		}
		snap.Add(v.pref)
	}
	return snap
}

// Clear drops the session's tally, used on track change and teardown.
func (b *TempoBoard) Clear(sessionID domain.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

package app

import (
	"sync"
	"time"

	"github.com/pikadj/pika-relay/internal/domain"
)

// BroadcastLimiter enforces a minimum interval between media broadcasts
// per session. A rejection leaves no trace, so a host retrying after the
// interval passes cleanly.
type BroadcastLimiter struct {
	mu       sync.Mutex
	last     map[domain.SessionID]time.Time
	interval time.Duration
}

func NewBroadcastLimiter(interval time.Duration) *BroadcastLimiter {
	return &BroadcastLimiter{
		last:     make(map[domain.SessionID]time.Time),
		interval: interval,
	}
}

// Allow records the attempt time only on success.
func (l *BroadcastLimiter) Allow(sessionID domain.SessionID, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.last[sessionID]; ok && now.Sub(prev) < l.interval {
		return false
	}
	l.last[sessionID] = now
	return true
}

// Forget releases the session's slot on teardown.
func (l *BroadcastLimiter) Forget(sessionID domain.SessionID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, sessionID)
}

package app

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pikadj/pika-relay/internal/domain"
)

type nonceRecord struct {
	value     string
	sessionID domain.SessionID
	seenAt    time.Time
}

// NonceCache is the idempotency gate for retried messages. Capacity
// eviction is strict FIFO over insertion order; expiry is lazy plus a
// periodic sweep. Admit never checks expiry itself: an expired record the
// sweep has not reached yet still rejects, which keeps retries from
// sneaking through between sweeps.
type NonceCache struct {
	mu       sync.Mutex
	byValue  map[string]*list.Element
	order    *list.List
	capacity int
	ttl      time.Duration
}

func NewNonceCache(capacity int, ttl time.Duration) *NonceCache {
	return &NonceCache{
		byValue:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Admit reports whether the message should be processed. An absent nonce
// always admits; that is the legacy no-dedup path, not an error.
func (c *NonceCache) Admit(nonce string, sessionID domain.SessionID, now time.Time) bool {
	if nonce == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.byValue[nonce]; seen {
		return false
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.byValue, oldest.Value.(*nonceRecord).value)
	}
	c.byValue[nonce] = c.order.PushBack(&nonceRecord{value: nonce, sessionID: sessionID, seenAt: now})
	return true
}

// Sweep drops records older than the retention window. Insertion order is
// also time order, so it only ever walks the expired prefix.
func (c *NonceCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		rec := front.Value.(*nonceRecord)
		if now.Sub(rec.seenAt) <= c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.byValue, rec.value)
		removed++
	}
	if removed > 0 {
		log.Debug().Str("module", "app.nonce").Int("removed", removed).Msg("nonce sweep")
	}
	return removed
}

// DropSession removes every record scoped to the ended session.
func (c *NonceCache) DropSession(sessionID domain.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		rec := e.Value.(*nonceRecord)
		if rec.sessionID == sessionID {
			c.order.Remove(e)
			delete(c.byValue, rec.value)
		}
		e = next
	}
}

func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

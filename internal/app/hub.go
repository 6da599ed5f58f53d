package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
)

// Hub is the fanout: one topic per session, subscribers keyed by
// connection. A connection belongs to at most one topic; re-subscribing
// moves it. Sends never block — a full subscriber buffer drops the frame
// for that subscriber only.
type Hub struct {
	mu     sync.RWMutex
	topics map[domain.SessionID]map[core.ConnID]core.SubscriberConn
	byConn map[core.ConnID]domain.SessionID
}

func NewHub() *Hub {
	return &Hub{
		topics: make(map[domain.SessionID]map[core.ConnID]core.SubscriberConn),
		byConn: make(map[core.ConnID]domain.SessionID),
	}
}

// Subscribe adds the connection to the session topic, detaching it from
// any previous topic first.
func (h *Hub) Subscribe(sessionID domain.SessionID, id core.ConnID, conn core.SubscriberConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(id)
	subs, ok := h.topics[sessionID]
	if !ok {
		subs = make(map[core.ConnID]core.SubscriberConn)
		h.topics[sessionID] = subs
	}
	subs[id] = conn
	h.byConn[id] = sessionID
}

// Unsubscribe detaches the connection and reports the topic it left.
func (h *Hub) Unsubscribe(id core.ConnID) (domain.SessionID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sid, ok := h.byConn[id]
	h.detach(id)
	return sid, ok
}

func (h *Hub) detach(id core.ConnID) {
	sid, ok := h.byConn[id]
	if !ok {
		return
	}
	delete(h.byConn, id)
	if subs, ok := h.topics[sid]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, sid)
		}
	}
}

// Publish fans one frame out to every subscriber of the session.
func (h *Hub) Publish(sessionID domain.SessionID, frame core.Frame) core.PublishResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res := core.PublishResult{}
	for _, conn := range h.topics[sessionID] {
		if err := conn.TrySend(frame); err != nil {
			res.Dropped++
			continue
		}
		res.SentTo++
	}
	if res.Dropped > 0 {
		log.Warn().Str("module", "app.hub").Str("session", string(sessionID)).Int("dropped", res.Dropped).Msg("slow subscribers dropped frame")
	}
	return res
}

// DropTopic removes the whole topic after a session ends. Connections
// stay open; they are simply no longer members.
func (h *Hub) DropTopic(sessionID domain.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.topics[sessionID] {
		delete(h.byConn, id)
	}
	delete(h.topics, sessionID)
}

// SubscriberCount is the raw connection count, distinct from the sticky
// participant count the presence tracker reports.
func (h *Hub) SubscriberCount(sessionID domain.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[sessionID])
}

package core

import "github.com/pikadj/pika-relay/internal/domain"

// Frame is a marshaled outbound payload.
type Frame []byte

// ConnID identifies one physical connection. A logical client may hold
// several connections at once.
type ConnID string

// SubscriberConn abstracts the transport endpoint a session topic fans
// out to. Owned by the adapter; the adapter must Close() it.
type SubscriberConn interface {
	TrySend(Frame) error
	Close()
}

// PublishResult reports delivery stats/backpressure to the orchestrator.
type PublishResult struct {
	SentTo  int
	Dropped int
}

// SessionInfo is a read-only view for APIs (no transport fields).
type SessionInfo struct {
	ID        domain.SessionID `json:"id"`
	Name      string           `json:"name"`
	Listeners int              `json:"listeners"`
}

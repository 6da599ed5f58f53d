package core

import (
	"context"
	"time"

	"github.com/pikadj/pika-relay/internal/domain"
)

// Store is the durable persistence collaborator. The relay stays
// authoritative for live state; the Store only receives it.
//
// CreatePoll is the one call the hot path waits on: votes must never
// target a poll id that was never persisted. Everything else is invoked
// fire-and-forget by the orchestrator.
type Store interface {
	CreatePoll(ctx context.Context, sessionID domain.SessionID, question string, options []string) (domain.PollID, error)
	ClosePoll(ctx context.Context, pollID domain.PollID, counts []int, winner int, cancelled bool) error
	RecordVote(ctx context.Context, pollID domain.PollID, clientID domain.ClientID, option int) error

	SaveSession(ctx context.Context, sess *domain.Session) error
	EndSession(ctx context.Context, sessionID domain.SessionID, at time.Time) error
	SaveMedia(ctx context.Context, sessionID domain.SessionID, item *domain.MediaItem) error
	SaveTempoSnapshot(ctx context.Context, sessionID domain.SessionID, item *domain.MediaItem, snap domain.TempoSnapshot) error
}

// Verifier is the auth collaborator: it turns a host credential into a
// verified host identity, or nothing.
type Verifier interface {
	VerifyHost(token string) (domain.ClientID, bool)
}

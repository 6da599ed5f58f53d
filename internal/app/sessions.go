package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
)

// SessionRegistry is the authoritative record of live sessions. A host
// owns at most one session at a time; registering again supersedes the
// prior one, which the orchestrator tears down.
type SessionRegistry struct {
	mu     sync.RWMutex
	byID   map[domain.SessionID]*domain.Session
	byHost map[domain.ClientID]domain.SessionID
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byID:   make(map[domain.SessionID]*domain.Session),
		byHost: make(map[domain.ClientID]domain.SessionID),
	}
}

// Register creates a session owned by host. The superseded return is the
// host's previous session, if it still had one.
func (r *SessionRegistry) Register(id domain.SessionID, host domain.ClientID, name string, now time.Time) (*domain.Session, *domain.Session, error) {
	sess, err := domain.NewSession(id, host, name, now)
	if err != nil {
		return nil, nil, core.Wrap(core.CodeValidation, "invalid session name", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var superseded *domain.Session
	if prevID, ok := r.byHost[host]; ok {
		superseded = r.byID[prevID]
		delete(r.byID, prevID)
	}
	r.byID[id] = sess
	r.byHost[host] = id
	log.Info().Str("module", "app.sessions").Str("session", string(id)).Str("host", string(host)).Msg("session registered")
	return sess, superseded, nil
}

func (r *SessionRegistry) ByID(id domain.SessionID) (*domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *SessionRegistry) ByHost(host domain.ClientID) (*domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHost[host]
	if !ok {
		return nil, false
	}
	s, ok := r.byID[id]
	return s, ok
}

// owned looks up the session and enforces that caller owns it. Every
// mutating operation except Register goes through here.
func (r *SessionRegistry) owned(id domain.SessionID, caller domain.ClientID) (*domain.Session, error) {
	s, ok := r.byID[id]
	if !ok {
		return nil, core.Errf(core.CodeNotFound, "unknown session %s", id)
	}
	if s.HostID != caller {
		log.Warn().Str("module", "app.sessions").Str("session", string(id)).Str("caller", string(caller)).Msg("ownership mismatch")
		return nil, core.Errf(core.CodeUnauthorized, "session %s is not owned by caller", id)
	}
	return s, nil
}

// Authorize checks ownership without mutating anything, for operations
// whose side effects run before the registry write.
func (r *SessionRegistry) Authorize(id domain.SessionID, caller domain.ClientID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := r.owned(id, caller)
	return err
}

// SetMedia swaps the current media item. The previous item is returned so
// the orchestrator can flush its tempo tally when the track changed.
func (r *SessionRegistry) SetMedia(id domain.SessionID, caller domain.ClientID, item *domain.MediaItem) (*domain.MediaItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.owned(id, caller)
	if err != nil {
		return nil, err
	}
	prev := s.Media
	s.Media = item
	return prev, nil
}

func (r *SessionRegistry) ClearMedia(id domain.SessionID, caller domain.ClientID) (*domain.MediaItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.owned(id, caller)
	if err != nil {
		return nil, err
	}
	prev := s.Media
	s.Media = nil
	return prev, nil
}

func (r *SessionRegistry) SetAnnouncement(id domain.SessionID, caller domain.ClientID, a *domain.Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.owned(id, caller)
	if err != nil {
		return err
	}
	s.Announcement = a
	return nil
}

func (r *SessionRegistry) ClearAnnouncement(id domain.SessionID, caller domain.ClientID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.owned(id, caller)
	if err != nil {
		return err
	}
	s.Announcement = nil
	return nil
}

// End removes the session after an ownership check. The cascade over
// poll/nonce/listener/tempo state belongs to the orchestrator.
func (r *SessionRegistry) End(id domain.SessionID, caller domain.ClientID) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.owned(id, caller)
	if err != nil {
		return nil, err
	}
	delete(r.byID, id)
	delete(r.byHost, s.HostID)
	log.Info().Str("module", "app.sessions").Str("session", string(id)).Msg("session ended")
	return s, nil
}

// List is a read-only snapshot for the discovery API.
func (r *SessionRegistry) List() []*domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

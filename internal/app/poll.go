package app

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
)

// PollEngine tracks polls globally by id and keeps at most one current
// poll per session. A poll is born under a provisional local id while the
// orchestrator waits for the durable id; Remap re-keys it and leaves the
// local id behind as an alias, so votes addressed to either id resolve to
// the same object for the poll's whole lifetime.
type PollEngine struct {
	mu      sync.Mutex
	polls   map[domain.PollID]*domain.Poll
	current map[domain.SessionID]domain.PollID
	alias   map[domain.PollID]domain.PollID
}

func NewPollEngine() *PollEngine {
	return &PollEngine{
		polls:   make(map[domain.PollID]*domain.Poll),
		current: make(map[domain.SessionID]domain.PollID),
		alias:   make(map[domain.PollID]domain.PollID),
	}
}

func localPollID() domain.PollID {
	return domain.PollID("tmp_" + ulid.Make().String())
}

// Begin validates and reserves the session's poll slot under a local id.
// A second start while one poll is active is rejected, never superseded.
// The reservation also covers the window where the orchestrator is still
// waiting on the durable id.
func (e *PollEngine) Begin(sessionID domain.SessionID, question string, options []string, endsAt *time.Time, now time.Time) (*domain.Poll, error) {
	if question == "" {
		return nil, core.Errf(core.CodeValidation, "poll question empty")
	}
	if len(options) < domain.MinPollOptions || len(options) > domain.MaxPollOptions {
		return nil, core.Errf(core.CodeValidation, "poll needs %d-%d options, got %d", domain.MinPollOptions, domain.MaxPollOptions, len(options))
	}
	for i, opt := range options {
		if len(opt) < 1 || len(opt) > domain.MaxPollOptionLen {
			return nil, core.Errf(core.CodeValidation, "option %d must be 1-%d characters", i, domain.MaxPollOptionLen)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.current[sessionID]; ok {
		if p, ok := e.polls[id]; ok && p.State == domain.PollActive {
			return nil, core.Errf(core.CodeValidation, "session %s already has an active poll", sessionID)
		}
	}

	p := &domain.Poll{
		ID:        localPollID(),
		SessionID: sessionID,
		Question:  question,
		Options:   append([]string(nil), options...),
		Counts:    make([]int, len(options)),
		Voters:    make(map[domain.ClientID]int),
		State:     domain.PollActive,
		CreatedAt: now,
		EndsAt:    endsAt,
	}
	e.polls[p.ID] = p
	e.current[sessionID] = p.ID
	log.Info().Str("module", "app.poll").Str("session", string(sessionID)).Str("poll", string(p.ID)).Msg("poll reserved")
	return p, nil
}

// Remap swaps the provisional id for the durable one atomically. The old
// id keeps resolving via the alias table.
func (e *PollEngine) Remap(local, durable domain.PollID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.polls[local]
	if !ok {
		return core.Errf(core.CodeNotFound, "unknown poll %s", local)
	}
	delete(e.polls, local)
	p.ID = durable
	e.polls[durable] = p
	e.alias[local] = durable
	if e.current[p.SessionID] == local {
		e.current[p.SessionID] = durable
	}
	log.Info().Str("module", "app.poll").Str("local", string(local)).Str("durable", string(durable)).Msg("poll id remapped")
	return nil
}

// Abort discards a reservation whose durable id never arrived.
func (e *PollEngine) Abort(local domain.PollID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.polls[local]
	if !ok {
		return
	}
	delete(e.polls, local)
	if e.current[p.SessionID] == local {
		delete(e.current, p.SessionID)
	}
	log.Warn().Str("module", "app.poll").Str("poll", string(local)).Msg("poll reservation aborted")
}

func (e *PollEngine) resolve(id domain.PollID) (*domain.Poll, bool) {
	if durable, ok := e.alias[id]; ok {
		id = durable
	}
	p, ok := e.polls[id]
	return p, ok
}

// Resolve follows aliases to the live poll object.
func (e *PollEngine) Resolve(id domain.PollID) (*domain.Poll, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolve(id)
}

// Current returns the session's live poll, if any.
func (e *PollEngine) Current(sessionID domain.SessionID) (*domain.Poll, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.current[sessionID]
	if !ok {
		return nil, false
	}
	p, ok := e.polls[id]
	return p, ok
}

// PollView is a consistent copy of a live poll for late joiners.
type PollView struct {
	PollID   domain.PollID `json:"poll_id"`
	Question string        `json:"question"`
	Options  []string      `json:"options"`
	Counts   []int         `json:"counts"`
	Total    int           `json:"total"`
	EndsAt   *time.Time    `json:"ends_at,omitempty"`
}

// CurrentView snapshots the session's live poll under the engine lock.
func (e *PollEngine) CurrentView(sessionID domain.SessionID) (PollView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.current[sessionID]
	if !ok {
		return PollView{}, false
	}
	p, ok := e.polls[id]
	if !ok || p.State != domain.PollActive {
		return PollView{}, false
	}
	return PollView{
		PollID:   p.ID,
		Question: p.Question,
		Options:  append([]string(nil), p.Options...),
		Counts:   append([]int(nil), p.Counts...),
		Total:    p.Total(),
		EndsAt:   p.EndsAt,
	}, true
}

// VoteResult is the aggregate broadcast payload source; the raw ballot
// never leaves the engine.
type VoteResult struct {
	PollID    domain.PollID
	SessionID domain.SessionID
	Counts    []int
	Total     int
	Duplicate bool
}

// Vote applies one ballot. A repeat ballot from the same client is a
// Duplicate result with no mutation; the caller acks it as success.
func (e *PollEngine) Vote(pollID domain.PollID, client domain.ClientID, option int) (VoteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.resolve(pollID)
	if !ok {
		return VoteResult{}, core.Errf(core.CodeNotFound, "unknown poll %s", pollID)
	}
	if p.State != domain.PollActive {
		return VoteResult{}, core.Errf(core.CodeValidation, "poll %s is not active", p.ID)
	}
	if option < 0 || option >= len(p.Options) {
		return VoteResult{}, core.Errf(core.CodeValidation, "option %d out of range", option)
	}

	res := VoteResult{PollID: p.ID, SessionID: p.SessionID}
	if _, voted := p.Voters[client]; voted {
		res.Duplicate = true
	} else {
		p.Voters[client] = option
		p.Counts[option]++
	}
	res.Counts = append([]int(nil), p.Counts...)
	res.Total = p.Total()
	return res, nil
}

// PollOutcome is what an ended or cancelled poll broadcasts.
type PollOutcome struct {
	PollID    domain.PollID
	SessionID domain.SessionID
	Question  string
	Options   []string
	Counts    []int
	Total     int
	Winner    int
	Cancelled bool
}

func outcomeOf(p *domain.Poll, cancelled bool) PollOutcome {
	out := PollOutcome{
		PollID:    p.ID,
		SessionID: p.SessionID,
		Question:  p.Question,
		Options:   append([]string(nil), p.Options...),
		Cancelled: cancelled,
	}
	if cancelled {
		// Cancellation discards public results.
		out.Counts = make([]int, len(p.Options))
		out.Winner = -1
		return out
	}
	out.Counts = append([]int(nil), p.Counts...)
	out.Total = p.Total()
	out.Winner = p.Winner()
	return out
}

func (e *PollEngine) finish(p *domain.Poll, cancelled bool) PollOutcome {
	p.State = domain.PollEnded
	delete(e.polls, p.ID)
	if e.current[p.SessionID] == p.ID {
		delete(e.current, p.SessionID)
	}
	for local, durable := range e.alias {
		if durable == p.ID {
			delete(e.alias, local)
		}
	}
	return outcomeOf(p, cancelled)
}

// End terminates a poll and returns its final tallies.
func (e *PollEngine) End(pollID domain.PollID) (PollOutcome, error) {
	return e.terminate(pollID, false)
}

// Cancel terminates a poll and discards its tallies.
func (e *PollEngine) Cancel(pollID domain.PollID) (PollOutcome, error) {
	return e.terminate(pollID, true)
}

func (e *PollEngine) terminate(pollID domain.PollID, cancelled bool) (PollOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.resolve(pollID)
	if !ok {
		return PollOutcome{}, core.Errf(core.CodeNotFound, "unknown poll %s", pollID)
	}
	out := e.finish(p, cancelled)
	log.Info().Str("module", "app.poll").Str("poll", string(out.PollID)).Bool("cancelled", cancelled).Msg("poll terminated")
	return out, nil
}

// AutoEnd is the timer path. It re-resolves by key and no-ops when the
// poll is gone or the session's current poll changed in the meantime.
func (e *PollEngine) AutoEnd(sessionID domain.SessionID, pollID domain.PollID) (PollOutcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.resolve(pollID)
	if !ok || p.SessionID != sessionID || p.State != domain.PollActive {
		return PollOutcome{}, false
	}
	if cur, ok := e.current[sessionID]; !ok || cur != p.ID {
		return PollOutcome{}, false
	}
	return e.finish(p, false), true
}

// DropSession is the cascade path: the session's current poll vanishes
// without a result broadcast of its own.
func (e *PollEngine) DropSession(sessionID domain.SessionID) (domain.PollID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.current[sessionID]
	if !ok {
		return "", false
	}
	if p, ok := e.polls[id]; ok {
		e.finish(p, true)
	} else {
		delete(e.current, sessionID)
	}
	return id, true
}

package orch

import (
	"context"
	"time"

	"github.com/pikadj/pika-relay/internal/app"
	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
)

func pollTimerKey(sessionID domain.SessionID) string {
	return "poll:" + string(sessionID)
}

// StartPoll reserves the session's poll slot, then blocks on the Store
// for the durable id before anything becomes visible. This round trip is
// deliberate: votes must never target an id that never persisted. A slow
// store delays poll visibility but nothing else.
func (o *Orchestrator) StartPoll(ctx context.Context, caller domain.ClientID, sessionID domain.SessionID, nonce, question string, options []string, duration time.Duration) (*domain.Poll, error) {
	if err := o.Sessions.Authorize(sessionID, caller); err != nil {
		return nil, err
	}
	if err := o.admit(nonce, sessionID); err != nil {
		return nil, err
	}

	var endsAt *time.Time
	now := time.Now()
	if duration > 0 {
		t := now.Add(duration)
		endsAt = &t
	}
	poll, err := o.Polls.Begin(sessionID, question, options, endsAt, now)
	if err != nil {
		return nil, err
	}
	localID := poll.ID

	storeCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	durableID, err := o.Store.CreatePoll(storeCtx, sessionID, question, options)
	if err != nil {
		o.Polls.Abort(localID)
		return nil, core.Wrap(core.CodePersistence, "could not obtain durable poll id", err)
	}
	if err := o.Polls.Remap(localID, durableID); err != nil {
		return nil, err
	}

	if endsAt != nil {
		o.Timers.Schedule(pollTimerKey(sessionID), duration, func() {
			o.autoEndPoll(sessionID, durableID)
		})
	}
	o.publish(sessionID, "poll-started", pollStartedEvent{
		Type:      "poll-started",
		SessionID: sessionID,
		PollID:    durableID,
		Question:  poll.Question,
		Options:   poll.Options,
		EndsAt:    endsAt,
	})
	return poll, nil
}

// VotePoll applies one ballot. A repeat ballot acks as success without a
// broadcast; only accepted ballots change the aggregate and persist.
func (o *Orchestrator) VotePoll(voter domain.ClientID, pollID domain.PollID, option int, nonce string) (app.VoteResult, error) {
	poll, ok := o.Polls.Resolve(pollID)
	if !ok {
		return app.VoteResult{}, core.Errf(core.CodeNotFound, "unknown poll %s", pollID)
	}
	if err := o.admit(nonce, poll.SessionID); err != nil {
		return app.VoteResult{}, err
	}

	res, err := o.Polls.Vote(pollID, voter, option)
	if err != nil {
		return app.VoteResult{}, err
	}
	if res.Duplicate {
		return res, nil
	}

	if o.Metrics != nil {
		o.Metrics.PollVotes.Inc()
	}
	o.async("record-vote", func(ctx context.Context) error {
		return o.Store.RecordVote(ctx, res.PollID, voter, option)
	})
	o.publish(res.SessionID, "poll-update", pollUpdateEvent{
		Type:      "poll-update",
		SessionID: res.SessionID,
		PollID:    res.PollID,
		Counts:    res.Counts,
		Total:     res.Total,
	})
	return res, nil
}

// EndPoll terminates the poll and broadcasts final tallies plus the
// winner: first option attaining the maximum, -1 when nobody voted.
func (o *Orchestrator) EndPoll(caller domain.ClientID, pollID domain.PollID, nonce string) (app.PollOutcome, error) {
	return o.terminatePoll(caller, pollID, nonce, false)
}

// CancelPoll terminates the poll and broadcasts a zeroed result
// regardless of actual tallies.
func (o *Orchestrator) CancelPoll(caller domain.ClientID, pollID domain.PollID, nonce string) (app.PollOutcome, error) {
	return o.terminatePoll(caller, pollID, nonce, true)
}

func (o *Orchestrator) terminatePoll(caller domain.ClientID, pollID domain.PollID, nonce string, cancelled bool) (app.PollOutcome, error) {
	poll, ok := o.Polls.Resolve(pollID)
	if !ok {
		return app.PollOutcome{}, core.Errf(core.CodeNotFound, "unknown poll %s", pollID)
	}
	if err := o.Sessions.Authorize(poll.SessionID, caller); err != nil {
		return app.PollOutcome{}, err
	}
	if err := o.admit(nonce, poll.SessionID); err != nil {
		return app.PollOutcome{}, err
	}

	var (
		out app.PollOutcome
		err error
	)
	if cancelled {
		out, err = o.Polls.Cancel(pollID)
	} else {
		out, err = o.Polls.End(pollID)
	}
	if err != nil {
		return app.PollOutcome{}, err
	}
	o.Timers.Cancel(pollTimerKey(out.SessionID))
	o.finishPoll(out)
	return out, nil
}

// autoEndPoll is the timer callback. It re-resolves by key; the poll may
// have been ended, cancelled, or torn down since the timer was armed.
func (o *Orchestrator) autoEndPoll(sessionID domain.SessionID, pollID domain.PollID) {
	out, ok := o.Polls.AutoEnd(sessionID, pollID)
	if !ok {
		return
	}
	o.finishPoll(out)
}

// finishPoll shares the broadcast contract between manual end, cancel,
// and auto-timeout.
func (o *Orchestrator) finishPoll(out app.PollOutcome) {
	o.async("close-poll", func(ctx context.Context) error {
		return o.Store.ClosePoll(ctx, out.PollID, out.Counts, out.Winner, out.Cancelled)
	})
	o.publish(out.SessionID, "poll-ended", pollEndedEvent{
		Type:      "poll-ended",
		SessionID: out.SessionID,
		PollID:    out.PollID,
		Question:  out.Question,
		Options:   out.Options,
		Counts:    out.Counts,
		Total:     out.Total,
		Winner:    out.Winner,
		Cancelled: out.Cancelled,
	})
}

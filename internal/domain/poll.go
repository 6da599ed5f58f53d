package domain

import "time"

type PollID string

type PollState int

const (
	PollNone PollState = iota
	PollActive
	PollEnded
)

func (s PollState) String() string {
	switch s {
	case PollActive:
		return "active"
	case PollEnded:
		return "ended"
	default:
		return "none"
	}
}

const (
	MinPollOptions   = 2
	MaxPollOptions   = 10
	MaxPollOptionLen = 100
)

// Poll is an audience question with a fixed option list. Counts is always
// the same length as Options. Voters maps a client to its chosen index.
type Poll struct {
	ID        PollID
	SessionID SessionID
	Question  string
	Options   []string
	Counts    []int
	Voters    map[ClientID]int
	State     PollState
	CreatedAt time.Time
	EndsAt    *time.Time
}

// Total is the number of accepted ballots.
func (p *Poll) Total() int {
	n := 0
	for _, c := range p.Counts {
		n += c
	}
	return n
}

// Winner returns the first option index attaining the maximum count,
// or -1 when no ballot was cast.
func (p *Poll) Winner() int {
	if p.Total() == 0 {
		return -1
	}
	win, max := 0, p.Counts[0]
	for i, c := range p.Counts {
		if c > max {
			win, max = i, c
		}
	}
	return win
}

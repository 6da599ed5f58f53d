package orch

import (
	"time"

	"github.com/pikadj/pika-relay/internal/domain"
)

// Broadcast payloads. Every accepted mutation produces exactly one of
// these on the session topic; acks and nacks go to the sender only and
// live in the signal adapter.

type sessionLiveEvent struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	Name      string           `json:"name"`
}

type sessionEndedEvent struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	Reason    string           `json:"reason"`
}

type nowPlayingEvent struct {
	Type      string            `json:"type"`
	SessionID domain.SessionID  `json:"session_id"`
	Media     *domain.MediaItem `json:"media"`
}

type mediaStoppedEvent struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
}

type announcementEvent struct {
	Type      string               `json:"type"`
	SessionID domain.SessionID     `json:"session_id"`
	Text      string               `json:"text,omitempty"`
	At        *time.Time           `json:"at,omitempty"`
}

type pollStartedEvent struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	PollID    domain.PollID    `json:"poll_id"`
	Question  string           `json:"question"`
	Options   []string         `json:"options"`
	EndsAt    *time.Time       `json:"ends_at,omitempty"`
}

type pollUpdateEvent struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	PollID    domain.PollID    `json:"poll_id"`
	Counts    []int            `json:"counts"`
	Total     int              `json:"total"`
}

type pollEndedEvent struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	PollID    domain.PollID    `json:"poll_id"`
	Question  string           `json:"question"`
	Options   []string         `json:"options"`
	Counts    []int            `json:"counts"`
	Total     int              `json:"total"`
	Winner    int              `json:"winner"`
	Cancelled bool             `json:"cancelled"`
}

type tempoUpdateEvent struct {
	Type      string               `json:"type"`
	SessionID domain.SessionID     `json:"session_id"`
	Tempo     domain.TempoSnapshot `json:"tempo"`
}

type tempoResetEvent struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
}

type listenerCountEvent struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	Count     int              `json:"count"`
}

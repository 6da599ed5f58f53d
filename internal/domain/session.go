// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"time"
)

const MaxSessionNameLen = 64

var (
	ErrSessionNameEmpty   = errors.New("session name empty")
	ErrSessionNameTooLong = errors.New("session name too long")
)

type (
	SessionID string
	ClientID  string
)

// Session is a single host's live-event instance. It owns at most one
// current media item and one active announcement.
type Session struct {
	ID           SessionID
	HostID       ClientID
	Name         string
	CreatedAt    time.Time
	Media        *MediaItem
	Announcement *Announcement
}

// NewSession avoids raw literals in adapters and keeps construction obvious.
func NewSession(id SessionID, host ClientID, name string, now time.Time) (*Session, error) {
	if name == "" {
		return nil, ErrSessionNameEmpty
	}
	if len(name) > MaxSessionNameLen {
		return nil, ErrSessionNameTooLong
	}
	return &Session{ID: id, HostID: host, Name: name, CreatedAt: now}, nil
}

// Announcement is a host message pinned to the session until cancelled.
type Announcement struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

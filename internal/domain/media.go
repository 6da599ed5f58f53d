package domain

import "time"

// MediaItem is the track a host is currently broadcasting.
type MediaItem struct {
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	BPM         float64   `json:"bpm,omitempty"`
	DurationSec int       `json:"duration_sec,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// SameTrack reports whether two items refer to the same track identity.
// Only the identity tuple matters; BPM or start time changes alone do not
// make a new track.
func (m *MediaItem) SameTrack(other *MediaItem) bool {
	if m == nil || other == nil {
		return false
	}
	return m.Title == other.Title && m.Artist == other.Artist
}

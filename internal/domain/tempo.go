package domain

import "errors"

// TempoPreference is a listener's transient opinion about playback pacing.
type TempoPreference string

const (
	TempoFaster  TempoPreference = "faster"
	TempoSlower  TempoPreference = "slower"
	TempoPerfect TempoPreference = "perfect"
)

var ErrUnknownTempoPreference = errors.New("unknown tempo preference")

func ParseTempoPreference(s string) (TempoPreference, error) {
	switch TempoPreference(s) {
	case TempoFaster, TempoSlower, TempoPerfect:
		return TempoPreference(s), nil
	}
	return "", ErrUnknownTempoPreference
}

// TempoSnapshot is the aggregate tally handed to listeners and persistence.
type TempoSnapshot struct {
	Faster  int `json:"faster"`
	Slower  int `json:"slower"`
	Perfect int `json:"perfect"`
	Total   int `json:"total"`
}

func (s *TempoSnapshot) Add(p TempoPreference) {
	switch p {
	case TempoFaster:
		s.Faster++
	case TempoSlower:
		s.Slower++
	case TempoPerfect:
		s.Perfect++
	default:
		return
	}
	s.Total++
}

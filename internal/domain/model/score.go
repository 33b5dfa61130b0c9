package model

import (
	"fmt"
	"strings"
)

// ScoreStatus tracks the recalculation state of a score.
type ScoreStatus int

// Score statuses.
const (
	StatusNotRecalculated ScoreStatus = iota
	StatusRecalculating
	StatusReady
	StatusRecalculationRequired
	StatusFailed
)

var scoreStatusNames = map[ScoreStatus]string{
	StatusNotRecalculated:       "not_recalculated",
	StatusRecalculating:         "recalculating",
	StatusReady:                 "ready",
	StatusRecalculationRequired: "recalculation_required",
	StatusFailed:                "failed",
}

func (s ScoreStatus) String() string {
	if name, ok := scoreStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ScoreStatus(%d)", int(s))
}

// ParseScoreStatus resolves a stored status name.
func ParseScoreStatus(s string) (ScoreStatus, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for status, name := range scoreStatusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown score status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s ScoreStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Score is a named aggregate of rules.
type Score struct {
	ID      ScoreID     `json:"id"`
	Name    string      `json:"name"`
	Enabled bool        `json:"enabled"`
	Status  ScoreStatus `json:"status"`
	// NotificationLimit triggers limit-exceeded notifications when a contact
	// reaches it. Zero disables notifications.
	NotificationLimit int `json:"notification_limit"`
}

// StatusAfterFullRecalculation returns the status a successful full
// recalculation leaves the score in. A disabled score no longer follows
// incremental changes, so it cannot stay ready.
func (s *Score) StatusAfterFullRecalculation() ScoreStatus {
	if s.Enabled {
		return StatusReady
	}
	return StatusRecalculationRequired
}

// ContactTotal is the sum of a contact's association points within a score.
type ContactTotal struct {
	ContactID ContactID `json:"contact_id"`
	Points    int       `json:"points"`
}

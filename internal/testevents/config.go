// Package testevents drives a running service with generated activities and
// checks that the results are consistent.
package testevents

import (
	"errors"
	"fmt"
	"time"
)

// ErrVerification marks a run whose results are inconsistent.
var ErrVerification = errors.New("verification failed")

// Config holds configuration for a load run.
type Config struct {
	BaseURL       string        // Base URL of the service
	NumActivities int           // Number of activities to post
	Contacts      int           // Contact ids are drawn from 1..Contacts
	DuplicateRate float64       // Share of activities that repeat an earlier id
	ScoreID       int64         // Score to recalculate and rank; 0 skips both
	TopN          int           // Number of top contacts to fetch
	Workers       int           // Number of concurrent posters
	Timeout       time.Duration // HTTP request timeout
	Seed          uint64        // Seed for the activity generator
	OutputFile    string        // Optional JSON dump of posted activities
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return errors.New("base url must not be empty")
	case c.NumActivities <= 0:
		return errors.New("activities must be positive")
	case c.Contacts <= 0:
		return errors.New("contacts must be positive")
	case c.DuplicateRate < 0 || c.DuplicateRate >= 1:
		return fmt.Errorf("duplicate rate %.2f must be in [0, 1)", c.DuplicateRate)
	case c.Workers <= 0:
		return errors.New("workers must be positive")
	case c.ScoreID > 0 && (c.TopN <= 0 || c.TopN > 1000):
		return errors.New("top must be between 1 and 1000")
	}
	return nil
}

// Activity is the body posted to /activities.
type Activity struct {
	ActivityID string `json:"activity_id"`
	ContactID  int64  `json:"contact_id"`
	Type       string `json:"type"`
	Value      string `json:"value"`
	TS         string `json:"ts"`
}

// Entry is one row of a top contacts response.
type Entry struct {
	ContactID int64 `json:"contact_id"`
	Points    int   `json:"points"`
}

// AckResponse represents the response to an activity post.
type AckResponse struct {
	Status     string `json:"status"`
	ActivityID string `json:"activity_id"`
	Duplicate  bool   `json:"duplicate"`
}

// Stats holds run statistics.
type Stats struct {
	Generated  int
	Repeats    int
	Submitted  int
	Accepted   int
	Duplicates int
	Failed     int
	Status     string
	Top        []Entry
	Duration   time.Duration
}

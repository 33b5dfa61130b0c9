// Package model contains domain models passed between layers.
package model

import "time"

// ContactID identifies a contact.
type ContactID int64

// RuleID identifies a scoring rule.
type RuleID int64

// ScoreID identifies a score.
type ScoreID int64

// Activity is a recorded contact action, e.g. a page visit or a form submit.
// It is the payload of the activity queue.
type Activity struct {
	ID        string    `json:"activity_id"`
	ContactID ContactID `json:"contact_id"`
	Type      string    `json:"type"`  // page_visit, form_submit, purchase, ...
	Value     string    `json:"value"` // URL, form name, product code
	Created   time.Time `json:"created"`
}

// FieldChange records one profile field mutation.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// ContactChange is the payload of the contact-change queue.
type ContactChange struct {
	ContactID ContactID     `json:"contact_id"`
	Changes   []FieldChange `json:"changes"`
	Created   time.Time     `json:"created"`
}

// ChangedFields returns the names of the changed fields.
func (c ContactChange) ChangedFields() []string {
	out := make([]string, 0, len(c.Changes))
	for _, ch := range c.Changes {
		out = append(out, ch.Field)
	}
	return out
}

// Contact is the profile used by attribute rules.
type Contact struct {
	ID     ContactID         `json:"id"`
	Fields map[string]string `json:"fields"`
}

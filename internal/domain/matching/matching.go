// Package matching decides which contacts a batch of activities and contact
// changes may have affected under a rule. Matchers are filters: they never
// compute points.
package matching

import (
	"errors"
	"fmt"
	"strings"

	"github.com/okian/recalc/internal/domain/model"
)

// ErrMissingMatcher is returned when a rule type has no matcher builder.
var ErrMissingMatcher = errors.New("no matcher for rule type")

// ContactSet is a set of contact IDs.
type ContactSet map[model.ContactID]struct{}

// IDs returns the members of s in no particular order.
func (s ContactSet) IDs() []model.ContactID {
	out := make([]model.ContactID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// Matcher reports the contacts whose points under rule might have changed.
type Matcher interface {
	AffectedContacts(rule *model.Rule) ContactSet
}

// Builder builds a matcher over one batch.
type Builder func(activities []model.Activity, changes []model.ContactChange) Matcher

// Factory creates one matcher per rule type for a batch.
type Factory struct {
	builders map[model.RuleType]Builder
}

// Option customizes a Factory.
type Option func(*Factory)

// WithBuilder replaces the builder for a rule type.
func WithBuilder(t model.RuleType, b Builder) Option {
	return func(f *Factory) {
		if b != nil {
			f.builders[t] = b
		}
	}
}

// NewFactory returns a factory with the built-in matchers. It fails when any
// known rule type is left without a builder.
func NewFactory(opts ...Option) (*Factory, error) {
	f := &Factory{
		builders: map[model.RuleType]Builder{
			model.RuleTypeAttribute: newAttributeMatcher,
			model.RuleTypeActivity:  newActivityMatcher,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, t := range model.RuleTypes {
		if _, ok := f.builders[t]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingMatcher, t)
		}
	}
	return f, nil
}

// CreateMatchers builds the matchers for one batch.
func (f *Factory) CreateMatchers(activities []model.Activity, changes []model.ContactChange) map[model.RuleType]Matcher {
	out := make(map[model.RuleType]Matcher, len(f.builders))
	for t, b := range f.builders {
		out[t] = b(activities, changes)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

package testevents

import (
	"fmt"
)

// verifyResults checks the counters and the ordering of the top contacts.
func verifyResults(stats *Stats) error {
	if stats.Failed > 0 {
		return fmt.Errorf("%w: %d activities failed", ErrVerification, stats.Failed)
	}
	if stats.Submitted != stats.Generated {
		return fmt.Errorf("%w: submitted %d of %d activities", ErrVerification, stats.Submitted, stats.Generated)
	}
	if stats.Duplicates != stats.Repeats {
		return fmt.Errorf("%w: %d duplicates reported, %d repeats posted", ErrVerification, stats.Duplicates, stats.Repeats)
	}
	return verifyTop(stats.Top)
}

// verifyTop checks points descend and ties are ordered by contact id.
func verifyTop(top []Entry) error {
	seen := make(map[int64]bool, len(top))
	for i, e := range top {
		if seen[e.ContactID] {
			return fmt.Errorf("%w: contact %d listed twice", ErrVerification, e.ContactID)
		}
		seen[e.ContactID] = true
		if i == 0 {
			continue
		}
		prev := top[i-1]
		if prev.Points < e.Points || (prev.Points == e.Points && prev.ContactID > e.ContactID) {
			return fmt.Errorf("%w: top contacts out of order at position %d", ErrVerification, i)
		}
	}
	return nil
}

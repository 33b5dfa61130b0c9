package recalc_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/internal/domain/recalc"
)

// memStore is an in-memory AssociationStore, ContactSource, ScoreStore and
// TxRunner. Association rows are kept as a slice so duplicates would show.
type memStore struct {
	mu          sync.Mutex
	rows        []model.Association
	contacts    map[model.ContactID]map[string]string
	activities  []model.Activity
	rules       map[model.ScoreID][]model.Rule
	statuses    []model.ScoreStatus
	failInsert  error
	failRules   error
	txCount     int
	txDeadlines []time.Time
}

func newMemStore() *memStore {
	return &memStore{
		contacts: make(map[model.ContactID]map[string]string),
		rules:    make(map[model.ScoreID][]model.Rule),
	}
}

func (m *memStore) DeleteRuleAssociations(_ context.Context, ruleID model.RuleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	for _, r := range m.rows {
		if r.RuleID != ruleID {
			kept = append(kept, r)
		}
	}
	m.rows = kept
	return nil
}

func (m *memStore) DeleteContactAssociations(_ context.Context, ruleID model.RuleID, ids []model.ContactID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[model.ContactID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.rows[:0]
	for _, r := range m.rows {
		if r.RuleID == ruleID && drop[r.ContactID] {
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return nil
}

func (m *memStore) InsertAssociations(_ context.Context, rows []model.Association) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memStore) ContactIDs(context.Context) ([]model.ContactID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]model.ContactID, 0, len(m.contacts))
	for id := range m.contacts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memStore) Contacts(_ context.Context, ids []model.ContactID) ([]model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Contact
	for _, id := range ids {
		if f, ok := m.contacts[id]; ok {
			out = append(out, model.Contact{ID: id, Fields: f})
		}
	}
	return out, nil
}

func (m *memStore) Activities(_ context.Context, ids []model.ContactID, activityType string, since time.Time) ([]model.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[model.ContactID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Activity
	for _, a := range m.activities {
		if want[a.ContactID] && a.Type == activityType && !a.Created.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) RulesForScore(_ context.Context, id model.ScoreID) ([]model.Rule, error) {
	if m.failRules != nil {
		return nil, m.failRules
	}
	return append([]model.Rule(nil), m.rules[id]...), nil
}

func (m *memStore) SetScoreStatus(_ context.Context, _ model.ScoreID, status model.ScoreStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txCount++
	if dl, ok := ctx.Deadline(); ok {
		m.txDeadlines = append(m.txDeadlines, dl)
	}
	return fn(ctx)
}

func (m *memStore) rowsFor(ruleID model.RuleID) map[model.ContactID]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.ContactID]int)
	for _, r := range m.rows {
		if r.RuleID == ruleID {
			out[r.ContactID] += r.Points
		}
	}
	return out
}

func (m *memStore) countPairs() map[[2]int64]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[[2]int64]int)
	for _, r := range m.rows {
		out[[2]int64{int64(r.RuleID), int64(r.ContactID)}]++
	}
	return out
}

type touchRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (t *touchRecorder) Touch(_ context.Context, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = append(t.keys, key)
}

type staticRules []model.Rule

func (s staticRules) EnabledRules(context.Context) ([]model.Rule, error) {
	return append([]model.Rule(nil), s...), nil
}

// spyRules records RuleRecalculation calls.
type spyRules struct {
	all      []model.RuleID
	contacts map[model.RuleID][]model.ContactID
	err      error
	panicMsg string
}

func newSpyRules() *spyRules {
	return &spyRules{contacts: make(map[model.RuleID][]model.ContactID)}
}

func (s *spyRules) RecalculateRuleForAllContacts(_ context.Context, rule *model.Rule) error {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.all = append(s.all, rule.ID)
	return s.err
}

func (s *spyRules) RecalculateRuleForContacts(_ context.Context, rule *model.Rule, ids []model.ContactID) error {
	s.contacts[rule.ID] = ids
	return s.err
}

func (s *spyRules) calls() int {
	return len(s.all) + len(s.contacts)
}

type recordingObserver struct {
	veto   bool
	before []recalc.Event
	after  []error
}

func (o *recordingObserver) Before(_ context.Context, ev recalc.Event) bool {
	o.before = append(o.before, ev)
	return !o.veto
}

func (o *recordingObserver) After(_ context.Context, _ recalc.Event, err error) {
	o.after = append(o.after, err)
}

type countingNotifier struct {
	calls int
	err   error
}

func (n *countingNotifier) NotifyLimitExceeded(context.Context, *model.Score) error {
	n.calls++
	return n.err
}

var errStorage = errors.New("storage unavailable")

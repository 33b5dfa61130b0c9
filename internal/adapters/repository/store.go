package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
)

// inChunk bounds the ids bound into one IN (...) list.
const inChunk = 500

// SQLStore implements the recalculation storage ports over SQLite.
type SQLStore struct {
	db     *sql.DB
	now    func() time.Time
	logger logger.Logger
}

// NewSQLStore wraps db and applies the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, opts ...Option) (*SQLStore, error) {
	s := &SQLStore{db: db, now: time.Now, logger: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunks[T any](ids []T, fn func(part []T) error) error {
	for start := 0; start < len(ids); start += inChunk {
		if err := fn(ids[start:min(start+inChunk, len(ids))]); err != nil {
			return err
		}
	}
	return nil
}

func toArgs[T ~int64](ids []T, extra ...any) []any {
	args := make([]any, 0, len(ids)+len(extra))
	args = append(args, extra...)
	for _, id := range ids {
		args = append(args, int64(id))
	}
	return args
}

// Associations

// DeleteRuleAssociations removes every row of a rule.
func (s *SQLStore) DeleteRuleAssociations(ctx context.Context, ruleID model.RuleID) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM associations WHERE rule_id = ?`, int64(ruleID))
	return err
}

// DeleteContactAssociations removes the rows of a rule for the given contacts.
func (s *SQLStore) DeleteContactAssociations(ctx context.Context, ruleID model.RuleID, ids []model.ContactID) error {
	return chunks(ids, func(part []model.ContactID) error {
		_, err := s.q(ctx).ExecContext(ctx,
			`DELETE FROM associations WHERE rule_id = ? AND contact_id IN (`+placeholders(len(part))+`)`,
			toArgs(part, int64(ruleID))...)
		return err
	})
}

// InsertAssociations stores rows, replacing any row with the same (rule, contact).
func (s *SQLStore) InsertAssociations(ctx context.Context, rows []model.Association) error {
	now := s.now().UnixNano()
	return chunks(rows, func(part []model.Association) error {
		args := make([]any, 0, len(part)*5)
		for _, r := range part {
			args = append(args, int64(r.RuleID), int64(r.ScoreID), int64(r.ContactID), r.Points, now)
		}
		_, err := s.q(ctx).ExecContext(ctx,
			`INSERT OR REPLACE INTO associations (rule_id, score_id, contact_id, points, updated_at) VALUES `+
				strings.TrimSuffix(strings.Repeat("(?,?,?,?,?),", len(part)), ","),
			args...)
		return err
	})
}

// ContactTotal sums a contact's points within a score.
func (s *SQLStore) ContactTotal(ctx context.Context, scoreID model.ScoreID, contactID model.ContactID) (int, error) {
	var total int
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM associations WHERE score_id = ? AND contact_id = ?`,
		int64(scoreID), int64(contactID)).Scan(&total)
	return total, err
}

// ContactsAtOrAbove lists contacts whose total in a score is at least minPoints,
// highest first.
func (s *SQLStore) ContactsAtOrAbove(ctx context.Context, scoreID model.ScoreID, minPoints int) ([]model.ContactTotal, error) {
	return s.totals(ctx,
		`SELECT contact_id, SUM(points) AS total FROM associations WHERE score_id = ?
		 GROUP BY contact_id HAVING total >= ? ORDER BY total DESC, contact_id`,
		int64(scoreID), minPoints)
}

// TopContacts lists the n contacts with the highest totals in a score.
func (s *SQLStore) TopContacts(ctx context.Context, scoreID model.ScoreID, n int) ([]model.ContactTotal, error) {
	if n <= 0 {
		return nil, ErrInvalidLimit
	}
	return s.totals(ctx,
		`SELECT contact_id, SUM(points) AS total FROM associations WHERE score_id = ?
		 GROUP BY contact_id ORDER BY total DESC, contact_id LIMIT ?`,
		int64(scoreID), n)
}

func (s *SQLStore) totals(ctx context.Context, query string, args ...any) ([]model.ContactTotal, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ContactTotal, 0)
	for rows.Next() {
		var t model.ContactTotal
		if err := rows.Scan(&t.ContactID, &t.Points); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Contacts

// ContactIDs lists every contact, ascending.
func (s *SQLStore) ContactIDs(ctx context.Context) ([]model.ContactID, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT id FROM contacts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []model.ContactID
	for rows.Next() {
		var id model.ContactID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Contacts loads the given contacts with their fields. Unknown ids are skipped.
func (s *SQLStore) Contacts(ctx context.Context, ids []model.ContactID) ([]model.Contact, error) {
	byID := make(map[model.ContactID]*model.Contact, len(ids))
	var order []model.ContactID
	err := chunks(ids, func(part []model.ContactID) error {
		rows, err := s.q(ctx).QueryContext(ctx,
			`SELECT c.id, f.field, f.value FROM contacts c
			 LEFT JOIN contact_fields f ON f.contact_id = c.id
			 WHERE c.id IN (`+placeholders(len(part))+`) ORDER BY c.id`,
			toArgs(part)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id           model.ContactID
				field, value sql.NullString
			)
			if err := rows.Scan(&id, &field, &value); err != nil {
				return err
			}
			c, ok := byID[id]
			if !ok {
				c = &model.Contact{ID: id, Fields: make(map[string]string)}
				byID[id] = c
				order = append(order, id)
			}
			if field.Valid {
				c.Fields[field.String] = value.String
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Contact, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// EnsureContact creates the contact row if missing.
func (s *SQLStore) EnsureContact(ctx context.Context, id model.ContactID) error {
	_, err := s.q(ctx).ExecContext(ctx, `INSERT OR IGNORE INTO contacts (id) VALUES (?)`, int64(id))
	return err
}

// UpdateContactFields stores fields and returns the changes against the
// previous values. Unchanged fields yield no change. The contact is created
// if missing.
func (s *SQLStore) UpdateContactFields(ctx context.Context, id model.ContactID, fields map[string]string) ([]model.FieldChange, error) {
	var changes []model.FieldChange
	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.EnsureContact(ctx, id); err != nil {
			return err
		}
		current, err := s.Contacts(ctx, []model.ContactID{id})
		if err != nil {
			return err
		}
		old := map[string]string{}
		if len(current) == 1 {
			old = current[0].Fields
		}
		for _, name := range sortedKeys(fields) {
			value := fields[name]
			if prev, ok := old[name]; ok && prev == value {
				continue
			}
			if _, err := s.q(ctx).ExecContext(ctx,
				`INSERT INTO contact_fields (contact_id, field, value) VALUES (?, ?, ?)
				 ON CONFLICT(contact_id, field) DO UPDATE SET value = excluded.value`,
				int64(id), name, value); err != nil {
				return err
			}
			changes = append(changes, model.FieldChange{Field: name, Old: old[name], New: value})
		}
		return nil
	})
	return changes, err
}

// Activities

// RecordActivity logs an activity, creating its contact if needed. It
// reports false when an activity with the same id already exists. An empty
// id gets a new UUID.
func (s *SQLStore) RecordActivity(ctx context.Context, a *model.Activity) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Created.IsZero() {
		a.Created = s.now().UTC()
	}
	var inserted bool
	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.EnsureContact(ctx, a.ContactID); err != nil {
			return err
		}
		res, err := s.q(ctx).ExecContext(ctx,
			`INSERT OR IGNORE INTO activities (id, contact_id, type, value, created_at) VALUES (?, ?, ?, ?, ?)`,
			a.ID, int64(a.ContactID), a.Type, a.Value, a.Created.UnixNano())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		inserted = n == 1
		return err
	})
	return inserted, err
}

// Activities returns activities of a type for the contacts created at or
// after since. The type comparison ignores case.
func (s *SQLStore) Activities(ctx context.Context, ids []model.ContactID, activityType string, since time.Time) ([]model.Activity, error) {
	var sinceNs int64
	if !since.IsZero() {
		sinceNs = since.UnixNano()
	}
	var out []model.Activity
	err := chunks(ids, func(part []model.ContactID) error {
		args := toArgs(part)
		args = append(args, strings.ToLower(strings.TrimSpace(activityType)), sinceNs)
		rows, err := s.q(ctx).QueryContext(ctx,
			`SELECT id, contact_id, type, value, created_at FROM activities
			 WHERE contact_id IN (`+placeholders(len(part))+`) AND lower(type) = ? AND created_at >= ?
			 ORDER BY contact_id, created_at`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a  model.Activity
				ns int64
			)
			if err := rows.Scan(&a.ID, &a.ContactID, &a.Type, &a.Value, &ns); err != nil {
				return err
			}
			a.Created = time.Unix(0, ns).UTC()
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// Scores and rules

// Scores lists every score by id.
func (s *SQLStore) Scores(ctx context.Context) ([]model.Score, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT id, name, enabled, status, notification_limit FROM scores ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Score, 0)
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Score loads one score or returns ErrNotFound.
func (s *SQLStore) Score(ctx context.Context, id model.ScoreID) (model.Score, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, name, enabled, status, notification_limit FROM scores WHERE id = ?`, int64(id))
	sc, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Score{}, fmt.Errorf("score %d: %w", id, ErrNotFound)
	}
	return sc, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScore(row scanner) (model.Score, error) {
	var (
		sc     model.Score
		status string
	)
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Enabled, &status, &sc.NotificationLimit); err != nil {
		return model.Score{}, err
	}
	st, err := model.ParseScoreStatus(status)
	if err != nil {
		return model.Score{}, err
	}
	sc.Status = st
	return sc, nil
}

// UpsertScore inserts or updates a score's definition. Status is kept.
func (s *SQLStore) UpsertScore(ctx context.Context, sc model.Score) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO scores (id, name, enabled, notification_limit) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, enabled = excluded.enabled,
		 notification_limit = excluded.notification_limit`,
		int64(sc.ID), sc.Name, sc.Enabled, sc.NotificationLimit)
	return err
}

// SetScoreStatus stores a score's status.
func (s *SQLStore) SetScoreStatus(ctx context.Context, id model.ScoreID, status model.ScoreStatus) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE scores SET status = ? WHERE id = ?`, status.String(), int64(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("score %d: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertRule inserts or updates a rule.
func (s *SQLStore) UpsertRule(ctx context.Context, r model.Rule) error {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("encode rule %d condition: %w", r.ID, err)
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO rules (id, score_id, name, type, points, condition) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET score_id = excluded.score_id, name = excluded.name,
		 type = excluded.type, points = excluded.points, condition = excluded.condition`,
		int64(r.ID), int64(r.ScoreID), r.Name, r.Type.String(), r.Points, string(cond))
	return err
}

// DeleteRulesExcept removes the rules of a score not listed in keep, along
// with their associations, and returns the removed ids.
func (s *SQLStore) DeleteRulesExcept(ctx context.Context, scoreID model.ScoreID, keep []model.RuleID) ([]model.RuleID, error) {
	existing, err := s.RulesForScore(ctx, scoreID)
	if err != nil {
		return nil, err
	}
	kept := make(map[model.RuleID]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	var removed []model.RuleID
	for _, r := range existing {
		if kept[r.ID] {
			continue
		}
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, int64(r.ID)); err != nil {
			return nil, err
		}
		if err := s.DeleteRuleAssociations(ctx, r.ID); err != nil {
			return nil, err
		}
		removed = append(removed, r.ID)
	}
	return removed, nil
}

// RulesForScore lists a score's rules by id.
func (s *SQLStore) RulesForScore(ctx context.Context, scoreID model.ScoreID) ([]model.Rule, error) {
	return s.rules(ctx, `SELECT id, score_id, name, type, points, condition FROM rules WHERE score_id = ? ORDER BY id`, int64(scoreID))
}

// EnabledScoreRules lists the rules of every enabled score.
func (s *SQLStore) EnabledScoreRules(ctx context.Context) ([]model.Rule, error) {
	return s.rules(ctx, `SELECT r.id, r.score_id, r.name, r.type, r.points, r.condition
		FROM rules r JOIN scores sc ON sc.id = r.score_id WHERE sc.enabled = 1 ORDER BY r.id`)
}

func (s *SQLStore) rules(ctx context.Context, query string, args ...any) ([]model.Rule, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Rule
	for rows.Next() {
		var (
			r        model.Rule
			typeName string
			cond     string
		)
		if err := rows.Scan(&r.ID, &r.ScoreID, &r.Name, &typeName, &r.Points, &cond); err != nil {
			return nil, err
		}
		if r.Type, err = model.ParseRuleType(typeName); err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(cond), &r.Condition); err != nil {
			return nil, fmt.Errorf("decode rule %d condition: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats

// Counts is a snapshot of table sizes.
type Counts struct {
	Scores       int `json:"scores"`
	Rules        int `json:"rules"`
	Contacts     int `json:"contacts"`
	Activities   int `json:"activities"`
	Associations int `json:"associations"`
}

// Counts returns table sizes.
func (s *SQLStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.q(ctx).QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM scores),
		(SELECT COUNT(*) FROM rules),
		(SELECT COUNT(*) FROM contacts),
		(SELECT COUNT(*) FROM activities),
		(SELECT COUNT(*) FROM associations)`).
		Scan(&c.Scores, &c.Rules, &c.Contacts, &c.Activities, &c.Associations)
	return c, err
}

package repository

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
)

// SeedFile is the YAML layout of a rules seed.
type SeedFile struct {
	Scores []SeedScore `yaml:"scores"`
}

// SeedScore is a score with its full rule set.
type SeedScore struct {
	ID                model.ScoreID `yaml:"id"`
	Name              string        `yaml:"name"`
	Enabled           bool          `yaml:"enabled"`
	NotificationLimit int           `yaml:"notification_limit"`
	Rules             []model.Rule  `yaml:"rules"`
}

// SeedResult lists what a seed changed.
type SeedResult struct {
	Scores       int
	Rules        int
	RemovedRules []model.RuleID
	// Changed holds scores whose rules or enabled flag differ from what was
	// stored. Their associations are stale until a full recalculation.
	Changed []model.ScoreID
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(r io.Reader) (*SeedFile, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}
	scoreIDs := make(map[model.ScoreID]bool)
	ruleIDs := make(map[model.RuleID]bool)
	for i := range f.Scores {
		sc := &f.Scores[i]
		if sc.ID <= 0 {
			return nil, fmt.Errorf("%w: score #%d has no id", ErrInvalidSeed, i+1)
		}
		if scoreIDs[sc.ID] {
			return nil, fmt.Errorf("%w: duplicate score %d", ErrInvalidSeed, sc.ID)
		}
		scoreIDs[sc.ID] = true
		if sc.NotificationLimit < 0 {
			return nil, fmt.Errorf("%w: score %d: negative notification limit", ErrInvalidSeed, sc.ID)
		}
		for j := range sc.Rules {
			r := &sc.Rules[j]
			r.ScoreID = sc.ID
			if r.ID <= 0 {
				return nil, fmt.Errorf("%w: score %d: rule #%d has no id", ErrInvalidSeed, sc.ID, j+1)
			}
			if ruleIDs[r.ID] {
				return nil, fmt.Errorf("%w: duplicate rule %d", ErrInvalidSeed, r.ID)
			}
			ruleIDs[r.ID] = true
			if err := r.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
			}
		}
	}
	return &f, nil
}

// SeedFromFile parses path and applies it.
func (s *SQLStore) SeedFromFile(ctx context.Context, path string) (SeedResult, error) {
	fh, err := os.Open(path)
	if err != nil {
		return SeedResult{}, fmt.Errorf("open seed: %w", err)
	}
	defer fh.Close()
	f, err := ParseSeed(fh)
	if err != nil {
		return SeedResult{}, err
	}
	return s.Seed(ctx, f)
}

// Seed upserts the scores and rules of f in one transaction. Rules of a
// seeded score that f does not list are removed. Scores missing from f are
// left alone. A changed score is marked as requiring recalculation.
func (s *SQLStore) Seed(ctx context.Context, f *SeedFile) (SeedResult, error) {
	var res SeedResult
	err := s.InTx(ctx, func(ctx context.Context) error {
		for _, sc := range f.Scores {
			changed, err := s.seedScore(ctx, sc, &res)
			if err != nil {
				return err
			}
			if changed {
				res.Changed = append(res.Changed, sc.ID)
			}
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	s.logger.Info(ctx, "rules seeded",
		logger.Int("scores", res.Scores),
		logger.Int("rules", res.Rules),
		logger.Int("removed_rules", len(res.RemovedRules)),
		logger.Int("changed_scores", len(res.Changed)))
	return res, nil
}

func (s *SQLStore) seedScore(ctx context.Context, sc SeedScore, res *SeedResult) (bool, error) {
	prev, err := s.Score(ctx, sc.ID)
	isNew := err != nil
	if isNew && !isNotFound(err) {
		return false, err
	}
	prevRules, err := s.RulesForScore(ctx, sc.ID)
	if err != nil {
		return false, err
	}
	if err := s.UpsertScore(ctx, model.Score{
		ID: sc.ID, Name: sc.Name, Enabled: sc.Enabled, NotificationLimit: sc.NotificationLimit,
	}); err != nil {
		return false, fmt.Errorf("seed score %d: %w", sc.ID, err)
	}
	res.Scores++

	keep := make([]model.RuleID, 0, len(sc.Rules))
	for _, r := range sc.Rules {
		if err := s.UpsertRule(ctx, r); err != nil {
			return false, fmt.Errorf("seed rule %d: %w", r.ID, err)
		}
		keep = append(keep, r.ID)
		res.Rules++
	}
	removed, err := s.DeleteRulesExcept(ctx, sc.ID, keep)
	if err != nil {
		return false, err
	}
	res.RemovedRules = append(res.RemovedRules, removed...)

	changed := isNew || prev.Enabled != sc.Enabled || !sameRules(prevRules, sc.Rules)
	if changed && !isNew {
		if err := s.SetScoreStatus(ctx, sc.ID, model.StatusRecalculationRequired); err != nil {
			return false, err
		}
	}
	return changed, nil
}

func sameRules(a, b []model.Rule) bool {
	byID := func(x, y model.Rule) int { return cmp.Compare(x.ID, y.ID) }
	a, b = slices.Clone(a), slices.Clone(b)
	slices.SortFunc(a, byID)
	slices.SortFunc(b, byID)
	return slices.Equal(a, b)
}

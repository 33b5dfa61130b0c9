package testevents

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// activityKinds mirrors the activity types rules typically match on.
var activityKinds = []struct {
	kind   string
	values []string
}{
	{"visit", []string{"/", "/pricing", "/pricing/enterprise", "/docs", "/blog/launch"}},
	{"form_submit", []string{"newsletter", "demo-request", "contact-us"}},
	{"email_open", []string{"welcome", "digest", "renewal"}},
	{"purchase", []string{"starter", "team", "enterprise"}},
}

// generateActivities builds n activities. Roughly DuplicateRate of them
// reuse the id of an earlier activity; the number of such repeats is
// returned with the slice.
func generateActivities(cfg *Config, now time.Time) ([]Activity, int) {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	out := make([]Activity, 0, cfg.NumActivities)
	repeats := 0
	for i := 0; i < cfg.NumActivities; i++ {
		if i > 0 && rng.Float64() < cfg.DuplicateRate {
			out = append(out, out[rng.IntN(len(out))])
			repeats++
			continue
		}
		k := activityKinds[rng.IntN(len(activityKinds))]
		out = append(out, Activity{
			ActivityID: uuid.NewString(),
			ContactID:  int64(rng.IntN(cfg.Contacts)) + 1,
			Type:       k.kind,
			Value:      k.values[rng.IntN(len(k.values))],
			TS:         now.Add(-time.Duration(rng.IntN(30*24)) * time.Hour).UTC().Format(time.RFC3339),
		})
	}
	return out, repeats
}

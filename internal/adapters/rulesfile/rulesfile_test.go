package rulesfile_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/recalc/internal/adapters/repository"
	"github.com/okian/recalc/internal/adapters/rulesfile"
	"github.com/okian/recalc/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

type fakeSeeder struct {
	res   repository.SeedResult
	err   error
	calls chan string
}

func (s *fakeSeeder) SeedFromFile(_ context.Context, path string) (repository.SeedResult, error) {
	if s.calls != nil {
		s.calls <- path
	}
	return s.res, s.err
}

type fakeInvalidator struct{ n atomic.Int32 }

func (f *fakeInvalidator) Invalidate() { f.n.Add(1) }

func TestReload(t *testing.T) {
	Convey("Given a reloader", t, func() {
		ctx := context.Background()
		inv := &fakeInvalidator{}

		Convey("When the seed applies and changes scores", func() {
			seeder := &fakeSeeder{res: repository.SeedResult{Rules: 2, Changed: []model.ScoreID{1}}}
			var changed []model.ScoreID
			r := rulesfile.New("rules.yaml", seeder, inv, rulesfile.WithOnChange(func(_ context.Context, ids []model.ScoreID) {
				changed = ids
			}))
			err := r.Reload(ctx)

			Convey("Then the cache is invalidated and the hook sees the scores", func() {
				So(err, ShouldBeNil)
				So(inv.n.Load(), ShouldEqual, 1)
				So(changed, ShouldResemble, []model.ScoreID{1})
			})
		})

		Convey("When the seed is invalid", func() {
			seeder := &fakeSeeder{err: repository.ErrInvalidSeed}
			r := rulesfile.New("rules.yaml", seeder, inv)
			err := r.Reload(ctx)

			Convey("Then the error is returned and the cache is kept", func() {
				So(errors.Is(err, repository.ErrInvalidSeed), ShouldBeTrue)
				So(inv.n.Load(), ShouldEqual, 0)
			})
		})
	})
}

func TestWatch(t *testing.T) {
	Convey("Given a watched rules file", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "rules.yaml")
		So(os.WriteFile(path, []byte("scores: []\n"), 0o600), ShouldBeNil)

		seeder := &fakeSeeder{calls: make(chan string, 8)}
		inv := &fakeInvalidator{}
		r := rulesfile.New(path, seeder, inv, rulesfile.WithDebounce(20*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- r.Watch(ctx) }()
		// let the watcher register
		time.Sleep(100 * time.Millisecond)

		Convey("When the file is rewritten and a sibling changes", func() {
			So(os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600), ShouldBeNil)
			So(os.WriteFile(path, []byte("scores: []\n# edit\n"), 0o600), ShouldBeNil)

			var got string
			select {
			case got = <-seeder.calls:
			case <-time.After(3 * time.Second):
			}
			cancel()
			err := <-done

			Convey("Then the file is reseeded and the watcher stops cleanly", func() {
				So(got, ShouldEqual, path)
				So(err, ShouldBeNil)
				So(inv.n.Load(), ShouldBeGreaterThanOrEqualTo, 1)
			})
		})
	})
}

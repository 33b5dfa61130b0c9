package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/okian/recalc/internal/adapters/mq/queue"
	"github.com/okian/recalc/internal/adapters/repository"
	"github.com/okian/recalc/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := repository.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func activities(ids ...string) []model.Activity {
	out := make([]model.Activity, 0, len(ids))
	for i, id := range ids {
		out = append(out, model.Activity{ID: id, ContactID: model.ContactID(i + 1), Type: "visit"})
	}
	return out
}

func activityIDs(items []model.Activity) []string {
	out := make([]string, 0, len(items))
	for _, a := range items {
		out = append(out, a.ID)
	}
	return out
}

// backends runs the same behaviour against both queue implementations.
func backends(t *testing.T) map[string]func(opts ...queue.Option) queue.Queue[model.Activity] {
	return map[string]func(opts ...queue.Option) queue.Queue[model.Activity]{
		"memory": func(opts ...queue.Option) queue.Queue[model.Activity] {
			return queue.NewInMemoryQueue[model.Activity](queue.NameActivities, opts...)
		},
		"sqlite": func(opts ...queue.Option) queue.Queue[model.Activity] {
			q, err := queue.NewSQLiteQueue[model.Activity](context.Background(), openDB(t), queue.NameActivities, opts...)
			if err != nil {
				t.Fatalf("new sqlite queue: %v", err)
			}
			return q
		},
	}
}

func TestQueues(t *testing.T) {
	for _, name := range []string{"memory", "sqlite"} {
		newQueue := backends(t)[name]
		Convey("Given a "+name+" queue", t, func() {
			ctx := context.Background()

			Convey("When it is empty", func() {
				q := newQueue()
				items, err := q.Dequeue(ctx)

				Convey("Then Dequeue returns an empty non-nil slice", func() {
					So(err, ShouldBeNil)
					So(items, ShouldNotBeNil)
					So(items, ShouldBeEmpty)
				})
			})

			Convey("When items are stored in several calls", func() {
				q := newQueue(queue.WithBatchSize(3))
				So(q.Store(ctx, activities("a")[0]), ShouldBeNil)
				So(q.StoreRange(ctx, activities("b", "c", "d", "e")), ShouldBeNil)
				n, err := q.Len(ctx)

				Convey("Then they come back oldest first in batches", func() {
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 5)

					first, err := q.Dequeue(ctx)
					So(err, ShouldBeNil)
					So(activityIDs(first), ShouldResemble, []string{"a", "b", "c"})

					second, err := q.Dequeue(ctx)
					So(err, ShouldBeNil)
					So(activityIDs(second), ShouldResemble, []string{"d", "e"})

					n, err = q.Len(ctx)
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 0)
				})
			})

			Convey("When the capacity would be exceeded", func() {
				q := newQueue(queue.WithCapacity(2))
				So(q.StoreRange(ctx, activities("a")), ShouldBeNil)
				err := q.StoreRange(ctx, activities("b", "c"))
				n, _ := q.Len(ctx)

				Convey("Then nothing is stored and ErrFull is returned", func() {
					So(errors.Is(err, queue.ErrFull), ShouldBeTrue)
					So(n, ShouldEqual, 1)
				})
			})

			Convey("When the queue is closed", func() {
				q := newQueue()
				So(q.Close(), ShouldBeNil)

				Convey("Then further calls fail with ErrClosed", func() {
					So(errors.Is(q.Store(ctx, model.Activity{ID: "x"}), queue.ErrClosed), ShouldBeTrue)
					_, err := q.Dequeue(ctx)
					So(errors.Is(err, queue.ErrClosed), ShouldBeTrue)
				})
			})

			Convey("When an empty range is stored", func() {
				q := newQueue()
				err := q.StoreRange(ctx, nil)
				n, _ := q.Len(ctx)

				Convey("Then it is a no-op", func() {
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 0)
				})
			})
		})
	}
}

func TestSQLiteQueue(t *testing.T) {
	Convey("Given a SQLite queue", t, func() {
		ctx := context.Background()
		db := openDB(t)

		Convey("When it is reopened over the same database", func() {
			q, err := queue.NewSQLiteQueue[model.ContactChange](ctx, db, queue.NameContactChanges)
			So(err, ShouldBeNil)
			So(q.Store(ctx, model.ContactChange{ContactID: 4, Changes: []model.FieldChange{{Field: "city", New: "Brno"}}}), ShouldBeNil)

			again, err := queue.NewSQLiteQueue[model.ContactChange](ctx, db, queue.NameContactChanges)
			So(err, ShouldBeNil)
			items, err := again.Dequeue(ctx)

			Convey("Then pending items survive", func() {
				So(err, ShouldBeNil)
				So(items, ShouldHaveLength, 1)
				So(items[0].ContactID, ShouldEqual, model.ContactID(4))
				So(items[0].ChangedFields(), ShouldResemble, []string{"city"})
			})
		})

		Convey("When a row no longer decodes", func() {
			q, err := queue.NewSQLiteQueue[model.Activity](ctx, db, queue.NameActivities)
			So(err, ShouldBeNil)
			So(q.Store(ctx, model.Activity{ID: "a"}), ShouldBeNil)
			_, err = db.ExecContext(ctx, `INSERT INTO queue_activities (payload) VALUES (?)`, []byte("{broken"))
			So(err, ShouldBeNil)
			So(q.Store(ctx, model.Activity{ID: "b"}), ShouldBeNil)

			items, err := q.Dequeue(ctx)
			n, _ := q.Len(ctx)

			Convey("Then it is dropped and the rest are returned", func() {
				So(err, ShouldBeNil)
				So(activityIDs(items), ShouldResemble, []string{"a", "b"})
				So(n, ShouldEqual, 0)
			})
		})

		Convey("When a store joins a caller transaction that rolls back", func() {
			q, err := queue.NewSQLiteQueue[model.Activity](ctx, db, queue.NameActivities,
				queue.WithTxFromContext(repository.TxFromContext))
			So(err, ShouldBeNil)
			store, err := repository.NewSQLStore(ctx, db)
			So(err, ShouldBeNil)

			boom := errors.New("boom")
			err = store.InTx(ctx, func(ctx context.Context) error {
				if err := q.Store(ctx, model.Activity{ID: "a"}); err != nil {
					return err
				}
				return boom
			})
			n, _ := q.Len(ctx)

			Convey("Then the item is not kept", func() {
				So(errors.Is(err, boom), ShouldBeTrue)
				So(n, ShouldEqual, 0)
			})
		})

		Convey("When more items than one insert chunk are stored", func() {
			q, err := queue.NewSQLiteQueue[model.Activity](ctx, db, queue.NameActivities, queue.WithBatchSize(2000))
			So(err, ShouldBeNil)
			ids := make([]string, 1234)
			for i := range ids {
				ids[i] = "id"
			}
			So(q.StoreRange(ctx, activities(ids...)), ShouldBeNil)
			items, err := q.Dequeue(ctx)

			Convey("Then all are stored in order", func() {
				So(err, ShouldBeNil)
				So(items, ShouldHaveLength, 1234)
				So(items[1233].ContactID, ShouldEqual, model.ContactID(1234))
			})
		})

		Convey("When the name is not a plain identifier", func() {
			_, err := queue.NewSQLiteQueue[model.Activity](ctx, db, "x; DROP TABLE scores")

			Convey("Then construction fails", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}

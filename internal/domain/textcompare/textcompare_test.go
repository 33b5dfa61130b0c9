package textcompare_test

import (
	"errors"
	"testing"

	"github.com/okian/recalc/internal/domain/textcompare"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCompare(t *testing.T) {
	Convey("Given the text comparison table", t, func() {
		cases := []struct {
			left  string
			op    textcompare.Operator
			right string
			want  bool
		}{
			{"Test Text", textcompare.Like, "test", true},
			{"", textcompare.Empty, "", true},
			{"", textcompare.NotEmpty, "", false},
			{"ABC", textcompare.StartsWith, "ab", true},
			{"abc", textcompare.Equals, "ABC", true},
			{"abc", textcompare.NotEquals, "ABC", false},
			{"report.PDF", textcompare.EndsWith, ".pdf", true},
			{"report.pdf", textcompare.NotEndsWith, ".pdf", false},
			{"Hello", textcompare.NotLike, "xyz", true},
			{"Hello", textcompare.NotStartsWith, "he", false},
			{"x", textcompare.Empty, "", false},
			{"a%b", textcompare.Like, "%", true},
			{"abc", textcompare.Like, "a%c", false},
		}

		for _, c := range cases {
			got, err := textcompare.Compare(c.left, c.op, c.right)
			So(err, ShouldBeNil)
			So(got, ShouldEqual, c.want)
		}
	})

	Convey("Given an operator outside the table", t, func() {
		_, err := textcompare.Compare("a", textcompare.Operator(99), "a")

		Convey("Then it fails with the unsupported operator error", func() {
			So(errors.Is(err, textcompare.ErrUnsupportedOperator), ShouldBeTrue)
		})

		Convey("And None is not comparable either", func() {
			_, err := textcompare.Compare("a", textcompare.None, "a")
			So(errors.Is(err, textcompare.ErrUnsupportedOperator), ShouldBeTrue)
		})
	})
}

func TestParseOperator(t *testing.T) {
	Convey("Given operator names", t, func() {
		op, err := textcompare.ParseOperator("not_starts_with")
		So(err, ShouldBeNil)
		So(op, ShouldEqual, textcompare.NotStartsWith)

		op, err = textcompare.ParseOperator("Contains")
		So(err, ShouldBeNil)
		So(op, ShouldEqual, textcompare.Like)

		op, err = textcompare.ParseOperator("")
		So(err, ShouldBeNil)
		So(op, ShouldEqual, textcompare.None)

		_, err = textcompare.ParseOperator("matches")
		So(errors.Is(err, textcompare.ErrUnsupportedOperator), ShouldBeTrue)

		So(textcompare.EndsWith.String(), ShouldEqual, "endswith")
		So(textcompare.EndsWith.Valid(), ShouldBeTrue)
		So(textcompare.None.Valid(), ShouldBeFalse)
	})
}

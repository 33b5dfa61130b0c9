// Package textcompare implements the case-insensitive text operators used by
// attribute and activity rules.
package textcompare

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedOperator is returned for operators outside the table. It
// signals a programming error (rules are validated on load) and must not be
// retried.
var ErrUnsupportedOperator = errors.New("unsupported text operator")

// Operator selects a comparison.
type Operator int

// Operators. None is the zero value and is only meaningful for activity
// rules without a value condition.
const (
	None Operator = iota
	Empty
	EndsWith
	Equals
	Like
	NotEmpty
	NotEndsWith
	NotEquals
	NotLike
	NotStartsWith
	StartsWith
)

var names = map[Operator]string{
	Empty:         "empty",
	EndsWith:      "endswith",
	Equals:        "equals",
	Like:          "like",
	NotEmpty:      "notempty",
	NotEndsWith:   "notendswith",
	NotEquals:     "notequals",
	NotLike:       "notlike",
	NotStartsWith: "notstartswith",
	StartsWith:    "startswith",
}

type compareFunc func(left, right string) bool

// table is keyed by operator; operands arrive lower-cased.
var table = map[Operator]compareFunc{
	Empty:         func(l, _ string) bool { return l == "" },
	EndsWith:      strings.HasSuffix,
	Equals:        func(l, r string) bool { return l == r },
	Like:          strings.Contains,
	NotEmpty:      func(l, _ string) bool { return l != "" },
	NotEndsWith:   func(l, r string) bool { return !strings.HasSuffix(l, r) },
	NotEquals:     func(l, r string) bool { return l != r },
	NotLike:       func(l, r string) bool { return !strings.Contains(l, r) },
	NotStartsWith: func(l, r string) bool { return !strings.HasPrefix(l, r) },
	StartsWith:    strings.HasPrefix,
}

func (o Operator) String() string {
	if n, ok := names[o]; ok {
		return n
	}
	if o == None {
		return ""
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o Operator) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operator) UnmarshalText(b []byte) error {
	parsed, err := ParseOperator(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Valid reports whether o is one of the comparison operators.
func (o Operator) Valid() bool {
	_, ok := table[o]
	return ok
}

// ParseOperator resolves an operator name. Case, underscores and dashes are
// ignored, so "not_starts_with" and "NotStartsWith" are equivalent. An empty
// name yields None.
func ParseOperator(s string) (Operator, error) {
	key := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	if key == "" {
		return None, nil
	}
	if key == "contains" {
		return Like, nil
	}
	for op, name := range names {
		if name == key {
			return op, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnsupportedOperator, s)
}

// Compare applies op to left and right. Comparison ignores case; a missing
// value is the empty string. Like and NotLike test substring containment,
// not wildcard patterns.
func Compare(left string, op Operator, right string) (bool, error) {
	fn, ok := table[op]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
	}
	return fn(strings.ToLower(left), strings.ToLower(right)), nil
}

package position

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
)

// Kind identifies the variant of a Position.
type Kind string

const (
	KindPlaceholder Kind = "ph"
	KindFinished    Kind = "fin"
	KindKeyRange    Kind = "pk"
	KindLogSequence Kind = "binlog"
	KindLSN         Kind = "wal"
)

// ErrIncomparable is returned by Compare when the two positions are different variants.
var ErrIncomparable = errors.New("position: incomparable variants")

// Position is an opaque resume point. Implementations are immutable values.
type Position interface {
	Kind() Kind
	String() string
	position()
}

// Placeholder carries no resume information.
type Placeholder struct{}

func (Placeholder) Kind() Kind     { return KindPlaceholder }
func (Placeholder) String() string { return "placeholder" }
func (Placeholder) position()      {}

// Finished marks an inventory range whose rows have all been dumped.
type Finished struct{}

func (Finished) Kind() Kind     { return KindFinished }
func (Finished) String() string { return "finished" }
func (Finished) position()      {}

// KeyType is the type tag of a primary key range.
type KeyType byte

const (
	IntegerKey KeyType = 'i'
	StringKey  KeyType = 's'
)

// PrimaryKeyRange is a half-open key interval (Lower, Upper]. A nil bound is unbounded.
// Bounds are int64 for IntegerKey and string for StringKey.
type PrimaryKeyRange struct {
	Type  KeyType
	Lower any
	Upper any
}

// IntRange builds an integer key range. Pass nil for an unbounded side.
func IntRange(lower, upper *int64) PrimaryKeyRange {
	r := PrimaryKeyRange{Type: IntegerKey}
	if lower != nil {
		r.Lower = *lower
	}
	if upper != nil {
		r.Upper = *upper
	}
	return r
}

func (PrimaryKeyRange) Kind() Kind { return KindKeyRange }
func (PrimaryKeyRange) position()  {}

func (r PrimaryKeyRange) String() string {
	return fmt.Sprintf("(%s, %s]", boundString(r.Lower, "-inf"), boundString(r.Upper, "+inf"))
}

// Contains reports whether key lies inside (Lower, Upper].
func (r PrimaryKeyRange) Contains(key any) bool {
	if r.Lower != nil && compareBound(key, r.Lower) <= 0 {
		return false
	}
	if r.Upper != nil && compareBound(key, r.Upper) > 0 {
		return false
	}
	return true
}

// WithLower returns a copy of r resumed after key.
func (r PrimaryKeyRange) WithLower(key any) PrimaryKeyRange {
	r.Lower = key
	return r
}

func boundString(v any, unbounded string) string {
	if v == nil {
		return unbounded
	}
	return fmt.Sprint(v)
}

// LogSequence is a MySQL binlog coordinate.
type LogSequence struct {
	File   string
	Offset uint64
}

func (LogSequence) Kind() Kind { return KindLogSequence }
func (LogSequence) position()  {}

func (l LogSequence) String() string { return fmt.Sprintf("%s:%d", l.File, l.Offset) }

// LSN is a PostgreSQL / openGauss write-ahead log sequence number.
type LSN struct {
	Value uint64
}

func (LSN) Kind() Kind { return KindLSN }
func (LSN) position()  {}

func (l LSN) String() string { return pglogrepl.LSN(l.Value).String() }

// Compare orders two positions of the same variant. Key ranges compare by lower bound,
// then upper bound, with nil sorting first.
func Compare(a, b Position) (int, error) {
	if a == nil || b == nil || a.Kind() != b.Kind() {
		return 0, ErrIncomparable
	}
	switch x := a.(type) {
	case Placeholder, Finished:
		return 0, nil
	case PrimaryKeyRange:
		y := b.(PrimaryKeyRange)
		if x.Type != y.Type {
			return 0, ErrIncomparable
		}
		if c := compareBound(x.Lower, y.Lower); c != 0 {
			return c, nil
		}
		return compareUpper(x.Upper, y.Upper), nil
	case LogSequence:
		y := b.(LogSequence)
		if c := strings.Compare(x.File, y.File); c != 0 {
			return c, nil
		}
		return compareUint(x.Offset, y.Offset), nil
	case LSN:
		return compareUint(x.Value, b.(LSN).Value), nil
	}
	return 0, ErrIncomparable
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareBound treats nil as negative infinity.
func compareBound(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// compareUpper treats nil as positive infinity.
func compareUpper(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return compareBound(a, b)
}

package record

import (
	"errors"
	"fmt"
	"strings"

	"db-pipe/internal/position"
)

type ChangeType string

const (
	Insert      ChangeType = "INSERT"
	Update      ChangeType = "UPDATE"
	Delete      ChangeType = "DELETE"
	Placeholder ChangeType = "PLACEHOLDER"
)

// Column is one named value of a row image.
type Column struct {
	Name  string
	Value any
	Key   bool
}

// Row is an ordered row image.
type Row []Column

// Get returns the value of the named column (case-insensitive).
func (r Row) Get(name string) (any, bool) {
	for _, c := range r {
		if strings.EqualFold(c.Name, name) {
			return c.Value, true
		}
	}
	return nil, false
}

// Keys returns the key columns in row order.
func (r Row) Keys() Row {
	var keys Row
	for _, c := range r {
		if c.Key {
			keys = append(keys, c)
		}
	}
	return keys
}

// WithKeys returns r extended by the columns of keys it lacks. Partial update images
// (binlog_row_image=MINIMAL) log only changed columns in the after image.
func (r Row) WithKeys(keys Row) Row {
	var missing Row
	for _, k := range keys {
		if _, ok := r.Get(k.Name); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return r
	}
	return append(append(make(Row, 0, len(r)+len(missing)), r...), missing...)
}

func (r Row) Names() []string {
	names := make([]string, len(r))
	for i, c := range r {
		names[i] = c.Name
	}
	return names
}

func (r Row) Values() []any {
	values := make([]any, len(r))
	for i, c := range r {
		values[i] = c.Value
	}
	return values
}

// Record is one normalized change event.
type Record struct {
	Type     ChangeType
	Table    string
	Before   Row
	After    Row
	Position position.Position
}

var (
	ErrMissingBefore = errors.New("record: UPDATE/DELETE requires a before image with key columns")
	ErrMissingAfter  = errors.New("record: INSERT/UPDATE requires an after image")
	ErrMissingTable  = errors.New("record: table name is empty")
)

// NewPlaceholder returns a record that only advances the position.
func NewPlaceholder(pos position.Position) Record {
	return Record{Type: Placeholder, Position: pos}
}

// Validate checks the image requirements of the change type.
func (r Record) Validate() error {
	switch r.Type {
	case Placeholder:
		return nil
	case Insert:
		if len(r.After) == 0 {
			return ErrMissingAfter
		}
	case Update:
		if len(r.After) == 0 {
			return ErrMissingAfter
		}
		if len(r.Before.Keys()) == 0 {
			return ErrMissingBefore
		}
	case Delete:
		if len(r.Before.Keys()) == 0 {
			return ErrMissingBefore
		}
	default:
		return fmt.Errorf("record: unknown change type %q", r.Type)
	}
	if r.Table == "" {
		return ErrMissingTable
	}
	return nil
}

// KeyRow returns the key columns that identify the target row before the change.
func (r Record) KeyRow() Row {
	switch r.Type {
	case Insert:
		return r.After.Keys()
	case Update, Delete:
		return r.Before.Keys()
	}
	return nil
}

// KeyChanged reports whether an UPDATE moves the row to a different key.
func (r Record) KeyChanged() bool {
	if r.Type != Update {
		return false
	}
	for _, k := range r.Before.Keys() {
		v, ok := r.After.Get(k.Name)
		if !ok {
			continue
		}
		if fmt.Sprint(v) != fmt.Sprint(k.Value) {
			return true
		}
	}
	return false
}

func (r Record) String() string {
	if r.Type == Placeholder {
		return fmt.Sprintf("PLACEHOLDER@%v", r.Position)
	}
	return fmt.Sprintf("%s %s key=%v @%v", r.Type, r.Table, r.KeyRow().Values(), r.Position)
}

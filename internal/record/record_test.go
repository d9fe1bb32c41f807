package record_test

import (
	"testing"

	"db-pipe/internal/position"
	"db-pipe/internal/record"

	"github.com/stretchr/testify/assert"
)

func row(id int64, status string) record.Row {
	return record.Row{
		{Name: "id", Value: id, Key: true},
		{Name: "status", Value: status},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, record.NewPlaceholder(position.Finished{}).Validate())
	assert.NoError(t, record.Record{Type: record.Insert, Table: "t", After: row(1, "a")}.Validate())
	assert.ErrorIs(t, record.Record{Type: record.Insert, Table: "t"}.Validate(), record.ErrMissingAfter)
	assert.ErrorIs(t, record.Record{Type: record.Update, Table: "t", After: row(1, "a")}.Validate(), record.ErrMissingBefore)
	assert.ErrorIs(t, record.Record{Type: record.Delete, Table: "t", Before: record.Row{{Name: "status", Value: "x"}}}.Validate(), record.ErrMissingBefore)
	assert.ErrorIs(t, record.Record{Type: record.Delete, Before: row(1, "a")}.Validate(), record.ErrMissingTable)
	assert.Error(t, record.Record{Type: "MERGE"}.Validate())
}

func TestKeyRowAndKeyChanged(t *testing.T) {
	upd := record.Record{Type: record.Update, Table: "t", Before: row(1, "a"), After: row(1, "b")}
	assert.Equal(t, []any{int64(1)}, upd.KeyRow().Values())
	assert.False(t, upd.KeyChanged())

	moved := record.Record{Type: record.Update, Table: "t", Before: row(1, "a"), After: row(2, "a")}
	assert.True(t, moved.KeyChanged())

	v, ok := moved.After.Get("STATUS")
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, []string{"id", "status"}, moved.After.Names())
}

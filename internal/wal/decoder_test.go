package wal

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db-pipe/internal/ingest"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
	"db-pipe/internal/record"
	"db-pipe/internal/schema"
)

func orderLoader() schema.Loader {
	return schema.NewStaticLoader(&schema.Table{
		Name: "t_order",
		Columns: []*schema.Column{
			{Name: "order_id", DataType: "integer", IsPK: true},
			{Name: "status", DataType: "character varying"},
			{Name: "amount", DataType: "numeric"},
		},
	})
}

func decodeOne(t *testing.T, d *Decoder, msg string, lsn uint64) []record.Record {
	t.Helper()
	records, err := d.Decode(context.Background(), &ingest.RawEvent{Data: []byte(msg), Position: position.LSN{Value: lsn}})
	require.NoError(t, err)
	return records
}

func TestTestDecodingTransaction(t *testing.T) {
	d, err := NewDecoder(TestDecoding, orderLoader())
	require.NoError(t, err)

	assert.Empty(t, decodeOne(t, d, "BEGIN 529", 100))

	records := decodeOne(t, d, "table public.t_order: INSERT: order_id[integer]:1 status[character varying]:'it''s new' amount[numeric]:12.50", 101)
	require.Len(t, records, 1)
	assert.Equal(t, record.Record{
		Type:  record.Insert,
		Table: "public.t_order",
		After: record.Row{
			{Name: "order_id", Value: int64(1), Key: true},
			{Name: "status", Value: "it's new"},
			{Name: "amount", Value: decimal.RequireFromString("12.50")},
		},
		Position: position.LSN{Value: 101},
	}, records[0])

	records = decodeOne(t, d, "table public.t_order: UPDATE: order_id[integer]:1 status[character varying]:'paid' amount[numeric]:null", 102)
	require.Len(t, records, 1)
	upd := records[0]
	assert.Equal(t, record.Update, upd.Type)
	assert.Equal(t, record.Row{{Name: "order_id", Value: int64(1), Key: true}}, upd.Before)
	amount, ok := upd.After.Get("amount")
	assert.True(t, ok)
	assert.Nil(t, amount)

	records = decodeOne(t, d, "table public.t_order: DELETE: order_id[integer]:1", 103)
	require.Len(t, records, 1)
	assert.Equal(t, record.Delete, records[0].Type)
	assert.Equal(t, record.Row{{Name: "order_id", Value: int64(1), Key: true}}, records[0].Before)

	records = decodeOne(t, d, "COMMIT 529", 104)
	require.Len(t, records, 1)
	assert.Equal(t, record.NewPlaceholder(position.LSN{Value: 104}), records[0])
}

func TestTestDecodingKeyChange(t *testing.T) {
	d, err := NewDecoder(TestDecoding, orderLoader())
	require.NoError(t, err)

	records := decodeOne(t, d, "table public.t_order: UPDATE: old-key: order_id[integer]:1 new-tuple: order_id[integer]:2 status[character varying]:'moved' amount[numeric]:1", 200)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, record.Row{{Name: "order_id", Value: int64(1), Key: true}}, rec.Before)
	id, _ := rec.After.Get("order_id")
	assert.Equal(t, int64(2), id)
	assert.True(t, rec.KeyChanged())
}

func TestTestDecodingWithoutLoader(t *testing.T) {
	d, err := NewDecoder(TestDecoding, nil)
	require.NoError(t, err)

	records := decodeOne(t, d, `table public."Weird Table": DELETE: "my id"[bigint]:7`, 1)
	require.Len(t, records, 1)
	assert.Equal(t, "public.Weird Table", records[0].Table)
	assert.Equal(t, record.Row{{Name: "my id", Value: int64(7), Key: true}}, records[0].Before)

	_, err = d.Decode(context.Background(), &ingest.RawEvent{Data: []byte("table public.t: UPDATE: id[integer]:1")})
	var de *pipeline.DecodeError
	require.ErrorAs(t, err, &de, "an update without known keys cannot be applied")
}

func TestTestDecodingFilteredTableIsPlaceholder(t *testing.T) {
	var asked []string
	d, err := NewDecoder(TestDecoding, nil, WithTableFilter(func(table string) bool {
		asked = append(asked, table)
		return table == "public.t_order"
	}))
	require.NoError(t, err)

	// no key metadata and no old-key, which would be fatal for a table in the job
	records := decodeOne(t, d, "table archive.t_order: UPDATE: id[integer]:1 status[text]:'x'", 7)
	require.Len(t, records, 1)
	assert.Equal(t, record.NewPlaceholder(position.LSN{Value: 7}), records[0])

	_, err = d.Decode(context.Background(), &ingest.RawEvent{Data: []byte("table public.t_order: UPDATE: id[integer]:1")})
	var de *pipeline.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{"archive.t_order", "public.t_order"}, asked)
}

func TestTestDecodingValueTypes(t *testing.T) {
	d, err := NewDecoder(TestDecoding, nil)
	require.NoError(t, err)

	msg := `table public.t: INSERT: b[bytea]:'\xff00ab' ok[boolean]:true f[double precision]:2.5 ` +
		`ts[timestamp without time zone]:'2021-10-10 12:00:00' tags[text[]]:'{a,b}' big[text]:unchanged-toast-datum m[money]:'$1,001.08'`
	records := decodeOne(t, d, msg, 5)
	require.Len(t, records, 1)
	after := records[0].After
	assert.Equal(t, []string{"b", "ok", "f", "ts", "tags", "m"}, after.Names())
	assert.Equal(t, []any{[]byte{0xff, 0x00, 0xab}, true, 2.5, "2021-10-10 12:00:00", "{a,b}", "1001.08"}, after.Values())
}

func TestTestDecodingNonRowMessages(t *testing.T) {
	d, err := NewDecoder(TestDecoding, nil)
	require.NoError(t, err)

	for _, msg := range []string{"table public.t: TRUNCATE: (no-flags)", "message: transactional: 1 prefix: x, sz: 1 content:y", "table public.t: DELETE: (no-tuple data)"} {
		records := decodeOne(t, d, msg, 9)
		require.Len(t, records, 1, msg)
		assert.Equal(t, record.Placeholder, records[0].Type, msg)
	}

	_, err = d.Decode(context.Background(), &ingest.RawEvent{Data: []byte("table public.t: INSERT: id[integer]:'unterminated")})
	var de *pipeline.DecodeError
	require.ErrorAs(t, err, &de)
	assert.False(t, pipeline.IsTransient(err))
}

func TestMppdbDecoding(t *testing.T) {
	d, err := NewDecoder(MppdbDecoding, orderLoader())
	require.NoError(t, err)

	assert.Empty(t, decodeOne(t, d, "BEGIN 1", 10))

	insert := `{"table_name":"public.t_order","op_type":"INSERT","columns_name":["order_id","status","amount"],` +
		`"columns_type":["integer","character varying","numeric"],"columns_val":["1","'1 2 3'","null"],` +
		`"old_keys_name":[],"old_keys_type":[],"old_keys_val":[]}`
	records := decodeOne(t, d, insert, 11)
	require.Len(t, records, 1)
	assert.Equal(t, record.Insert, records[0].Type)
	assert.Equal(t, []any{int64(1), "1 2 3", nil}, records[0].After.Values())
	assert.Equal(t, position.LSN{Value: 11}, records[0].Position)

	update := `{"table_name":"public.t_order","op_type":"UPDATE","columns_name":["order_id","status"],` +
		`"columns_type":["integer","character varying"],"columns_val":["1","'done'"],` +
		`"old_keys_name":["order_id"],"old_keys_type":["integer"],"old_keys_val":["1"]}`
	records = decodeOne(t, d, update, 12)
	require.Len(t, records, 1)
	assert.Equal(t, record.Update, records[0].Type)
	assert.Equal(t, record.Row{{Name: "order_id", Value: int64(1), Key: true}}, records[0].Before)

	del := `{"table_name":"public.t_order","op_type":"DELETE","columns_name":[],"columns_type":[],"columns_val":[],` +
		`"old_keys_name":["order_id"],"old_keys_type":["bigint"],"old_keys_val":["9223372036854775806"]}`
	records = decodeOne(t, d, del, 13)
	require.Len(t, records, 1)
	assert.Equal(t, []any{int64(9223372036854775806)}, records[0].Before.Values())

	records = decodeOne(t, d, "COMMIT 1 (at 2022-10-27 04:19:39.476261+00) CSN 3468", 14)
	require.Len(t, records, 1)
	assert.Equal(t, record.Placeholder, records[0].Type)

	records = decodeOne(t, d, "unknown", 15)
	require.Len(t, records, 1)
	assert.Equal(t, record.NewPlaceholder(position.LSN{Value: 15}), records[0])
}

func TestMppdbUnknownOperation(t *testing.T) {
	d, err := NewDecoder(MppdbDecoding, nil)
	require.NoError(t, err)
	msg := `{"table_name":"public.test","op_type":"UNKNOWN","columns_name":["data"],"columns_type":["character varying"],"columns_val":["1 2 3"]}`
	_, err = d.Decode(context.Background(), &ingest.RawEvent{Data: []byte(msg)})
	var de *pipeline.DecodeError
	require.ErrorAs(t, err, &de)
}

func TestNewDecoderRejectsUnknownPlugin(t *testing.T) {
	_, err := NewDecoder("pgoutput", nil)
	require.Error(t, err)
}

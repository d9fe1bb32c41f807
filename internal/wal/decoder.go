package wal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"db-pipe/internal/ingest"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
	"db-pipe/internal/record"
	"db-pipe/internal/schema"
)

// Plugin names a logical decoding output plugin.
type Plugin string

const (
	TestDecoding  Plugin = "test_decoding"
	MppdbDecoding Plugin = "mppdb_decoding"
)

// Decoder converts logical decoding messages into records positioned at the message LSN.
type Decoder struct {
	plugin Plugin
	loader schema.Loader
	filter func(table string) bool
}

type Option func(*Decoder)

// WithTableFilter turns changes of tables keep rejects into placeholders before they are
// converted, so tables outside the job never need key metadata.
func WithTableFilter(keep func(table string) bool) Option {
	return func(d *Decoder) { d.filter = keep }
}

// NewDecoder returns a decoder for plugin. loader supplies key columns; without it, only
// the old-key and DELETE images identify rows.
func NewDecoder(plugin Plugin, loader schema.Loader, opts ...Option) (*Decoder, error) {
	switch plugin {
	case TestDecoding, MppdbDecoding:
	default:
		return nil, fmt.Errorf("wal: unsupported output plugin %q", plugin)
	}
	d := &Decoder{plugin: plugin, loader: loader}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Decoder) Decode(ctx context.Context, ev *ingest.RawEvent) ([]record.Record, error) {
	pos := ev.Position
	if pos == nil {
		pos = position.Placeholder{}
	}
	msg := string(ev.Data)
	if strings.HasPrefix(msg, "BEGIN") {
		return nil, nil
	}

	var ch *change
	var err error
	switch d.plugin {
	case TestDecoding:
		ch, err = parseTestDecoding(msg)
	case MppdbDecoding:
		ch, err = parseMppdb(msg)
	}
	if err != nil {
		return nil, &pipeline.DecodeError{Reason: err.Error()}
	}
	if ch == nil || (ch.Old == nil && ch.New == nil) || (d.filter != nil && !d.filter(ch.Table)) {
		return []record.Record{record.NewPlaceholder(pos)}, nil
	}
	rec, err := d.toRecord(ctx, ch)
	if err != nil {
		return nil, err
	}
	rec.Position = pos
	return []record.Record{rec}, nil
}

func (d *Decoder) toRecord(ctx context.Context, ch *change) (record.Record, error) {
	keys, err := d.keyColumns(ctx, ch.Table)
	if err != nil {
		return record.Record{}, err
	}
	rec := record.Record{Table: ch.Table}
	switch ch.Op {
	case "INSERT":
		rec.Type = record.Insert
		rec.After, err = toRow(ch.New, keys, false)
	case "UPDATE":
		rec.Type = record.Update
		if rec.After, err = toRow(ch.New, keys, false); err != nil {
			break
		}
		if ch.Old != nil {
			// old-key carries exactly the replica identity
			rec.Before, err = toRow(ch.Old, nil, true)
		} else {
			rec.Before = rec.After.Keys()
		}
	case "DELETE":
		rec.Type = record.Delete
		rec.Before, err = toRow(ch.Old, keys, keys == nil)
	default:
		return record.Record{}, &pipeline.DecodeError{Reason: fmt.Sprintf("unsupported operation %s on %s", ch.Op, ch.Table)}
	}
	if err != nil {
		return record.Record{}, &pipeline.DecodeError{Reason: err.Error()}
	}
	if err := rec.Validate(); err != nil {
		return record.Record{}, &pipeline.DecodeError{Reason: fmt.Sprintf("%s on %s: %v", ch.Op, ch.Table, err)}
	}
	return rec, nil
}

// keyColumns returns the key column names of table, or nil when they are unknown.
func (d *Decoder) keyColumns(ctx context.Context, table string) (map[string]bool, error) {
	if d.loader == nil {
		return nil, nil
	}
	t, err := d.loader.Table(ctx, table)
	if errors.Is(err, schema.ErrTableNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wal: load metadata of %s: %w", table, err)
	}
	names := t.KeyNames()
	if len(names) == 0 {
		names = t.ColumnNames()
	}
	keys := make(map[string]bool, len(names))
	for _, n := range names {
		keys[strings.ToLower(n)] = true
	}
	return keys, nil
}

func toRow(values []rawValue, keys map[string]bool, allKeys bool) (record.Row, error) {
	row := make(record.Row, 0, len(values))
	for _, v := range values {
		if v.isUnchangedToast() {
			continue
		}
		value, err := convert(v)
		if err != nil {
			return nil, err
		}
		row = append(row, record.Column{Name: v.Name, Value: value, Key: allKeys || keys[strings.ToLower(v.Name)]})
	}
	return row, nil
}

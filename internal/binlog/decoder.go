package binlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"db-pipe/internal/ingest"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
	"db-pipe/internal/record"
	"db-pipe/internal/schema"
)

// Decoder turns raw row-based binlog events into records. It is stateful: FORMAT_DESCRIPTION
// sets the checksum mode, ROTATE the current file and TABLE_MAP the column layout of the
// rows events that follow. One Decoder serves one stream.
//
// Records of a rows event are positioned at the start of the TABLE_MAP group that precedes
// it, so a stream reopened at a record's position re-reads the table maps it needs.
type Decoder struct {
	loader   schema.Loader
	file     string
	checksum bool
	filter   func(table string) bool

	tables     map[uint64]*tableMap
	groupStart uint64
	lastType   byte
}

// tableMap is a TABLE_MAP event resolved against the schema.
type tableMap struct {
	name    string
	columns []schema.ColumnDef
	skip    bool
}

type Option func(*Decoder)

// WithChecksum sets the checksum mode before a FORMAT_DESCRIPTION event has been seen.
func WithChecksum(enabled bool) Option {
	return func(d *Decoder) { d.checksum = enabled }
}

// WithFile sets the binlog file before a ROTATE event has been seen.
func WithFile(name string) Option {
	return func(d *Decoder) { d.file = name }
}

// WithTableFilter limits decoding to tables for which keep returns true; rows of other
// tables become placeholders. keep receives "schema.table".
func WithTableFilter(keep func(table string) bool) Option {
	return func(d *Decoder) { d.filter = keep }
}

// NewDecoder returns a decoder that resolves column names and keys missing from the
// binlog through loader.
func NewDecoder(loader schema.Loader, opts ...Option) *Decoder {
	d := &Decoder{loader: loader, tables: make(map[uint64]*tableMap)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Seek prepares the decoder for a stream reopened at pos.
func (d *Decoder) Seek(pos position.Position) error {
	switch p := pos.(type) {
	case position.LogSequence:
		d.file = p.File
	case position.Placeholder, nil:
	default:
		return fmt.Errorf("binlog: cannot seek to %s position", pos.Kind())
	}
	d.tables = make(map[uint64]*tableMap)
	d.lastType = 0
	return nil
}

// Decode decodes one complete event, header and checksum included.
func (d *Decoder) Decode(ctx context.Context, ev *ingest.RawEvent) ([]record.Record, error) {
	data := ev.Data
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	if h.Type == eventFormatDescription {
		checksum, err := formatChecksum(data)
		if err != nil {
			return nil, err
		}
		d.checksum = checksum
	}
	if d.checksum {
		if err := verifyChecksum(data); err != nil {
			return nil, err
		}
		data = data[:len(data)-checksumSize]
	} else if h.Type == eventRotate && verifyChecksum(data) == nil {
		// the ROTATE sent ahead of FORMAT_DESCRIPTION is already checksummed
		data = data[:len(data)-checksumSize]
	}
	c := newCursor(data[eventHeaderSize:], eventHeaderSize)

	if h.Type == eventTableMap && d.lastType != eventTableMap {
		d.groupStart = h.start()
	}
	d.lastType = h.Type

	switch {
	case h.Type == eventFormatDescription:
		return nil, nil
	case h.Type == eventRotate:
		r := parseRotate(c)
		if c.err != nil {
			return nil, c.err
		}
		d.file = r.File
		d.tables = make(map[uint64]*tableMap)
		return []record.Record{record.NewPlaceholder(position.LogSequence{File: r.File, Offset: r.Position})}, nil
	case h.Type == eventTableMap:
		return nil, d.onTableMap(ctx, c)
	case isRowsEvent(h.Type):
		return d.onRows(c, h)
	case h.Type == eventQuery:
		q := parseQuery(c)
		if c.err != nil {
			return nil, c.err
		}
		if strings.EqualFold(q.Query, "BEGIN") {
			return nil, nil
		}
		if q.isDDL() {
			d.invalidate(q)
		}
	}
	return d.placeholderAt(h), nil
}

// placeholderAt advances the position past the event; artificial events (log_pos 0) are dropped.
func (d *Decoder) placeholderAt(h eventHeader) []record.Record {
	if h.LogPos == 0 {
		return nil
	}
	return []record.Record{record.NewPlaceholder(position.LogSequence{File: d.file, Offset: uint64(h.LogPos)})}
}

func (d *Decoder) invalidate(q queryEvent) {
	log.Info().Str("schema", q.Schema).Str("query", q.Query).Msg("binlog: DDL observed, dropping cached table metadata")
	if inv, ok := d.loader.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
}

func (d *Decoder) onTableMap(ctx context.Context, c *cursor) error {
	ev := parseTableMap(c)
	if c.err != nil {
		return c.err
	}
	name := ev.qualifiedName()
	if d.filter != nil && !d.filter(name) {
		d.tables[ev.TableID] = &tableMap{name: name, skip: true}
		return nil
	}
	columns, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	d.tables[ev.TableID] = &tableMap{name: name, columns: columns}
	return nil
}

// resolve builds column definitions from the table map, filling in names, keys and
// signedness from the loader when the server did not log them.
func (d *Decoder) resolve(ctx context.Context, ev *tableMapEvent) ([]schema.ColumnDef, error) {
	n := len(ev.Types)
	columns := make([]schema.ColumnDef, n)
	for i := range columns {
		columns[i] = schema.ColumnDef{
			TypeCode: ev.Types[i],
			Meta:     ev.Meta[i],
			Nullable: ev.Nullable.IsSet(i),
		}
		if ev.Names != nil {
			columns[i].Name = ev.Names[i]
		}
		if ev.Unsigned != nil {
			columns[i].Unsigned = ev.Unsigned[i]
		}
	}
	for _, k := range ev.Keys {
		if k >= 0 && k < n {
			columns[k].Key = true
		}
	}

	if ev.Names == nil || ev.Keys == nil || ev.Unsigned == nil {
		table, err := d.lookup(ctx, ev.qualifiedName(), n)
		if err != nil {
			return nil, err
		}
		for i, col := range table.Columns {
			if ev.Names == nil {
				columns[i].Name = col.Name
			}
			if ev.Unsigned == nil {
				columns[i].Unsigned = col.IsUnsigned
			}
		}
		if ev.Keys == nil {
			for _, k := range table.KeyColumns() {
				for i := range columns {
					if strings.EqualFold(columns[i].Name, k.Name) {
						columns[i].Key = true
					}
				}
			}
		}
	}

	keyed := false
	for _, col := range columns {
		keyed = keyed || col.Key
	}
	if !keyed {
		// without a key the whole before image identifies the row
		for i := range columns {
			columns[i].Key = true
		}
	}
	return columns, nil
}

// lookup fetches table metadata whose column count matches the binlog, re-reading the
// schema once when the cached definition is stale.
func (d *Decoder) lookup(ctx context.Context, name string, columns int) (*schema.Table, error) {
	if d.loader == nil {
		return nil, &pipeline.DecodeError{Reason: "no column metadata for " + name}
	}
	for attempt := 0; attempt < 2; attempt++ {
		table, err := d.loader.Table(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("binlog: load metadata of %s: %w", name, err)
		}
		if len(table.Columns) == columns {
			return table, nil
		}
		inv, ok := d.loader.(interface{ Invalidate() })
		if !ok {
			break
		}
		inv.Invalidate()
	}
	return nil, &pipeline.DecodeError{Reason: fmt.Sprintf("%s has %d columns in the binlog but a different count in the schema", name, columns)}
}

func (d *Decoder) onRows(c *cursor, h eventHeader) ([]record.Record, error) {
	tableID := c.uintLE(6)
	c.skip(2) // flags
	switch h.Type {
	case eventWriteRowsV2, eventUpdateRowsV2, eventDeleteRowsV2:
		extra := int(c.u16())
		c.skip(extra - 2)
	}
	if c.err != nil {
		return nil, c.err
	}
	tm, ok := d.tables[tableID]
	if !ok {
		return nil, &pipeline.DecodeError{Reason: fmt.Sprintf("rows event for unknown table id %d", tableID), Offset: eventHeaderSize}
	}
	pos := position.LogSequence{File: d.file, Offset: d.groupStart}
	if tm.skip {
		return []record.Record{record.NewPlaceholder(pos)}, nil
	}

	n := int(c.lenenc())
	if c.err == nil && n != len(tm.columns) {
		return nil, &pipeline.DecodeError{Reason: fmt.Sprintf("rows event for %s has %d columns, table map has %d", tm.name, n, len(tm.columns)), Offset: c.base + c.pos}
	}
	present := readBitmap(c, n, 0)
	update := h.Type == eventUpdateRowsV1 || h.Type == eventUpdateRowsV2
	presentAfter := present
	if update {
		presentAfter = readBitmap(c, n, 0)
	}

	var records []record.Record
	for c.remaining() > 0 {
		rec := record.Record{Table: tm.name, Position: pos}
		switch h.Type {
		case eventWriteRowsV1, eventWriteRowsV2:
			rec.Type = record.Insert
			rec.After = readRow(c, tm.columns, present)
		case eventDeleteRowsV1, eventDeleteRowsV2:
			rec.Type = record.Delete
			rec.Before = readRow(c, tm.columns, present)
		default:
			rec.Type = record.Update
			rec.Before = readRow(c, tm.columns, present)
			rec.After = readRow(c, tm.columns, presentAfter).WithKeys(rec.Before.Keys())
		}
		if c.err != nil {
			return nil, c.err
		}
		records = append(records, rec)
	}
	if c.err != nil {
		return nil, c.err
	}
	return records, nil
}

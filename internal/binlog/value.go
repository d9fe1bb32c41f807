package binlog

import (
	"math"

	"db-pipe/internal/record"
	"db-pipe/internal/schema"
)

// decodeValue reads one non-null column value of a row image.
func decodeValue(c *cursor, def schema.ColumnDef) any {
	meta := def.Meta
	switch def.TypeCode {
	case TypeTiny:
		v := c.u8()
		if def.Unsigned {
			return int64(v)
		}
		return int64(int8(v))
	case TypeShort:
		v := c.u16()
		if def.Unsigned {
			return int64(v)
		}
		return int64(int16(v))
	case TypeInt24:
		v := uint32(c.uintLE(3))
		if def.Unsigned {
			return int64(v)
		}
		if v&0x800000 != 0 {
			v |= 0xff000000
		}
		return int64(int32(v))
	case TypeLong:
		v := c.u32()
		if def.Unsigned {
			return int64(v)
		}
		return int64(int32(v))
	case TypeLongLong:
		v := c.u64()
		if def.Unsigned {
			return v
		}
		return int64(v)
	case TypeFloat:
		return math.Float32frombits(c.u32())
	case TypeDouble:
		return math.Float64frombits(c.u64())
	case TypeNewDecimal:
		return decodeNewDecimal(c, int(meta>>8), int(meta&0xff))
	case TypeYear:
		return decodeYear(c)
	case TypeDate, TypeNewDate:
		return decodeDate(c)
	case TypeTime:
		return decodeTime(c)
	case TypeTime2:
		return decodeTime2(c, meta)
	case TypeDatetime:
		return decodeDatetime(c)
	case TypeDatetime2:
		return decodeDatetime2(c, meta)
	case TypeTimestamp:
		return decodeTimestamp(c)
	case TypeTimestamp2:
		return decodeTimestamp2(c, meta)
	case TypeBit:
		nbits := int(meta>>8)*8 + int(meta&0xff)
		return int64(c.uintBE((nbits + 7) / 8))
	case TypeVarchar, TypeVarString:
		if meta < 256 {
			return string(c.packedBytes(1))
		}
		return string(c.packedBytes(2))
	case TypeString:
		real, length := stringType(meta)
		switch real {
		case TypeEnum, TypeSet:
			return int64(c.uintLE(length))
		}
		if length < 256 {
			return string(c.packedBytes(1))
		}
		return string(c.packedBytes(2))
	case TypeEnum, TypeSet:
		return int64(c.uintLE(int(meta & 0xff)))
	case TypeBlob, TypeTinyBlob, TypeMediumBlob, TypeLongBlob, TypeGeometry:
		return append([]byte(nil), c.packedBytes(int(meta))...)
	case TypeJSON:
		raw := c.packedBytes(int(meta))
		if c.err != nil {
			return nil
		}
		s, err := decodeJSON(raw)
		if err != nil {
			c.err = err
			return nil
		}
		return s
	}
	c.fail("unsupported column type %d", def.TypeCode)
	return nil
}

// readRow reads one row image: a null bitmap over the present columns, then their values.
func readRow(c *cursor, defs []schema.ColumnDef, present Bitmap) record.Row {
	return readImage(c, defs, present, 0)
}

// readImage reads a null bitmap at nullOffset followed by the non-null present values.
// Binary-protocol result rows use nullOffset 2.
func readImage(c *cursor, defs []schema.ColumnDef, present Bitmap, nullOffset int) record.Row {
	nulls := readBitmap(c, present.Count(len(defs)), nullOffset)
	row := make(record.Row, 0, len(defs))
	idx := 0
	for i, def := range defs {
		if !present.IsSet(i) {
			continue
		}
		var v any
		if !nulls.IsSet(idx) {
			v = decodeValue(c, def)
		}
		idx++
		if c.err != nil {
			return nil
		}
		row = append(row, record.Column{Name: def.Name, Value: v, Key: def.Key})
	}
	return row
}

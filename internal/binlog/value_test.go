package binlog

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db-pipe/internal/pipeline"
	"db-pipe/internal/schema"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDecodeNewDecimal(t *testing.T) {
	tests := []struct {
		raw       string
		precision int
		scale     int
		want      string
	}{
		{"810DFB38D204D2", 14, 4, "1234567890.1234"},
		{"7EF204C72DFB2D", 14, 4, "-1234567890.1234"},
		{"800000000A", 10, 2, "0.1"},
		{"8C00", 4, 2, "12"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			c := newCursor(mustHex(t, tt.raw), 0)
			v := decodeNewDecimal(c, tt.precision, tt.scale)
			require.NoError(t, c.err)
			assert.Equal(t, tt.want, v.String())
			assert.Zero(t, c.remaining())
		})
	}
}

func TestDecodeNewDecimalShortRead(t *testing.T) {
	c := newCursor([]byte{0x81, 0x0d}, 0)
	decodeNewDecimal(c, 14, 4)
	var de *pipeline.DecodeError
	require.ErrorAs(t, c.err, &de)
}

func TestReadFractionScaling(t *testing.T) {
	tests := []struct {
		meta uint16
		raw  []byte
		want int64
	}{
		{0, nil, 0},
		{1, []byte{99}, 990000},
		{2, []byte{99}, 990000},
		{3, []byte{0x03, 0xe7}, 99900},
		{4, []byte{0x03, 0xe7}, 99900},
		{5, []byte{0x01, 0xe2, 0x40}, 123456},
		{6, []byte{0x01, 0xe2, 0x40}, 123456},
	}
	for _, tt := range tests {
		c := newCursor(tt.raw, 0)
		assert.Equal(t, tt.want, readFraction(c, tt.meta), "meta %d", tt.meta)
		require.NoError(t, c.err)
		assert.Zero(t, c.remaining(), "meta %d consumed all bytes", tt.meta)
	}
}

func TestTemporalZeroValues(t *testing.T) {
	assert.Equal(t, ZeroDate, decodeDate(newCursor([]byte{0, 0, 0}, 0)))
	assert.Equal(t, ZeroTime, decodeTime(newCursor([]byte{0, 0, 0}, 0)))
	assert.Equal(t, ZeroTime, decodeTime2(newCursor([]byte{0x80, 0, 0}, 0), 0))
	for meta := uint16(0); meta <= 6; meta++ {
		// the all-zero image, fraction bytes included
		c := newCursor(make([]byte, 6), 0)
		assert.Equal(t, ZeroTime+formatFraction(0, meta), decodeTime2(c, meta), "meta %d", meta)
		require.NoError(t, c.err)
	}
	assert.Equal(t, ZeroDatetime, decodeDatetime(newCursor(make([]byte, 8), 0)))
	assert.Equal(t, ZeroDatetime, decodeDatetime2(newCursor([]byte{0x80, 0, 0, 0, 0}, 0), 0))
	assert.Equal(t, ZeroDatetime, decodeTimestamp(newCursor(make([]byte, 4), 0)))
	assert.Equal(t, ZeroDatetime+".000", decodeTimestamp2(newCursor(make([]byte, 6), 0), 3))
	assert.Equal(t, int64(0), decodeYear(newCursor([]byte{0}, 0)))
}

func packedDatetime(year, month, day, hour, minute, second int64) int64 {
	ym := year*13 + month
	ymd := ym<<5 | day
	return ymd<<17 | hour<<12 | minute<<6 | second
}

func TestTemporalValues(t *testing.T) {
	ts := make([]byte, 4)
	binary.BigEndian.PutUint32(ts, 1571214733)
	assert.Equal(t, "2019-10-16 08:32:13", decodeTimestamp2(newCursor(ts, 0), 0))

	le := make([]byte, 4)
	binary.LittleEndian.PutUint32(le, 1571214733)
	assert.Equal(t, "2019-10-16 08:32:13", decodeTimestamp(newCursor(le, 0)))

	dt := make([]byte, 8)
	binary.LittleEndian.PutUint64(dt, 20191017111500)
	assert.Equal(t, "2019-10-17 11:15:00", decodeDatetime(newCursor(dt, 0)))

	packed := packedDatetime(2019, 10, 17, 11, 15, 0) + 0x8000000000
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(packed))
	dt2 := append(raw[3:], 0x01, 0xe2, 0x40)
	assert.Equal(t, "2019-10-17 11:15:00.123456", decodeDatetime2(newCursor(dt2, 0), 6))

	dt2 = append(append([]byte(nil), raw[3:]...), 12)
	assert.Equal(t, "2019-10-17 11:15:00.12", decodeDatetime2(newCursor(dt2, 0), 2))

	// DATE: day | month << 5 | year << 9
	date := 17 | 10<<5 | 2019<<9
	assert.Equal(t, "2019-10-17", decodeDate(newCursor([]byte{byte(date), byte(date >> 8), byte(date >> 16)}, 0)))

	// TIME2 -00:00:01
	assert.Equal(t, "-00:00:01", decodeTime2(newCursor([]byte{0x7f, 0xff, 0xff}, 0), 0))
	// TIME2 12:34:56
	hms := 12<<12 | 34<<6 | 56 + 0x800000
	assert.Equal(t, "12:34:56", decodeTime2(newCursor([]byte{byte(hms >> 16), byte(hms >> 8), byte(hms)}, 0), 0))

	assert.Equal(t, int64(2019), decodeYear(newCursor([]byte{119}, 0)))
}

func TestBitmapSinglePatterns(t *testing.T) {
	const columns = 9
	for _, offset := range []int{0, 2} {
		for k := 0; k <= 8; k++ {
			b := NewBitmap(columns, offset)
			b.Set(k)
			for i := 0; i < columns; i++ {
				assert.Equal(t, i == k, b.IsSet(i), "offset %d bit %d column %d", offset, k, i)
			}
			idx := k + offset
			assert.Equal(t, byte(1)<<(idx%8), b.Bytes()[idx/8], "offset %d bit %d", offset, k)
			assert.Equal(t, 1, b.Count(columns))
		}
	}
}

func TestBitmapFromRawPowersOfTwo(t *testing.T) {
	for k := 0; k < 8; k++ {
		raw := []byte{1 << k, 0}
		b0 := BitmapFrom(raw, 0)
		assert.True(t, b0.IsSet(k))
		b2 := BitmapFrom(raw, 2)
		if k >= 2 {
			assert.True(t, b2.IsSet(k-2), "bit %d at offset 2", k)
			assert.Equal(t, 1, b2.Count(8))
		} else {
			assert.Equal(t, 0, b2.Count(8), "reserved bit %d is not a column", k)
		}
	}
	assert.Equal(t, 1, BitmapSize(6, 2))
	assert.Equal(t, 2, BitmapSize(7, 2))
	assert.Equal(t, 2, BitmapSize(9, 0))
	assert.Equal(t, 1, BitmapSize(8, 0))
}

func TestDecodeValueIntegers(t *testing.T) {
	assert.Equal(t, int64(-1), decodeValue(newCursor([]byte{0xff}, 0), schema.ColumnDef{TypeCode: TypeTiny}))
	assert.Equal(t, int64(255), decodeValue(newCursor([]byte{0xff}, 0), schema.ColumnDef{TypeCode: TypeTiny, Unsigned: true}))
	assert.Equal(t, int64(-2), decodeValue(newCursor([]byte{0xfe, 0xff, 0xff}, 0), schema.ColumnDef{TypeCode: TypeInt24}))
	assert.Equal(t, int64(0xfffffe), decodeValue(newCursor([]byte{0xfe, 0xff, 0xff}, 0), schema.ColumnDef{TypeCode: TypeInt24, Unsigned: true}))
	assert.Equal(t, uint64(1<<64-1), decodeValue(newCursor(mustHex(t, "ffffffffffffffff"), 0), schema.ColumnDef{TypeCode: TypeLongLong, Unsigned: true}))
	assert.Equal(t, int64(-1), decodeValue(newCursor(mustHex(t, "ffffffffffffffff"), 0), schema.ColumnDef{TypeCode: TypeLongLong}))
	// BIT(10): 2 bytes big-endian
	assert.Equal(t, int64(0x0203), decodeValue(newCursor([]byte{0x02, 0x03}, 0), schema.ColumnDef{TypeCode: TypeBit, Meta: 1<<8 | 2}))
}

func TestDecodeValueStrings(t *testing.T) {
	assert.Equal(t, "abc", decodeValue(newCursor([]byte{3, 'a', 'b', 'c'}, 0), schema.ColumnDef{TypeCode: TypeVarchar, Meta: 200}))
	assert.Equal(t, "ab", decodeValue(newCursor([]byte{2, 0, 'a', 'b'}, 0), schema.ColumnDef{TypeCode: TypeVarchar, Meta: 1000}))
	// CHAR(10): real type STRING, length 10
	assert.Equal(t, "xy", decodeValue(newCursor([]byte{2, 'x', 'y'}, 0), schema.ColumnDef{TypeCode: TypeString, Meta: uint16(TypeString)<<8 | 10}))
	// ENUM packed in one byte
	assert.Equal(t, int64(2), decodeValue(newCursor([]byte{2}, 0), schema.ColumnDef{TypeCode: TypeString, Meta: uint16(TypeEnum)<<8 | 1}))
	assert.Equal(t, []byte{0xde, 0xad}, decodeValue(newCursor([]byte{2, 0, 0xde, 0xad}, 0), schema.ColumnDef{TypeCode: TypeBlob, Meta: 2}))
}

func TestDecodeValueUnsupportedType(t *testing.T) {
	c := newCursor([]byte{0}, 0)
	decodeValue(c, schema.ColumnDef{TypeCode: TypeNull})
	var de *pipeline.DecodeError
	require.ErrorAs(t, c.err, &de)
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"object", "00" + "02001600" + "12000100" + "13000100" + "050100" + "0c1400" + "61" + "62" + "0178", `{"a":1,"b":"x"}`},
		{"array", "02" + "03001500" + "040100" + "040000" + "0b0d00" + "0000000000000440", `[true,null,2.5]`},
		{"string", "0c" + "0568656c6c6f", `"hello"`},
		{"int64", "09" + "feffffffffffffff", `-2`},
		{"opaque", "0f" + "fc" + "02" + "abcd", `"base64:type252:q80="`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeJSON(mustHex(t, tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := decodeJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", got)
}

func TestDecodeJSONTruncated(t *testing.T) {
	_, err := decodeJSON(mustHex(t, "00020016001200"))
	var de *pipeline.DecodeError
	require.ErrorAs(t, err, &de)

	_, err = decodeJSON(mustHex(t, "0c05686568"))
	require.ErrorAs(t, err, &de)
}

func TestReadImageEveryNullPattern(t *testing.T) {
	for _, offset := range []int{0, 2} {
		for k := 1; k <= 8; k++ {
			defs := make([]schema.ColumnDef, k)
			for i := range defs {
				defs[i] = schema.ColumnDef{Name: string(rune('a' + i)), TypeCode: TypeTiny, Unsigned: true}
			}
			present := NewBitmap(k, 0)
			for i := 0; i < k; i++ {
				present.Set(i)
			}
			for mask := 0; mask < 1<<k; mask++ {
				nulls := NewBitmap(k, offset)
				var values []byte
				for i := 0; i < k; i++ {
					if mask&(1<<i) != 0 {
						nulls.Set(i)
					} else {
						values = append(values, byte(i+1))
					}
				}
				c := newCursor(append(append([]byte(nil), nulls.Bytes()...), values...), 0)
				row := readImage(c, defs, present, offset)
				require.NoError(t, c.err, "offset %d k %d mask %b", offset, k, mask)
				require.Len(t, row, k)
				assert.Zero(t, c.remaining(), "offset %d k %d mask %b", offset, k, mask)
				for i, col := range row {
					if mask&(1<<i) != 0 {
						assert.Nil(t, col.Value, "offset %d k %d mask %b column %d", offset, k, mask, i)
					} else {
						assert.Equal(t, int64(i+1), col.Value, "offset %d k %d mask %b column %d", offset, k, mask, i)
					}
				}
			}
		}
	}
}

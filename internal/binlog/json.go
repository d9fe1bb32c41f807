package binlog

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
)

// MySQL binary JSON value types
const (
	jsonSmallObject byte = 0x00
	jsonLargeObject byte = 0x01
	jsonSmallArray  byte = 0x02
	jsonLargeArray  byte = 0x03
	jsonLiteral     byte = 0x04
	jsonInt16       byte = 0x05
	jsonUint16      byte = 0x06
	jsonInt32       byte = 0x07
	jsonUint32      byte = 0x08
	jsonInt64       byte = 0x09
	jsonUint64      byte = 0x0a
	jsonDouble      byte = 0x0b
	jsonString      byte = 0x0c
	jsonOpaque      byte = 0x0f
)

var jsonAPI = jsoniter.Config{EscapeHTML: false}.Froze()

// decodeJSON renders a binary JSON column value as compact JSON text.
func decodeJSON(data []byte) (string, error) {
	if len(data) == 0 {
		return "null", nil
	}
	stream := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(stream)

	j := &jsonWriter{stream: stream}
	j.value(data[0], data[1:], 1)
	if j.err != nil {
		return "", j.err
	}
	if stream.Error != nil {
		return "", stream.Error
	}
	return string(stream.Buffer()), nil
}

type jsonWriter struct {
	stream *jsoniter.Stream
	err    error
}

func (j *jsonWriter) fail(offset int, format string, args ...any) {
	if j.err == nil {
		c := newCursor(nil, offset)
		c.fail(format, args...)
		j.err = c.err
	}
}

// value writes one value; base is its offset within the column, for error reporting.
func (j *jsonWriter) value(typ byte, data []byte, base int) {
	if j.err != nil {
		return
	}
	s := j.stream
	switch typ {
	case jsonSmallObject, jsonLargeObject:
		j.container(data, base, typ == jsonLargeObject, true)
	case jsonSmallArray, jsonLargeArray:
		j.container(data, base, typ == jsonLargeArray, false)
	case jsonLiteral:
		if len(data) < 1 {
			j.fail(base, "truncated json literal")
			return
		}
		j.literal(data[0], base)
	case jsonInt16, jsonUint16, jsonInt32, jsonUint32, jsonInt64, jsonUint64, jsonDouble:
		j.number(typ, data, base)
	case jsonString:
		n, used, ok := readVarLen(data)
		if !ok || used+n > len(data) {
			j.fail(base, "truncated json string")
			return
		}
		s.WriteString(string(data[used : used+n]))
	case jsonOpaque:
		j.opaque(data, base)
	default:
		j.fail(base, "unknown json value type 0x%02x", typ)
	}
}

func (j *jsonWriter) literal(v byte, base int) {
	switch v {
	case 0:
		j.stream.WriteNil()
	case 1:
		j.stream.WriteTrue()
	case 2:
		j.stream.WriteFalse()
	default:
		j.fail(base, "unknown json literal %d", v)
	}
}

var jsonNumberSize = map[byte]int{
	jsonInt16: 2, jsonUint16: 2, jsonInt32: 4, jsonUint32: 4, jsonInt64: 8, jsonUint64: 8, jsonDouble: 8,
}

func (j *jsonWriter) number(typ byte, data []byte, base int) {
	if len(data) < jsonNumberSize[typ] {
		j.fail(base, "truncated json number")
		return
	}
	s := j.stream
	switch typ {
	case jsonInt16:
		s.WriteInt16(int16(binary.LittleEndian.Uint16(data)))
	case jsonUint16:
		s.WriteUint16(binary.LittleEndian.Uint16(data))
	case jsonInt32:
		s.WriteInt32(int32(binary.LittleEndian.Uint32(data)))
	case jsonUint32:
		s.WriteUint32(binary.LittleEndian.Uint32(data))
	case jsonInt64:
		s.WriteInt64(int64(binary.LittleEndian.Uint64(data)))
	case jsonUint64:
		s.WriteUint64(binary.LittleEndian.Uint64(data))
	case jsonDouble:
		s.WriteFloat64(math.Float64frombits(binary.LittleEndian.Uint64(data)))
	}
}

// container writes an object or array. Layout: count, byte size, key entries (objects only),
// value entries; offsets are relative to the start of data.
func (j *jsonWriter) container(data []byte, base int, large, object bool) {
	offsetSize := 2
	if large {
		offsetSize = 4
	}
	readOffset := func(at int) (int, bool) {
		if at+offsetSize > len(data) {
			return 0, false
		}
		if large {
			return int(binary.LittleEndian.Uint32(data[at:])), true
		}
		return int(binary.LittleEndian.Uint16(data[at:])), true
	}

	count, ok1 := readOffset(0)
	size, ok2 := readOffset(offsetSize)
	if !ok1 || !ok2 || size > len(data) {
		j.fail(base, "truncated json container")
		return
	}
	keyEntry := offsetSize + 2
	valueEntry := 1 + offsetSize
	header := 2 * offsetSize
	valuesAt := header
	if object {
		valuesAt += count * keyEntry
	}
	if valuesAt+count*valueEntry > size {
		j.fail(base, "json container header exceeds its size")
		return
	}

	s := j.stream
	if object {
		s.WriteObjectStart()
	} else {
		s.WriteArrayStart()
	}
	for i := 0; i < count && j.err == nil; i++ {
		if i > 0 {
			s.WriteMore()
		}
		if object {
			at := header + i*keyEntry
			keyOff, _ := readOffset(at)
			keyLen := int(binary.LittleEndian.Uint16(data[at+offsetSize:]))
			if keyOff+keyLen > size {
				j.fail(base+at, "json key out of range")
				return
			}
			s.WriteObjectField(string(data[keyOff : keyOff+keyLen]))
		}
		at := valuesAt + i*valueEntry
		typ := data[at]
		if inlined(typ, large) {
			j.value(typ, data[at+1:at+valueEntry], base+at+1)
			continue
		}
		off, _ := readOffset(at + 1)
		if off >= size {
			j.fail(base+at, "json value offset out of range")
			return
		}
		j.value(typ, data[off:size], base+off)
	}
	if object {
		s.WriteObjectEnd()
	} else {
		s.WriteArrayEnd()
	}
}

func inlined(typ byte, large bool) bool {
	switch typ {
	case jsonLiteral, jsonInt16, jsonUint16:
		return true
	case jsonInt32, jsonUint32:
		return large
	}
	return false
}

// opaque values carry a MySQL column type; decimals and temporals are rendered, anything
// else is written the way MySQL prints it: "base64:type<N>:<data>".
func (j *jsonWriter) opaque(data []byte, base int) {
	if len(data) < 1 {
		j.fail(base, "truncated json opaque value")
		return
	}
	fieldType := data[0]
	n, used, ok := readVarLen(data[1:])
	if !ok || 1+used+n > len(data) {
		j.fail(base, "truncated json opaque value")
		return
	}
	payload := data[1+used : 1+used+n]
	s := j.stream
	switch fieldType {
	case TypeNewDecimal:
		if len(payload) < 2 {
			j.fail(base, "truncated json decimal")
			return
		}
		c := newCursor(payload[2:], base)
		v := decodeNewDecimal(c, int(payload[0]), int(payload[1]))
		if c.err != nil {
			j.err = c.err
			return
		}
		s.WriteRaw(v.String())
	case TypeDate, TypeDatetime, TypeTimestamp, TypeDatetime2, TypeTimestamp2:
		if len(payload) < 8 {
			j.fail(base, "truncated json datetime")
			return
		}
		s.WriteString(formatPackedTemporal(int64(binary.LittleEndian.Uint64(payload)), fieldType == TypeDate))
	case TypeTime, TypeTime2:
		if len(payload) < 8 {
			j.fail(base, "truncated json time")
			return
		}
		s.WriteString(formatPackedTime(int64(binary.LittleEndian.Uint64(payload))))
	default:
		s.WriteString(fmt.Sprintf("base64:type%d:%s", fieldType, base64.StdEncoding.EncodeToString(payload)))
	}
}

// formatPackedTemporal renders MySQL's in-memory packed datetime (int part << 24 | micros).
func formatPackedTemporal(v int64, dateOnly bool) string {
	if v == 0 {
		if dateOnly {
			return ZeroDate
		}
		return ZeroDatetime
	}
	s := formatPackedDatetime(v >> 24)
	if dateOnly {
		return s[:10]
	}
	if frac := v % (1 << 24); frac != 0 {
		s += formatFraction(frac, 6)
	}
	return s
}

func formatPackedTime(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	hms := v >> 24
	s := fmt.Sprintf("%s%02d:%02d:%02d", sign, (hms>>12)&0x3ff, (hms>>6)&0x3f, hms&0x3f)
	if frac := v % (1 << 24); frac != 0 {
		s += formatFraction(frac, 6)
	}
	return s
}

// readVarLen reads a 7-bit-per-byte variable length (at most five bytes).
func readVarLen(data []byte) (n, used int, ok bool) {
	for i := 0; i < 5 && i < len(data); i++ {
		n |= int(data[i]&0x7f) << (7 * i)
		if data[i]&0x80 == 0 {
			return n, i + 1, true
		}
	}
	return 0, 0, false
}

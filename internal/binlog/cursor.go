package binlog

import (
	"encoding/binary"
	"fmt"

	"db-pipe/internal/pipeline"
)

// cursor reads binlog fields sequentially. The first short read is recorded and every
// later read returns zero values, so callers check err once per structure.
type cursor struct {
	data []byte
	pos  int
	base int // absolute offset of data[0] inside the event
	err  error
}

func newCursor(data []byte, base int) *cursor {
	return &cursor{data: data, base: base}
}

func (c *cursor) fail(format string, args ...any) {
	if c.err == nil {
		c.err = &pipeline.DecodeError{Reason: fmt.Sprintf(format, args...), Offset: c.base + c.pos}
	}
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if n < 0 || c.pos+n > len(c.data) {
		c.fail("need %d bytes, %d left", n, len(c.data)-c.pos)
		return false
	}
	return true
}

func (c *cursor) remaining() int {
	if c.err != nil {
		return 0
	}
	return len(c.data) - c.pos
}

func (c *cursor) skip(n int) {
	if c.need(n) {
		c.pos += n
	}
}

func (c *cursor) bytes(n int) []byte {
	if !c.need(n) {
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *cursor) u8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.data[c.pos]
	c.pos++
	return v
}

func (c *cursor) u16() uint16 {
	if b := c.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// uintLE reads an n-byte little-endian unsigned integer, n <= 8.
func (c *cursor) uintLE(n int) uint64 {
	b := c.bytes(n)
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// uintBE reads an n-byte big-endian unsigned integer, n <= 8.
func (c *cursor) uintBE(n int) uint64 {
	var v uint64
	for _, x := range c.bytes(n) {
		v = v<<8 | uint64(x)
	}
	return v
}

// lenenc reads a length-encoded integer.
func (c *cursor) lenenc() uint64 {
	first := c.u8()
	switch {
	case first < 0xfb:
		return uint64(first)
	case first == 0xfc:
		return c.uintLE(2)
	case first == 0xfd:
		return c.uintLE(3)
	case first == 0xfe:
		return c.uintLE(8)
	}
	if c.err == nil {
		c.pos--
		c.fail("invalid length-encoded integer prefix 0x%02x", first)
	}
	return 0
}

func (c *cursor) lenencBytes() []byte {
	n := c.lenenc()
	if n > uint64(len(c.data)) {
		c.fail("length %d exceeds event", n)
		return nil
	}
	return c.bytes(int(n))
}

// packedBytes reads a value prefixed by a little-endian length of lenBytes bytes.
func (c *cursor) packedBytes(lenBytes int) []byte {
	n := c.uintLE(lenBytes)
	if n > uint64(len(c.data)) {
		c.fail("length %d exceeds event", n)
		return nil
	}
	return c.bytes(int(n))
}

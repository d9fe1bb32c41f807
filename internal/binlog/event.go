package binlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"db-pipe/internal/pipeline"
)

const (
	eventHeaderSize = 19
	checksumSize    = 4
)

// Binlog event type codes.
const (
	eventQuery             byte = 2
	eventRotate            byte = 4
	eventFormatDescription byte = 15
	eventXID               byte = 16
	eventTableMap          byte = 19
	eventWriteRowsV1       byte = 23
	eventUpdateRowsV1      byte = 24
	eventDeleteRowsV1      byte = 25
	eventHeartbeat         byte = 27
	eventWriteRowsV2       byte = 30
	eventUpdateRowsV2      byte = 31
	eventDeleteRowsV2      byte = 32
	eventHeartbeatV2       byte = 41
)

// checksum algorithm announced by FORMAT_DESCRIPTION
const checksumCRC32 byte = 1

// first server version whose FORMAT_DESCRIPTION carries the checksum algorithm
var checksumVersion = [3]int{5, 6, 1}

type eventHeader struct {
	Timestamp uint32
	Type      byte
	ServerID  uint32
	Size      uint32
	LogPos    uint32
	Flags     uint16
}

func parseHeader(data []byte) (eventHeader, error) {
	if len(data) < eventHeaderSize {
		return eventHeader{}, &pipeline.DecodeError{Reason: "event shorter than its header", Offset: len(data)}
	}
	h := eventHeader{
		Timestamp: binary.LittleEndian.Uint32(data[0:]),
		Type:      data[4],
		ServerID:  binary.LittleEndian.Uint32(data[5:]),
		Size:      binary.LittleEndian.Uint32(data[9:]),
		LogPos:    binary.LittleEndian.Uint32(data[13:]),
		Flags:     binary.LittleEndian.Uint16(data[17:]),
	}
	if int(h.Size) != len(data) {
		return h, &pipeline.DecodeError{Reason: fmt.Sprintf("event size %d does not match %d bytes received", h.Size, len(data)), Offset: 9}
	}
	return h, nil
}

// start returns the offset of the event inside its file, or 0 for artificial events.
func (h eventHeader) start() uint64 {
	if h.LogPos < h.Size {
		return 0
	}
	return uint64(h.LogPos - h.Size)
}

func verifyChecksum(data []byte) error {
	if len(data) < eventHeaderSize+checksumSize {
		return &pipeline.DecodeError{Reason: "event too short for checksum", Offset: len(data)}
	}
	body := data[:len(data)-checksumSize]
	want := binary.LittleEndian.Uint32(data[len(data)-checksumSize:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return &pipeline.DecodeError{Reason: fmt.Sprintf("checksum mismatch: computed %08x, stored %08x", got, want), Offset: len(body)}
	}
	return nil
}

// formatChecksum reports whether the binlog announced by a FORMAT_DESCRIPTION event is checksummed.
func formatChecksum(data []byte) (bool, error) {
	c := newCursor(data[eventHeaderSize:], eventHeaderSize)
	c.skip(2) // binlog version
	version := c.bytes(50)
	if c.err != nil {
		return false, c.err
	}
	if !versionAtLeast(string(bytes.TrimRight(version, "\x00")), checksumVersion) {
		return false, nil
	}
	if len(data) < eventHeaderSize+2+50+5 {
		return false, &pipeline.DecodeError{Reason: "format description too short", Offset: len(data)}
	}
	return data[len(data)-checksumSize-1] == checksumCRC32, nil
}

// versionAtLeast compares "5.7.30-log" style server versions.
func versionAtLeast(version string, min [3]int) bool {
	if i := strings.IndexFunc(version, func(r rune) bool { return r != '.' && (r < '0' || r > '9') }); i >= 0 {
		version = version[:i]
	}
	parts := strings.SplitN(version, ".", 3)
	for i := 0; i < 3; i++ {
		n := 0
		if i < len(parts) {
			n, _ = strconv.Atoi(parts[i])
		}
		if n != min[i] {
			return n > min[i]
		}
	}
	return true
}

type rotateEvent struct {
	Position uint64
	File     string
}

func parseRotate(c *cursor) rotateEvent {
	pos := c.u64()
	name := c.bytes(c.remaining())
	return rotateEvent{Position: pos, File: string(name)}
}

type queryEvent struct {
	Schema string
	Query  string
}

func parseQuery(c *cursor) queryEvent {
	c.skip(4) // thread id
	c.skip(4) // execution time
	schemaLen := int(c.u8())
	c.skip(2) // error code
	statusLen := int(c.u16())
	c.skip(statusLen)
	schemaName := c.bytes(schemaLen)
	c.skip(1)
	query := c.bytes(c.remaining())
	return queryEvent{Schema: string(schemaName), Query: string(query)}
}

// isDDL reports whether a QUERY event changes table definitions. Transaction control and
// DML logged in statement form are not DDL.
func (q queryEvent) isDDL() bool {
	stmt := strings.ToUpper(strings.TrimSpace(q.Query))
	for _, prefix := range []string{"CREATE", "ALTER", "DROP", "RENAME", "TRUNCATE"} {
		if strings.HasPrefix(stmt, prefix) {
			return true
		}
	}
	return false
}

// Optional TABLE_MAP metadata fields.
const (
	metaSignedness   byte = 1
	metaColumnName   byte = 4
	metaSimplePK     byte = 8
	metaPKWithPrefix byte = 9
)

type tableMapEvent struct {
	TableID  uint64
	Schema   string
	Table    string
	Types    []byte
	Meta     []uint16
	Nullable Bitmap

	// optional metadata, nil when the server did not log it
	Names    []string
	Unsigned []bool
	Keys     []int
}

func (t *tableMapEvent) qualifiedName() string {
	return t.Schema + "." + t.Table
}

func parseTableMap(c *cursor) *tableMapEvent {
	t := &tableMapEvent{TableID: c.uintLE(6)}
	c.skip(2) // flags
	t.Schema = string(c.bytes(int(c.u8())))
	c.skip(1)
	t.Table = string(c.bytes(int(c.u8())))
	c.skip(1)
	n := int(c.lenenc())
	if n > c.remaining() {
		c.fail("column count %d exceeds event", n)
		return nil
	}
	t.Types = append([]byte(nil), c.bytes(n)...)

	metaLen := int(c.lenenc())
	metaBase := c.base + c.pos
	mc := newCursor(c.bytes(metaLen), metaBase)
	t.Meta = make([]uint16, n)
	for i, typ := range t.Types {
		t.Meta[i] = readColumnMeta(mc, typ)
	}
	if mc.err != nil {
		c.err = mc.err
		return nil
	}
	t.Nullable = readBitmap(c, n, 0)

	for c.remaining() > 0 {
		field := c.u8()
		size := int(c.lenenc())
		base := c.base + c.pos
		vc := newCursor(c.bytes(size), base)
		if c.err != nil {
			break
		}
		switch field {
		case metaSignedness:
			t.Unsigned = make([]bool, n)
			numeric := 0
			for i, typ := range t.Types {
				if isNumeric(typ) {
					t.Unsigned[i] = msbSet(vc.data, numeric)
					numeric++
				}
			}
		case metaColumnName:
			for vc.remaining() > 0 {
				t.Names = append(t.Names, string(vc.lenencBytes()))
			}
		case metaSimplePK:
			for vc.remaining() > 0 {
				t.Keys = append(t.Keys, int(vc.lenenc()))
			}
		case metaPKWithPrefix:
			for vc.remaining() > 0 {
				t.Keys = append(t.Keys, int(vc.lenenc()))
				vc.lenenc() // prefix length
			}
		}
		if vc.err != nil {
			c.err = vc.err
		}
	}
	if c.err != nil {
		return nil
	}
	if t.Names != nil && len(t.Names) != n {
		c.fail("table map of %s names %d of %d columns", t.qualifiedName(), len(t.Names), n)
		return nil
	}
	return t
}

func isRowsEvent(typ byte) bool {
	switch typ {
	case eventWriteRowsV1, eventUpdateRowsV1, eventDeleteRowsV1, eventWriteRowsV2, eventUpdateRowsV2, eventDeleteRowsV2:
		return true
	}
	return false
}

package binlog

// Bitmap is an LSB-first bit array. Bit i of column i lives at position i+offset:
// binlog row images use offset 0, binary-protocol result rows reserve two leading bits (offset 2).
type Bitmap struct {
	bits   []byte
	offset int
}

// BitmapSize returns the bytes needed for columns bits at the given offset.
func BitmapSize(columns, offset int) int {
	return (columns + offset + 7) / 8
}

// NewBitmap returns an all-clear bitmap.
func NewBitmap(columns, offset int) Bitmap {
	return Bitmap{bits: make([]byte, BitmapSize(columns, offset)), offset: offset}
}

// BitmapFrom wraps raw bytes.
func BitmapFrom(raw []byte, offset int) Bitmap {
	return Bitmap{bits: raw, offset: offset}
}

func readBitmap(c *cursor, columns, offset int) Bitmap {
	return BitmapFrom(c.bytes(BitmapSize(columns, offset)), offset)
}

func (b Bitmap) IsSet(i int) bool {
	idx := i + b.offset
	if idx/8 >= len(b.bits) {
		return false
	}
	return b.bits[idx/8]&(1<<(idx%8)) != 0
}

func (b Bitmap) Set(i int) {
	idx := i + b.offset
	b.bits[idx/8] |= 1 << (idx % 8)
}

// Count returns the number of set bits among the first n columns.
func (b Bitmap) Count(n int) int {
	count := 0
	for i := 0; i < n; i++ {
		if b.IsSet(i) {
			count++
		}
	}
	return count
}

func (b Bitmap) Bytes() []byte { return b.bits }

// msbSet reads bit i of an MSB-first bitmap, the order used by TABLE_MAP optional metadata.
func msbSet(bits []byte, i int) bool {
	if i/8 >= len(bits) {
		return false
	}
	return bits[i/8]&(0x80>>(i%8)) != 0
}

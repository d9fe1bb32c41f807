package binlog

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// bytes needed for 0..9 leftover decimal digits
var digitsToBytes = [10]int{0, 1, 1, 2, 2, 3, 3, 4, 4, 4}

const digitsPerGroup = 9

// decimalSize returns the binary size of a DECIMAL(precision, scale) value.
func decimalSize(precision, scale int) int {
	intg := precision - scale
	return intg/digitsPerGroup*4 + digitsToBytes[intg%digitsPerGroup] +
		scale/digitsPerGroup*4 + digitsToBytes[scale%digitsPerGroup]
}

// decodeNewDecimal reads MySQL's binary DECIMAL: groups of nine digits in four big-endian
// bytes, leftover digits in the fewest bytes, sign in the inverted top bit and negative
// values stored one's-complemented.
func decodeNewDecimal(c *cursor, precision, scale int) decimal.Decimal {
	if precision <= 0 || scale < 0 || scale > precision {
		c.fail("invalid decimal precision %d scale %d", precision, scale)
		return decimal.Zero
	}
	raw := c.bytes(decimalSize(precision, scale))
	if raw == nil {
		return decimal.Zero
	}
	buf := append([]byte(nil), raw...)
	negative := buf[0]&0x80 == 0
	buf[0] ^= 0x80
	if negative {
		for i := range buf {
			buf[i] ^= 0xff
		}
	}

	intg := precision - scale
	d := newCursor(buf, 0)
	var sb strings.Builder
	if negative {
		sb.WriteByte('-')
	}
	digits := 0
	if lead := intg % digitsPerGroup; lead > 0 {
		fmt.Fprintf(&sb, "%d", d.uintBE(digitsToBytes[lead]))
		digits++
	}
	for i := 0; i < intg/digitsPerGroup; i++ {
		fmt.Fprintf(&sb, "%09d", d.uintBE(4))
		digits++
	}
	if digits == 0 {
		sb.WriteByte('0')
	}
	if scale > 0 {
		sb.WriteByte('.')
		for i := 0; i < scale/digitsPerGroup; i++ {
			fmt.Fprintf(&sb, "%09d", d.uintBE(4))
		}
		if rest := scale % digitsPerGroup; rest > 0 {
			fmt.Fprintf(&sb, "%0*d", rest, d.uintBE(digitsToBytes[rest]))
		}
	}
	v, err := decimal.NewFromString(sb.String())
	if err != nil {
		c.fail("invalid decimal %q: %v", sb.String(), err)
		return decimal.Zero
	}
	return v
}

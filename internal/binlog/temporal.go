package binlog

import (
	"fmt"
	"time"
)

// Zero temporal values are returned as these strings instead of being rejected.
const (
	ZeroDate     = "0000-00-00"
	ZeroTime     = "00:00:00"
	ZeroDatetime = "0000-00-00 00:00:00"
)

const datetimeLayout = "2006-01-02 15:04:05"

// readFraction reads the fractional-seconds part of a TIME2/DATETIME2/TIMESTAMP2 value
// and returns it in microseconds. meta is the declared precision (0-6).
func readFraction(c *cursor, meta uint16) int64 {
	switch meta {
	case 1, 2:
		return int64(c.u8()) * 10000
	case 3, 4:
		return int64(c.uintBE(2)) * 100
	case 5, 6:
		return int64(c.uintBE(3))
	}
	return 0
}

// formatFraction renders micros with meta digits, truncating the rest.
func formatFraction(micros int64, meta uint16) string {
	if meta == 0 || meta > 6 {
		return ""
	}
	return "." + fmt.Sprintf("%06d", micros)[:meta]
}

func decodeYear(c *cursor) int64 {
	v := c.u8()
	if v == 0 {
		return 0
	}
	return int64(v) + 1900
}

// DATE: 3 bytes, day:5 month:4 year:15
func decodeDate(c *cursor) string {
	v := c.uintLE(3)
	if v == 0 {
		return ZeroDate
	}
	return fmt.Sprintf("%04d-%02d-%02d", v>>9, (v>>5)&0x0f, v&0x1f)
}

// TIME (pre-5.6): 3 bytes signed HHMMSS
func decodeTime(c *cursor) string {
	raw := uint32(c.uintLE(3))
	if raw&0x800000 != 0 {
		raw |= 0xff000000
	}
	v := int32(raw)
	if v == 0 {
		return ZeroTime
	}
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, v/10000, (v/100)%100, v%100)
}

// TIME2: 3 bytes big-endian biased by 0x800000, then the fraction. A negative value with a
// fraction is stored as (int part - 1, 2^n - frac) and is folded back here. The biased zero
// and the all-zero image both decode to ZeroTime.
func decodeTime2(c *cursor, meta uint16) string {
	raw := int64(c.uintBE(3))
	intPart := raw - 0x800000
	var frac int64
	switch meta {
	case 1, 2:
		frac = int64(c.u8())
		if intPart < 0 && frac != 0 {
			intPart++
			frac -= 0x100
		}
		frac *= 10000
	case 3, 4:
		frac = int64(c.uintBE(2))
		if intPart < 0 && frac != 0 {
			intPart++
			frac -= 0x10000
		}
		frac *= 100
	case 5, 6:
		frac = int64(c.uintBE(3))
		if intPart < 0 && frac != 0 {
			intPart++
			frac -= 0x1000000
		}
	}
	if (intPart == 0 || raw == 0) && frac == 0 {
		return ZeroTime + formatFraction(0, meta)
	}
	sign := ""
	if intPart < 0 || frac < 0 {
		sign, intPart, frac = "-", -intPart, -frac
	}
	hour := (intPart >> 12) & 0x3ff
	minute := (intPart >> 6) & 0x3f
	second := intPart & 0x3f
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, hour, minute, second) + formatFraction(frac, meta)
}

// DATETIME (pre-5.6): 8 bytes little-endian YYYYMMDDhhmmss
func decodeDatetime(c *cursor) string {
	v := c.u64()
	if v == 0 {
		return ZeroDatetime
	}
	date, clock := v/1000000, v%1000000
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
		date/10000, (date/100)%100, date%100, clock/10000, (clock/100)%100, clock%100)
}

// DATETIME2: 5 bytes big-endian biased by 0x8000000000, then the fraction.
// Packed layout: sign:1 year*13+month:17 day:5 hour:5 minute:6 second:6.
func decodeDatetime2(c *cursor, meta uint16) string {
	intPart := int64(c.uintBE(5)) - 0x8000000000
	frac := readFraction(c, meta)
	if intPart <= 0 && frac == 0 {
		return ZeroDatetime + formatFraction(0, meta)
	}
	return formatPackedDatetime(intPart) + formatFraction(frac, meta)
}

func formatPackedDatetime(ymdhms int64) string {
	ymd := ymdhms >> 17
	ym := ymd >> 5
	hms := ymdhms % (1 << 17)
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
		ym/13, ym%13, ymd%(1<<5), hms>>12, (hms>>6)%(1<<6), hms%(1<<6))
}

// TIMESTAMP (pre-5.6): 4 bytes little-endian epoch seconds, rendered in UTC.
func decodeTimestamp(c *cursor) string {
	sec := c.u32()
	if sec == 0 {
		return ZeroDatetime
	}
	return time.Unix(int64(sec), 0).UTC().Format(datetimeLayout)
}

// TIMESTAMP2: 4 bytes big-endian epoch seconds, then the fraction.
func decodeTimestamp2(c *cursor, meta uint16) string {
	sec := c.uintBE(4)
	frac := readFraction(c, meta)
	if sec == 0 && frac == 0 {
		return ZeroDatetime + formatFraction(0, meta)
	}
	return time.Unix(int64(sec), 0).UTC().Format(datetimeLayout) + formatFraction(frac, meta)
}

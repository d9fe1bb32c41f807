package consistency

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	nullMarker = "\x00"
	fieldSep   = "\x1f"
)

// canonical renders a scanned value so that equal data read through different drivers
// compares equal: numbers are normalized through decimal, times are UTC.
func canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return nullMarker
	case []byte:
		return canonicalText(string(x))
	case string:
		return canonicalText(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return decimal.NewFromFloat32(x).String()
	case float64:
		return decimal.NewFromFloat(x).String()
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05.999999")
	default:
		return fmt.Sprint(x)
	}
}

func canonicalText(s string) string {
	if d, err := decimal.NewFromString(s); err == nil && looksNumeric(s) {
		return d.String()
	}
	return s
}

// looksNumeric rejects strings decimal would accept but that are text to a database, like "1e5".
func looksNumeric(s string) bool {
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
		case (r == '-' || r == '+') && i == 0:
		default:
			return false
		}
	}
	return s != ""
}

type cursor struct {
	rows  *sql.Rows
	width int
	keys  []int
	done  bool
}

func openCursor(rows *sql.Rows, scope Scope) *cursor {
	c := &cursor{rows: rows, width: len(scope.Columns)}
	for _, k := range scope.Keys {
		for i, col := range scope.Columns {
			if strings.EqualFold(col, k) {
				c.keys = append(c.keys, i)
				break
			}
		}
	}
	return c
}

// next reads up to n canonical rows; fewer means the cursor is exhausted.
func (c *cursor) next(n int) ([][]string, error) {
	var out [][]string
	for len(out) < n && !c.done {
		if !c.rows.Next() {
			c.done = true
			if err := c.rows.Err(); err != nil {
				return nil, err
			}
			break
		}
		vals := make([]any, c.width)
		ptrs := make([]any, c.width)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := c.rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, c.width)
		for i, v := range vals {
			row[i] = canonical(v)
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *cursor) key(row []string) string {
	parts := make([]string, len(c.keys))
	for i, idx := range c.keys {
		parts[i] = row[idx]
	}
	return strings.Join(parts, ",")
}

func encodeRow(row []string) []byte {
	return []byte(strings.Join(row, fieldSep) + "\x1e")
}

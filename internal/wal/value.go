package wal

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// unchangedToast is what test_decoding prints for a TOASTed column the change did not touch.
const unchangedToast = "unchanged-toast-datum"

// rawValue is one column value as printed by a logical decoding plugin.
type rawValue struct {
	Name   string
	Type   string
	Text   string
	Quoted bool
}

// isNull reports the unquoted null literal.
func (v rawValue) isNull() bool {
	return !v.Quoted && v.Text == "null"
}

func (v rawValue) isUnchangedToast() bool {
	return !v.Quoted && v.Text == unchangedToast
}

// convert turns a plugin's text rendering into a Go value by declared column type.
// Types without a dedicated conversion are kept as text.
func convert(v rawValue) (any, error) {
	if v.isNull() {
		return nil, nil
	}
	typ := strings.ToLower(v.Type)
	if i := strings.IndexByte(typ, '('); i >= 0 {
		typ = typ[:i]
	}
	text := v.Text
	switch typ {
	case "smallint", "integer", "bigint", "tinyint", "binary_integer", "int2", "int4", "int8", "oid", "int":
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: parse %s %q: %w", v.Name, typ, text, err)
		}
		return n, nil
	case "numeric", "decimal", "number":
		d, err := decimal.NewFromString(text)
		if err != nil {
			// NaN and Infinity have no decimal form
			return text, nil
		}
		return d, nil
	case "real", "float4", "double precision", "float8", "binary_double", "float":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: parse %s %q: %w", v.Name, typ, text, err)
		}
		return f, nil
	case "boolean", "bool":
		switch strings.ToLower(text) {
		case "true", "t":
			return true, nil
		case "false", "f":
			return false, nil
		}
		return nil, fmt.Errorf("column %s: parse boolean %q", v.Name, text)
	case "bytea":
		if !strings.HasPrefix(text, `\x`) {
			return []byte(text), nil
		}
		b, err := hex.DecodeString(text[2:])
		if err != nil {
			return nil, fmt.Errorf("column %s: parse bytea: %w", v.Name, err)
		}
		return b, nil
	case "money":
		return strings.NewReplacer("$", "", ",", "").Replace(text), nil
	}
	return text, nil
}

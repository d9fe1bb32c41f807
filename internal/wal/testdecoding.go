package wal

import (
	"fmt"
	"strings"
)

// change is a row change parsed from a plugin message, before conversion.
type change struct {
	Table string
	Op    string
	Old   []rawValue // old-key image of UPDATE, tuple of DELETE
	New   []rawValue // tuple of INSERT and UPDATE
}

// parseTestDecoding parses one test_decoding message. It returns nil for messages that
// are not row changes (BEGIN, COMMIT, messages of other kinds).
//
//	table public.t_order: INSERT: order_id[integer]:1 status[character varying]:'new'
//	table public.t_order: UPDATE: old-key: order_id[integer]:1 new-tuple: order_id[integer]:2 ...
//	table public.t_order: DELETE: order_id[integer]:2
func parseTestDecoding(msg string) (*change, error) {
	if !strings.HasPrefix(msg, "table ") {
		return nil, nil
	}
	rest := msg[len("table "):]
	i := strings.Index(rest, ": ")
	if i < 0 {
		return nil, fmt.Errorf("test_decoding: missing operation in %q", msg)
	}
	ch := &change{Table: unquoteName(rest[:i])}
	rest = rest[i+2:]
	j := strings.IndexByte(rest, ':')
	if j < 0 {
		return nil, fmt.Errorf("test_decoding: missing operation in %q", msg)
	}
	ch.Op = rest[:j]
	rest = strings.TrimPrefix(rest[j+1:], " ")

	switch ch.Op {
	case "INSERT", "UPDATE", "DELETE":
	default:
		// TRUNCATE and future operations carry no row images
		return ch, nil
	}
	if strings.HasPrefix(rest, "(no-tuple data)") {
		return ch, nil
	}

	old, tuple, err := parseTuples(rest)
	if err != nil {
		return nil, fmt.Errorf("test_decoding: %s: %w", ch.Table, err)
	}
	switch ch.Op {
	case "INSERT":
		ch.New = tuple
	case "UPDATE":
		ch.Old, ch.New = old, tuple
	case "DELETE":
		ch.Old = tuple
	}
	return ch, nil
}

// parseTuples reads "name[type]:value" columns, splitting on the old-key: and new-tuple: markers.
func parseTuples(s string) (old, tuple []rawValue, err error) {
	target := &tuple
	for {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return old, tuple, nil
		}
		switch {
		case strings.HasPrefix(s, "old-key:"):
			target = &old
			s = s[len("old-key:"):]
			continue
		case strings.HasPrefix(s, "new-tuple:"):
			target = &tuple
			s = s[len("new-tuple:"):]
			continue
		}
		var v rawValue
		v, s, err = parseColumn(s)
		if err != nil {
			return nil, nil, err
		}
		*target = append(*target, v)
	}
}

func parseColumn(s string) (rawValue, string, error) {
	var v rawValue
	var err error
	if strings.HasPrefix(s, `"`) {
		v.Name, s, err = readQuoted(s, '"')
		if err != nil {
			return v, "", err
		}
	} else {
		i := strings.IndexByte(s, '[')
		if i < 0 {
			return v, "", fmt.Errorf("column without type near %q", truncate(s))
		}
		v.Name, s = s[:i], s[i:]
	}
	if !strings.HasPrefix(s, "[") {
		return v, "", fmt.Errorf("column %s without type", v.Name)
	}
	// array types print as "integer[]", so the type ends at "]:"
	end := strings.Index(s, "]:")
	if end < 0 {
		return v, "", fmt.Errorf("column %s: unterminated type", v.Name)
	}
	v.Type, s = s[1:end], s[end+2:]

	if strings.HasPrefix(s, "'") {
		v.Quoted = true
		v.Text, s, err = readQuoted(s, '\'')
		return v, s, err
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		v.Text, s = s[:i], s[i:]
	} else {
		v.Text, s = s, ""
	}
	return v, s, nil
}

// readQuoted reads a quoted token whose quote character is escaped by doubling.
func readQuoted(s string, quote byte) (string, string, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		if s[i] != quote {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == quote {
			b.WriteByte(quote)
			i++
			continue
		}
		return b.String(), s[i+1:], nil
	}
	return "", "", fmt.Errorf("unterminated quoted value near %q", truncate(s))
}

// unquoteName strips identifier quotes from each part of a possibly schema-qualified name.
func unquoteName(name string) string {
	if !strings.Contains(name, `"`) {
		return name
	}
	var parts []string
	for name != "" {
		if name[0] == '"' {
			part, rest, err := readQuoted(name, '"')
			if err != nil {
				return name
			}
			parts = append(parts, part)
			name = strings.TrimPrefix(rest, ".")
			continue
		}
		i := strings.IndexByte(name, '.')
		if i < 0 {
			parts = append(parts, name)
			break
		}
		parts = append(parts, name[:i])
		name = name[i+1:]
	}
	return strings.Join(parts, ".")
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

package position

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
)

const (
	versionPrefix = "v2"
	sep           = "|"
	present       = "="
)

// Encode serializes p in the current versioned format, e.g. "v2|pk|i|1|500" or "v2|binlog|mysql-bin.000003|4".
func Encode(p Position) string {
	if p == nil {
		p = Placeholder{}
	}
	parts := []string{versionPrefix, string(p.Kind())}
	switch v := p.(type) {
	case PrimaryKeyRange:
		parts = append(parts, string(v.Type), encodeBound(v.Type, v.Lower), encodeBound(v.Type, v.Upper))
	case LogSequence:
		parts = append(parts, url.PathEscape(v.File), strconv.FormatUint(v.Offset, 10))
	case LSN:
		parts = append(parts, pglogrepl.LSN(v.Value).String())
	}
	return strings.Join(parts, sep)
}

// string bounds are prefixed with "=" so the empty string and an unbounded side stay distinct
func encodeBound(t KeyType, v any) string {
	if v == nil {
		return ""
	}
	if t == StringKey {
		return present + url.PathEscape(fmt.Sprint(v))
	}
	return fmt.Sprint(v)
}

// Decode parses the versioned format produced by Encode and the legacy unversioned one:
// "" (placeholder), "finished", "i,1,500" / "s,a,z" (key range), "file#offset" (binlog)
// and a bare decimal or "X/Y" LSN.
func Decode(s string) (Position, error) {
	if strings.HasPrefix(s, versionPrefix+sep) {
		return decodeV2(strings.Split(s, sep)[1:])
	}
	return decodeLegacy(s)
}

// MustDecode is Decode for trusted literals.
func MustDecode(s string) Position {
	p, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return p
}

func decodeV2(parts []string) (Position, error) {
	switch Kind(parts[0]) {
	case KindPlaceholder:
		return Placeholder{}, nil
	case KindFinished:
		return Finished{}, nil
	case KindKeyRange:
		if len(parts) != 4 || len(parts[1]) != 1 {
			return nil, fmt.Errorf("position: malformed key range %q", strings.Join(parts, sep))
		}
		t := KeyType(parts[1][0])
		lower, err := decodeBound(t, parts[2])
		if err != nil {
			return nil, err
		}
		upper, err := decodeBound(t, parts[3])
		if err != nil {
			return nil, err
		}
		return PrimaryKeyRange{Type: t, Lower: lower, Upper: upper}, nil
	case KindLogSequence:
		if len(parts) != 3 {
			return nil, fmt.Errorf("position: malformed binlog position %q", strings.Join(parts, sep))
		}
		file, err := url.PathUnescape(parts[1])
		if err != nil {
			return nil, fmt.Errorf("position: bad binlog file name: %w", err)
		}
		offset, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("position: bad binlog offset: %w", err)
		}
		return LogSequence{File: file, Offset: offset}, nil
	case KindLSN:
		if len(parts) != 2 {
			return nil, fmt.Errorf("position: malformed wal position %q", strings.Join(parts, sep))
		}
		lsn, err := pglogrepl.ParseLSN(parts[1])
		if err != nil {
			return nil, fmt.Errorf("position: bad lsn: %w", err)
		}
		return LSN{Value: uint64(lsn)}, nil
	}
	return nil, fmt.Errorf("position: unknown kind %q", parts[0])
}

func decodeBound(t KeyType, s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	switch t {
	case IntegerKey:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("position: bad integer bound %q: %w", s, err)
		}
		return v, nil
	case StringKey:
		v, err := url.PathUnescape(strings.TrimPrefix(s, present))
		if err != nil {
			return nil, fmt.Errorf("position: bad string bound %q: %w", s, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("position: unknown key type %q", string(t))
}

func decodeLegacy(s string) (Position, error) {
	switch {
	case s == "":
		return Placeholder{}, nil
	case s == "finished":
		return Finished{}, nil
	case strings.HasPrefix(s, "i,") || strings.HasPrefix(s, "s,"):
		fields := strings.SplitN(s, ",", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("position: malformed legacy key range %q", s)
		}
		t := KeyType(s[0])
		r := PrimaryKeyRange{Type: t}
		if t == IntegerKey {
			var err error
			if r.Lower, err = decodeBound(t, fields[1]); err != nil {
				return nil, err
			}
			if r.Upper, err = decodeBound(t, fields[2]); err != nil {
				return nil, err
			}
			return r, nil
		}
		if fields[1] != "" {
			r.Lower = fields[1]
		}
		if fields[2] != "" {
			r.Upper = fields[2]
		}
		return r, nil
	case strings.Contains(s, "#"):
		i := strings.LastIndex(s, "#")
		offset, err := strconv.ParseUint(s[i+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("position: bad legacy binlog offset %q: %w", s, err)
		}
		return LogSequence{File: s[:i], Offset: offset}, nil
	case strings.Contains(s, "/"):
		lsn, err := pglogrepl.ParseLSN(s)
		if err != nil {
			return nil, fmt.Errorf("position: bad legacy lsn %q: %w", s, err)
		}
		return LSN{Value: uint64(lsn)}, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("position: unrecognized legacy position %q", s)
	}
	return LSN{Value: v}, nil
}

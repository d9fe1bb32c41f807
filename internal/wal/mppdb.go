package wal

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// mppTableData is one row change of openGauss' mppdb_decoding plugin.
type mppTableData struct {
	TableName   string   `json:"table_name"`
	OpType      string   `json:"op_type"`
	ColumnsName []string `json:"columns_name"`
	ColumnsType []string `json:"columns_type"`
	ColumnsVal  []string `json:"columns_val"`
	OldKeysName []string `json:"old_keys_name"`
	OldKeysType []string `json:"old_keys_type"`
	OldKeysVal  []string `json:"old_keys_val"`
}

// parseMppdb parses one mppdb_decoding message. Transaction markers ("BEGIN 1",
// "COMMIT 1 (at ...) CSN 3468", "commit xid: 1006076") and anything else that is not a JSON
// row change return nil.
func parseMppdb(msg string) (*change, error) {
	if !strings.HasPrefix(strings.TrimSpace(msg), "{") {
		return nil, nil
	}
	var data mppTableData
	if err := json.UnmarshalFromString(msg, &data); err != nil {
		return nil, fmt.Errorf("mppdb_decoding: %w", err)
	}
	ch := &change{Table: data.TableName, Op: strings.ToUpper(data.OpType)}
	var err error
	switch ch.Op {
	case "INSERT":
		ch.New, err = mppValues(data.ColumnsName, data.ColumnsType, data.ColumnsVal)
	case "UPDATE":
		if ch.New, err = mppValues(data.ColumnsName, data.ColumnsType, data.ColumnsVal); err == nil {
			ch.Old, err = mppValues(data.OldKeysName, data.OldKeysType, data.OldKeysVal)
		}
	case "DELETE":
		ch.Old, err = mppValues(data.OldKeysName, data.OldKeysType, data.OldKeysVal)
	default:
		return nil, fmt.Errorf("mppdb_decoding: unknown op_type %q on %s", data.OpType, data.TableName)
	}
	if err != nil {
		return nil, fmt.Errorf("mppdb_decoding: %s: %w", data.TableName, err)
	}
	return ch, nil
}

func mppValues(names, types, values []string) ([]rawValue, error) {
	if len(names) != len(types) || len(names) != len(values) {
		return nil, fmt.Errorf("%d names, %d types and %d values", len(names), len(types), len(values))
	}
	out := make([]rawValue, len(names))
	for i, name := range names {
		v := rawValue{Name: name, Type: types[i], Text: values[i]}
		if strings.HasPrefix(v.Text, "'") {
			text, rest, err := readQuoted(v.Text, '\'')
			if err != nil || rest != "" {
				return nil, fmt.Errorf("column %s: malformed value %q", name, truncate(values[i]))
			}
			v.Text, v.Quoted = text, true
		}
		out[i] = v
	}
	return out, nil
}

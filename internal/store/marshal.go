package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/querysql"
)

// marshalKeys converts journal keys to JSON TEXT.
// Uses json.Encoder with HTML escaping disabled so pending tokens are
// stored verbatim.
func marshalKeys(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(keys); err != nil {
		return "", fmt.Errorf("marshal keys: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalKeys parses journal keys JSON TEXT.
func unmarshalKeys(data string) ([]string, error) {
	keys := []string{}
	if data == "" {
		return keys, nil
	}
	if err := json.Unmarshal([]byte(data), &keys); err != nil {
		return nil, fmt.Errorf("unmarshal keys: %w", err)
	}
	return keys, nil
}

// decodeRecord builds a record from scanned columns. NULL columns are
// omitted so optional fields read back absent, matching records that
// never set them.
func decodeRecord(spec *ir.CollectionSpec, cols []string, raw []any) (ir.IRObject, error) {
	rec := make(ir.IRObject, len(cols))
	for i, col := range cols {
		if raw[i] == nil {
			continue
		}
		v, err := querysql.Decode(querysql.ColumnType(spec, col), raw[i])
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", spec.Name, col, err)
		}
		rec[col] = v
	}
	return rec, nil
}

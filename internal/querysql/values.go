package querysql

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/livedb/internal/ir"
)

// irValueToParam converts an ir.IRValue to a Go native type for an SQL
// parameter. Real keys become their integer; pending keys have no backend
// identity and are rejected. Arrays and objects are stored as canonical
// JSON text.
func irValueToParam(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRBool:
		return bool(val), nil
	case ir.IRNull, nil:
		return nil, nil
	case ir.Key:
		id, ok := val.ID()
		if !ok {
			return nil, fmt.Errorf("pending key %s cannot be used as SQL parameter", val)
		}
		return int64(id), nil
	case ir.IRArray, ir.IRObject:
		data, err := ir.EncodeCanonical(val)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return nil, fmt.Errorf("unsupported IRValue type for SQL parameter: %T", v)
	}
}

// Param converts a record value into a column parameter.
func Param(v ir.IRValue) (any, error) {
	return irValueToParam(v)
}

// Decode converts a scanned column value back into an IRValue of the
// declared field type. NULL decodes to IRNull.
func Decode(typ string, raw any) (ir.IRValue, error) {
	if raw == nil {
		return ir.IRNull{}, nil
	}
	switch typ {
	case "string":
		switch v := raw.(type) {
		case string:
			return ir.IRString(v), nil
		case []byte:
			return ir.IRString(string(v)), nil
		}
	case "int":
		if n, ok := raw.(int64); ok {
			return ir.IRInt(n), nil
		}
	case "bool":
		switch v := raw.(type) {
		case int64:
			return ir.IRBool(v != 0), nil
		case bool:
			return ir.IRBool(v), nil
		}
	case "key":
		if n, ok := raw.(int64); ok && n >= 0 {
			return ir.RealKey(uint64(n)), nil
		}
	case "array", "object":
		var data []byte
		switch v := raw.(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			return nil, fmt.Errorf("decode %s: unexpected %T", typ, raw)
		}
		if typ == "object" {
			obj, err := ir.DecodeObject(data)
			if err != nil {
				return nil, fmt.Errorf("decode object: %w", err)
			}
			return obj, nil
		}
		var arr ir.IRArray
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		return arr, nil
	default:
		// Untyped columns (aggregates, unknown tables).
		return ir.FromGo(raw)
	}
	return nil, fmt.Errorf("decode %s: unexpected %T", typ, raw)
}

package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Decode converts the raw text of a single column value into a Go value
// according to its SQL type. NULLs never reach here; the protocol layer
// maps the \N marker to nil before decoding.
func Decode(typeName, raw string) (any, error) {
	switch typeName {
	case "int2", "smallint":
		v, err := strconv.ParseInt(raw, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("decode %s %q: %w", typeName, raw, err)
		}
		return int16(v), nil
	case "int4", "int", "integer":
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("decode %s %q: %w", typeName, raw, err)
		}
		return int32(v), nil
	case "int8", "bigint":
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode %s %q: %w", typeName, raw, err)
		}
		return v, nil
	case "float4", "real":
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return nil, fmt.Errorf("decode %s %q: %w", typeName, raw, err)
		}
		return float32(v), nil
	case "float8", "double", "double precision", "numeric":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("decode %s %q: %w", typeName, raw, err)
		}
		return v, nil
	case "bool", "boolean":
		switch raw {
		case "t", "true":
			return true, nil
		case "f", "false":
			return false, nil
		}
		return nil, fmt.Errorf("decode %s: unrecognized value %q", typeName, raw)
	case "text", "varchar", "character varying", "char", "bpchar":
		return raw, nil
	case "uuid":
		v, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decode uuid %q: %w", raw, err)
		}
		return v.String(), nil
	case "timestamp", "timestamp without time zone":
		v, err := time.Parse("2006-01-02 15:04:05.999999", raw)
		if err != nil {
			return nil, fmt.Errorf("decode timestamp %q: %w", raw, err)
		}
		return v, nil
	case "timestamptz", "timestamp with time zone":
		v, err := time.Parse("2006-01-02 15:04:05.999999-07", raw)
		if err != nil {
			return nil, fmt.Errorf("decode timestamptz %q: %w", raw, err)
		}
		return v, nil
	case "date":
		v, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, fmt.Errorf("decode date %q: %w", raw, err)
		}
		return v, nil
	case "time", "time without time zone":
		v, err := time.Parse("15:04:05.999999", raw)
		if err != nil {
			return nil, fmt.Errorf("decode time %q: %w", raw, err)
		}
		return v, nil
	case "json", "jsonb":
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", typeName, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported SQL type %q", typeName)
}

// Supported reports whether a SQL type can be decoded.
func Supported(typeName string) bool {
	switch typeName {
	case "int2", "smallint", "int4", "int", "integer", "int8", "bigint",
		"float4", "real", "float8", "double", "double precision", "numeric",
		"bool", "boolean", "text", "varchar", "character varying", "char", "bpchar",
		"uuid", "timestamp", "timestamp without time zone",
		"timestamptz", "timestamp with time zone", "date",
		"time", "time without time zone", "json", "jsonb":
		return true
	}
	return false
}

// KeySupported reports whether a SQL type may serve as a primary key.
// Keys must decode to comparable values usable as map keys.
func KeySupported(typeName string) bool {
	switch typeName {
	case "int2", "smallint", "int4", "int", "integer", "int8", "bigint",
		"text", "varchar", "character varying", "char", "bpchar", "uuid",
		"bool", "boolean":
		return true
	}
	return false
}

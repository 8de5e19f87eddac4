package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		typeName string
		raw      string
		want     any
	}{
		{"int2", "42", int16(42)},
		{"smallint", "-1", int16(-1)},
		{"int4", "100000", int32(100000)},
		{"integer", "7", int32(7)},
		{"int8", "9000000000", int64(9000000000)},
		{"bigint", "-5", int64(-5)},
		{"float4", "1.5", float32(1.5)},
		{"float8", "2.25", 2.25},
		{"double precision", "2.25", 2.25},
		{"numeric", "19.99", 19.99},
		{"bool", "t", true},
		{"boolean", "false", false},
		{"text", "hello", "hello"},
		{"varchar", "", ""},
		{"uuid", "6F9619FF-8B86-D011-B42D-00C04FC964FF", "6f9619ff-8b86-d011-b42d-00c04fc964ff"},
		{"date", "2026-03-15", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"json", `{"a":1}`, map[string]any{"a": 1.0}},
		{"jsonb", `[1,2]`, []any{1.0, 2.0}},
	}
	for _, tt := range tests {
		t.Run(tt.typeName, func(t *testing.T) {
			got, err := Decode(tt.typeName, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeTimestamps(t *testing.T) {
	got, err := Decode("timestamp", "2026-03-15 10:30:00.123456")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 10, 30, 0, 123456000, time.UTC), got)

	got, err = Decode("timestamptz", "2026-03-15 10:30:00.5+00")
	require.NoError(t, err)
	ts, ok := got.(time.Time)
	require.True(t, ok)
	assert.True(t, ts.Equal(time.Date(2026, 3, 15, 10, 30, 0, 500000000, time.UTC)))

	got, err = Decode("time", "23:59:59.999")
	require.NoError(t, err)
	assert.Equal(t, 23, got.(time.Time).Hour())
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		typeName string
		raw      string
	}{
		{"int overflow", "int2", "40000"},
		{"not a number", "int8", "seven"},
		{"bad float", "float8", "NaN-ish"},
		{"bad bool", "bool", "yes"},
		{"bad uuid", "uuid", "not-a-uuid"},
		{"bad timestamp", "timestamp", "yesterday"},
		{"bad json", "jsonb", "{"},
		{"unsupported type", "geometry", "POINT(0 0)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.typeName, tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("int8"))
	assert.True(t, Supported("timestamp with time zone"))
	assert.False(t, Supported("geometry"))
	assert.False(t, Supported(""))
}

func TestKeySupported(t *testing.T) {
	assert.True(t, KeySupported("int8"))
	assert.True(t, KeySupported("uuid"))
	assert.True(t, KeySupported("text"))
	assert.False(t, KeySupported("jsonb"))
	assert.False(t, KeySupported("timestamptz"))
	assert.False(t, KeySupported("float8"))
}

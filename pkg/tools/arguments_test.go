package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeArguments_Shapes(t *testing.T) {
	t.Parallel()

	want := map[string]any{"product_id": "PROD-001"}

	tests := []struct {
		name string
		raw  any
	}{
		{name: "json text", raw: `{"product_id":"PROD-001"}`},
		{name: "bytes", raw: []byte(`{"product_id":"PROD-001"}`)},
		{name: "raw message", raw: json.RawMessage(`{"product_id":"PROD-001"}`)},
		{name: "decoded object", raw: map[string]any{"product_id": "PROD-001"}},
		{name: "struct", raw: struct {
			ProductID string `json:"product_id"`
		}{ProductID: "PROD-001"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			args, err := NormalizeArguments(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, want, args)
		})
	}
}

func TestNormalizeArguments_EmptyIsEmptyObject(t *testing.T) {
	t.Parallel()

	for _, raw := range []any{nil, "", "   ", []byte{}, map[string]any(nil), "null", " null\n", []byte("null"), json.RawMessage("null")} {
		args, err := NormalizeArguments(raw)
		require.NoError(t, err)
		assert.Empty(t, args)
		assert.NotNil(t, args)
	}
}

func TestNormalizeArguments_RejectsNonObjects(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`[1,2]`, `"text"`, `42`, `true`} {
		_, err := NormalizeArguments(raw)
		require.ErrorIs(t, err, ErrInvalidArguments, raw)
	}
}

func TestNormalizeArguments_Strict(t *testing.T) {
	t.Parallel()

	tests := []string{
		`{"a":1} {"b":2}`,
		`{"a":1}garbage`,
		`{'a': 1}`,
		`{"a": os.system("rm -rf /")}`,
		`{"a":`,
	}

	for _, raw := range tests {
		_, err := NormalizeArguments(raw)
		require.Error(t, err, raw)
	}
}

func TestNormalizeArguments_KeepsNumbersExact(t *testing.T) {
	t.Parallel()

	args, err := NormalizeArguments(`{"quantity": 12345678901234567890}`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("12345678901234567890"), args["quantity"])
}

func TestStripNulls(t *testing.T) {
	t.Parallel()

	in := map[string]any{"a": nil, "b": "x", "c": 0}
	args := StripNulls(in)
	assert.Equal(t, map[string]any{"b": "x", "c": 0}, args)
	assert.Equal(t, map[string]any{"a": nil, "b": "x", "c": 0}, in)
}

func TestValidateArguments(t *testing.T) {
	t.Parallel()

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"priority": map[string]any{
				"type": "string",
				"enum": []any{"low", "medium", "high"},
			},
		},
		"required": []any{"priority"},
	}

	require.NoError(t, ValidateArguments(schema, map[string]any{"priority": "high"}))
	require.NoError(t, ValidateArguments(nil, map[string]any{"anything": true}))

	err := ValidateArguments(schema, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority")

	err = ValidateArguments(schema, map[string]any{"priority": "urgent"})
	require.Error(t, err)
}

package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidArguments is returned when tool arguments are not a JSON object.
var ErrInvalidArguments = errors.New("tool arguments must be a JSON object")

// NormalizeArguments turns whatever shape the transport delivered into an
// argument object. Raw JSON text, bytes, json.RawMessage and already decoded
// maps are accepted; an empty payload or a JSON null is an empty object.
// Nothing besides JSON decoding is ever applied to the input.
func NormalizeArguments(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		if v == nil {
			return map[string]any{}, nil
		}
		return v, nil
	case string:
		return decodeObject([]byte(v))
	case []byte:
		return decodeObject(v)
	case json.RawMessage:
		return decodeObject(v)
	default:
		// Structs and other Go values: round-trip through JSON so the
		// result has the same shape a remote caller would have sent.
		buf, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding tool arguments: %w", err)
		}
		return decodeObject(buf)
	}
}

func decodeObject(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := DecodeArguments(string(data), &args); err != nil {
		return nil, err
	}
	if args == nil {
		// null
		return map[string]any{}, nil
	}
	return args, nil
}

// DecodeArguments strictly decodes a JSON document into v: a single value
// with no trailing data, numbers kept as json.Number when v is untyped.
func DecodeArguments(data string, v any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "" {
			return ErrInvalidArguments
		}
		return fmt.Errorf("parsing tool arguments: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("parsing tool arguments: unexpected data after JSON value")
	}
	return nil
}

// StripNulls returns a copy of args without the keys whose value is an
// explicit null. Optional parameters are sometimes sent as null by models.
// args itself is left untouched.
func StripNulls(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// ValidateArguments checks args against a JSON schema. A nil schema accepts
// anything.
func ValidateArguments(schema any, args map[string]any) error {
	if schema == nil {
		return nil
	}

	schemaMap, err := SchemaToMap(schema)
	if err != nil {
		return fmt.Errorf("converting schema: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schemaMap), gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("validating tool arguments: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("arguments do not match schema: %s", strings.Join(msgs, "; "))
}

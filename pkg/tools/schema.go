package tools

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// MustSchemaFor infers the input schema of T from its json and jsonschema
// struct tags. It panics on types that cannot be described, which is a
// programming error for the built-in tools.
func MustSchemaFor[T any]() any {
	schema, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return schema
}

func SchemaFor[T any]() (any, error) {
	return jsonschema.For[T](&jsonschema.ForOptions{})
}

// SchemaToMap converts any schema value (a *jsonschema.Schema, a map, an
// MCP input schema) into a plain JSON object usable in a platform function
// declaration. The result always describes an object with properties.
func SchemaToMap(params any) (map[string]any, error) {
	m := map[string]any{}
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(buf, &m); err != nil {
			return nil, err
		}
	}

	if m["type"] == nil {
		m["type"] = "object"
	}
	if m["properties"] == nil {
		m["properties"] = map[string]any{}
	}
	if m["required"] == nil {
		delete(m, "required")
	}

	ensurePropertyTypes(m)

	return m, nil
}

// ensurePropertyTypes defaults every untyped property to "object",
// descending into nested properties and array items.
func ensurePropertyTypes(schema map[string]any) {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}

	for _, v := range props {
		prop, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if prop["type"] == nil {
			prop["type"] = "object"
		}
		ensurePropertyTypes(prop)
		if items, ok := prop["items"].(map[string]any); ok {
			ensurePropertyTypes(items)
		}
	}
}

// Package schema validates generic config maps against JSON schemas.
package schema

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a JSON schema document in Go form.
type Schema = map[string]any

// Object builds an object schema with the given properties and required keys.
func Object(properties map[string]any, required ...string) Schema {
	s := Schema{
		"type":       "object",
		"properties": properties,
	}

	if len(required) > 0 {
		s["required"] = required
	}

	return s
}

// String, Integer, Boolean and friends are property shorthands.
func String(description string) Schema {
	return Schema{"type": "string", "minLength": 1, "description": description}
}

func OptionalString(description string) Schema {
	return Schema{"type": "string", "description": description}
}

func Integer(description string, minimum int) Schema {
	return Schema{"type": "integer", "minimum": minimum, "description": description}
}

func Enum(description string, values ...string) Schema {
	return Schema{"type": "string", "enum": values, "description": description}
}

func StringMap(description string) Schema {
	return Schema{"type": "object", "additionalProperties": Schema{"type": "string"}, "description": description}
}

func Any(description string) Schema {
	return Schema{"description": description}
}

// Validate returns one problem per schema violation, prefixed with prefix. A nil schema
// accepts everything.
func Validate(prefix string, s Schema, data map[string]any) []string {
	if s == nil {
		return nil
	}

	if data == nil {
		data = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(s), gojsonschema.NewGoLoader(data))
	if err != nil {
		return []string{fmt.Sprintf("%s: %v", prefix, err)}
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", prefix, desc.String()))
	}

	return problems
}

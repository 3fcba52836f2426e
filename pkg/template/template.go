// Package template interpolates {{path}} placeholders against a record.
package template

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/dukex/nurture/pkg/conditions"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render replaces every {{path}} in input with the value found at path in data. Missing paths
// render as the empty string.
func Render(input string, data map[string]any) string {
	if !NeedsTemplating(input) {
		return input
	}

	return placeholder.ReplaceAllStringFunc(input, func(match string) string {
		path := placeholder.FindStringSubmatch(match)[1]

		value, ok := conditions.Resolve(data, path)
		if !ok || value == nil {
			return ""
		}

		return stringify(value)
	})
}

// NeedsTemplating reports whether input contains a placeholder.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// RenderValue walks maps and slices and renders every string inside.
func RenderValue(value any, data map[string]any) any {
	switch v := value.(type) {
	case string:
		return Render(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = RenderValue(item, data)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = RenderValue(item, data)
		}

		return out
	default:
		return value
	}
}

// RenderMap renders the values of a string map.
func RenderMap(values map[string]string, data map[string]any) map[string]string {
	if values == nil {
		return nil
	}

	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = Render(v, data)
	}

	return out
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any, []any, []string, map[string]string:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}

		return string(raw)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}

		return strings.Trim(string(raw), `"`)
	}
}

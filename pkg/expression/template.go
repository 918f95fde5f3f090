package expression

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RenderTemplate interpolates {{expression}} placeholders against the given
// environment. Notification subjects/bodies and API call URL/body templates
// use this; the inner expressions run through the same engine as conditions.
func (e *Engine) RenderTemplate(template string, env map[string]interface{}) (string, error) {
	var out strings.Builder
	rest := template

	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("template has unclosed {{ placeholder")
		}
		end += start

		out.WriteString(rest[:start])
		inner := strings.TrimSpace(rest[start+2 : end])
		if inner == "" {
			return "", fmt.Errorf("template has empty placeholder")
		}

		result, err := e.Evaluate(inner, env)
		if err != nil {
			return "", fmt.Errorf("template placeholder %q: %w", inner, err)
		}
		out.WriteString(stringify(result))

		rest = rest[end+2:]
	}

	return out.String(), nil
}

// stringify renders an expression result for template output. Structured
// values are JSON-encoded so body templates can embed objects.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64, float32, int, int64, int32:
		return fmt.Sprintf("%v", val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

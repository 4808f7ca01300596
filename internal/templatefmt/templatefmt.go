package templatefmt

import (
	"encoding/json"
	"strings"
	"text/template"
	"time"
)

// FuncMap returns shared payload template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"json":    MarshalJSON,
		"rfc3339": FormatRFC3339,
		"upper":   strings.ToUpper,
	}
}

// ParsePayloadTemplate parses one adapter payload template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParsePayloadTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatRFC3339 renders timestamps for provider payload embedding.
// Params: template value expected as time.Time or *time.Time.
// Returns: RFC3339 string in UTC, empty for nil/zero values.
func FormatRFC3339(value any) string {
	switch typed := value.(type) {
	case time.Time:
		if typed.IsZero() {
			return ""
		}
		return typed.UTC().Format(time.RFC3339)
	case *time.Time:
		if typed == nil || typed.IsZero() {
			return ""
		}
		return typed.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

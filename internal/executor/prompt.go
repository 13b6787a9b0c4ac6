package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches {{key}} and {{key.nested.path}} placeholders.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*)\s*\}\}`)

// RenderPrompt interpolates assembled input values into a prompt template.
// Placeholders use {{key}} syntax; dotted paths descend into nested maps.
// Scalar values are inserted verbatim, composite values as JSON.
//
// An unresolvable placeholder is an error: a prompt silently missing its
// inputs produces garbage generations that are much harder to diagnose.
func RenderPrompt(template string, input map[string]any) (string, error) {
	var missing []string

	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := lookupPath(input, strings.Split(path, "."))
		if !ok {
			missing = append(missing, path)
			return match
		}
		return formatValue(val)
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved prompt placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func lookupPath(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, part := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

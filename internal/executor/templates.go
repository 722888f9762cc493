package executor

import (
	"encoding/json"
	"strings"
)

// substituteArgs walks args and replaces any string value containing
// "${<step-id>}" with the named step's recorded output. A step referencing
// an output that never ran is left untouched — the tool itself receives
// the literal placeholder and is responsible for failing informatively.
func substituteArgs(args json.RawMessage, outputs map[string]string) json.RawMessage {
	if len(args) == 0 {
		return args
	}

	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return args
	}

	substituted := substituteValue(v, outputs)
	out, err := json.Marshal(substituted)
	if err != nil {
		return args
	}
	return out
}

func substituteValue(v any, outputs map[string]string) any {
	switch t := v.(type) {
	case string:
		return substituteString(t, outputs)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = substituteValue(val, outputs)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substituteValue(val, outputs)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, outputs map[string]string) string {
	for stepID, output := range outputs {
		placeholder := "${" + stepID + "}"
		if strings.Contains(s, placeholder) {
			s = strings.ReplaceAll(s, placeholder, output)
		}
	}
	return s
}

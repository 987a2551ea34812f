package store

import (
	"strings"
	"unicode/utf8"
)

// sanitizeUTF8 replaces invalid UTF-8 in s, including the encoded lone
// UTF-16 surrogates that survive a lossy decode, with U+FFFD (one per run of
// invalid bytes), mirroring the "surrogate replacement" encoding policy
// spec §6 requires for events.jsonl and session documents.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return sanitizeUTF8(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[sanitizeUTF8(k)] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

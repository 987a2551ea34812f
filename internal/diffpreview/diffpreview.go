// Package diffpreview renders the structured previews the tool runtime
// attaches to an InspectionResult: a unified diff for edit-style tools that
// can report their proposed before/after text, and a stable, pretty-printed
// JSON rendering of a tool call's arguments for everything else.
package diffpreview

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// UnifiedDiff renders a standard a/b unified diff between oldText and
// newText, matching the teacher corpus's difflib-backed preview style.
func UnifiedDiff(path, oldText, newText string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("render unified diff: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "(no diff)", nil
	}
	return text, nil
}

// ArgsJSON renders arguments as stable-key-order, pretty-printed JSON for a
// read-only preview (no file contents touched).
func ArgsJSON(args map[string]any) (string, error) {
	return CanonicalJSON(args)
}

// CanonicalJSON builds v's JSON representation with object keys in sorted
// order at every level and returns it pretty-printed, using sjson to
// assemble the document key-by-key and gjson's @pretty modifier to format
// it, instead of hand-rolled recursive map-walking.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("decode value: %w", err)
	}
	doc, err := canonicalize(generic)
	if err != nil {
		return "", err
	}
	return gjson.Parse(doc).Get("@pretty").String(), nil
}

func canonicalize(v any) (string, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		doc := "{}"
		var err error
		for _, k := range keys {
			var childRaw string
			childRaw, err = canonicalize(val[k])
			if err != nil {
				return "", err
			}
			doc, err = sjson.SetRaw(doc, EscapePathKey(k), childRaw)
			if err != nil {
				return "", fmt.Errorf("set key %q: %w", k, err)
			}
		}
		return doc, nil
	case []any:
		doc := "[]"
		for i, item := range val {
			childRaw, err := canonicalize(item)
			if err != nil {
				return "", err
			}
			doc, err = sjson.SetRaw(doc, fmt.Sprintf("%d", i), childRaw)
			if err != nil {
				return "", fmt.Errorf("set index %d: %w", i, err)
			}
		}
		return doc, nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("marshal leaf: %w", err)
		}
		return string(raw), nil
	}
}

// EscapePathKey escapes sjson path metacharacters (".", "*", "?") in an
// object key so it can be used as a literal path segment.
func EscapePathKey(k string) string {
	r := strings.NewReplacer(".", "\\.", "*", "\\*", "?", "\\?")
	return r.Replace(k)
}

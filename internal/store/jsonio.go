package store

import (
	"bytes"
	"encoding/json"
)

func marshalSorted(v any) ([]byte, error) {
	// encoding/json already sorts map[string]any keys; this wrapper exists
	// so SessionMeta's custom MarshalJSON reads like the rest of the stores.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	return b, nil
}

func unmarshalInto(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

package tools

import (
	"encoding/json"

	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
)

// cacheKey scopes a result to the dataset content, the tool and its canonical arguments.
func cacheKey(ds *dataset.Dataset, name string, canonical json.RawMessage) string {
	return "tool:" + ds.Fingerprint() + ":" + name + ":" + string(canonical)
}

// memoEntry keeps text results distinguishable from structured ones.
type memoEntry struct {
	Text  *string         `json:"text,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

func encodeResult(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return json.Marshal(memoEntry{Text: &s})
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(memoEntry{Value: raw})
}

// decodeResult returns text results as strings and structured results as raw JSON, which
// marshals back to the same bytes.
func decodeResult(b []byte) (any, error) {
	var e memoEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if e.Text != nil {
		return *e.Text, nil
	}
	return e.Value, nil
}

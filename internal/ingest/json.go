package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errEmptyPayload = errors.New("empty payload")

// DecodeDocuments accepts a single JSON object or an array of objects, the
// two shapes the Nightscout upload API takes.
func DecodeDocuments(data []byte) ([]map[string]any, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, errEmptyPayload
	}
	if trim[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, err
		}
		out := list[:0]
		for _, doc := range list {
			if doc != nil {
				out = append(out, doc)
			}
		}
		return out, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trim, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errEmptyPayload
	}
	return []map[string]any{obj}, nil
}

package llm

import (
	"encoding/json"
	"fmt"
)

// DropInvalidEntities validates each item of an entities document on its own
// and removes the ones that fail, so one bad span does not sink the whole
// response. It returns the cleaned document and the indexes it dropped.
func DropInvalidEntities(doc []byte, labels []string) ([]byte, []int, error) {
	var resp struct {
		Entities []json.RawMessage `json:"entities"`
	}
	if err := json.Unmarshal(doc, &resp); err != nil {
		return nil, nil, err
	}
	item, err := CompileSchema(buildEntityItemSchema(labels))
	if err != nil {
		return nil, nil, err
	}

	var dropped []int
	kept := make([]json.RawMessage, 0, len(resp.Entities))
	for i, raw := range resp.Entities {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			dropped = append(dropped, i)
			continue
		}
		if err := item.Validate(v); err != nil {
			dropped = append(dropped, i)
			continue
		}
		kept = append(kept, raw)
	}

	b, err := json.Marshal(map[string]any{"entities": kept})
	if err != nil {
		return nil, nil, fmt.Errorf("lenient: encode: %w", err)
	}
	return b, dropped, nil
}

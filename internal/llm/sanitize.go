package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/OpenUpSA/dexi/constants"
)

// NormalizeAndSanitizeJSON reshapes common model deviations into the entities
// document:
//   - a bare array is wrapped as {"entities": [...]}
//   - item synonyms (entity/name/value -> text, type/category/tag -> label) are renamed
//   - labels are canonicalized
//   - unknown keys are removed
func NormalizeAndSanitizeJSON(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var top any
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	dropped := make([]string, 0, 4)
	var items []any
	switch t := top.(type) {
	case []any:
		items = t
		dropped = append(dropped, "(bare array)")
	case map[string]any:
		for _, k := range []string{"entities", "named_entities", "results"} {
			if v, ok := t[k].([]any); ok {
				items = v
				if k != "entities" {
					dropped = append(dropped, k+"->entities")
				}
				break
			}
		}
	default:
		return nil, nil, fmt.Errorf("sanitize: unexpected top-level %T", top)
	}

	out := make([]map[string]any, 0, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			dropped = append(dropped, fmt.Sprintf("entities[%d](type)", i))
			continue
		}
		clean := map[string]any{}
		for _, k := range []string{"text", "entity", "name", "value", "span"} {
			if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
				clean["text"] = strings.TrimSpace(s)
				break
			}
		}
		for _, k := range []string{"label", "type", "category", "tag"} {
			if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
				clean["label"] = string(constants.CanonicalizeLabel(s))
				break
			}
		}
		if len(m) != len(clean) {
			dropped = append(dropped, fmt.Sprintf("entities[%d](keys)", i))
		}
		out = append(out, clean)
	}

	b, err := json.Marshal(map[string]any{"entities": out})
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(dropped) > 0 {
		logger.Warn("llm.tag.normalize_sanitize", "dropped", dropped)
	}
	return b, dropped, nil
}

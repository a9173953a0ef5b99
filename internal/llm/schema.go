package llm

// BuildEntitiesJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic map.
// We pass this to the model as an output constraint and also use it locally to validate.
func BuildEntitiesJSONSchema(labels []string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"entities": map[string]any{
				"type":  "array",
				"items": buildEntityItemSchema(labels),
			},
		},
		"required": []string{"entities"},
	}
}

func buildEntityItemSchema(labels []string) map[string]any {
	label := map[string]any{"type": "string", "minLength": 1}
	if len(labels) > 0 {
		label = map[string]any{"type": "string", "enum": labels}
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"text":  map[string]any{"type": "string", "minLength": 1, "maxLength": 512},
			"label": label,
		},
		"required": []string{"text", "label"},
	}
}

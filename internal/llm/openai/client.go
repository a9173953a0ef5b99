package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/internal/llm"
)

// Tag implements llm.Tagger using text-only chat/completions in JSON mode.
func (c *Client) Tag(ctx context.Context, req llm.TagRequest) ([]llm.Entity, []byte, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("llm.tag.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"text_len", len(req.Text),
		"labels", len(req.Labels),
	)

	schema := llm.BuildEntitiesJSONSchema(req.Labels)
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": llm.BuildSystemPrompt(req)},
			{"role": "user", "content": llm.BuildUserPrompt(req) + "\n\nReturn ONLY JSON that matches the provided schema."},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.log)
	if err != nil {
		c.log.Error("llm.tag.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, raw, fmt.Errorf("decode chat response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return nil, raw, fmt.Errorf("no choices in chat response")
	}
	content := []byte(stripFences(cc.Choices[0].Message.Content))

	if err := llm.ValidateJSONAgainstSchema(schema, content); err != nil {
		if c.cfg.Strict {
			c.log.Error("llm.tag.schema_validation_failed", "req_id", rid, "error", err)
			return nil, content, fmt.Errorf("schema validation failed: %w", err)
		}
		content, err = c.repair(rid, schema, content, req.Labels)
		if err != nil {
			return nil, content, err
		}
	}

	var out llm.EntitiesResponse
	if err := json.Unmarshal(content, &out); err != nil {
		return nil, content, fmt.Errorf("unmarshal entities: %w", err)
	}

	c.log.Info("llm.tag.ok",
		"req_id", rid,
		"entities", len(out.Entities),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out.Entities, content, nil
}

// repair normalizes the response shape, then drops items that still fail
// validation.
func (c *Client) repair(rid string, schema map[string]any, content []byte, labels []string) ([]byte, error) {
	normalized, _, err := llm.NormalizeAndSanitizeJSON(content, c.log)
	if err != nil {
		c.log.Error("llm.tag.sanitize_failed", "req_id", rid, "error", err)
		return content, fmt.Errorf("sanitize failed: %w", err)
	}
	cleaned, dropped, err := llm.DropInvalidEntities(normalized, labels)
	if err != nil {
		return normalized, fmt.Errorf("lenient sanitize failed: %w", err)
	}
	if err := llm.ValidateJSONAgainstSchema(schema, cleaned); err != nil {
		c.log.Error("llm.tag.schema_validation_failed", "req_id", rid, "error", err)
		return cleaned, fmt.Errorf("schema validation failed: %w", err)
	}
	c.log.Warn("llm.tag.lenient_sanitize_applied", "req_id", rid, "dropped", dropped)
	return cleaned, nil
}

// stripFences removes a ```json fence some models wrap around JSON mode output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

package llm

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestValidateEntitiesSchema(t *testing.T) {
	schema := BuildEntitiesJSONSchema([]string{"ORG", "PERSON"})
	if err := ValidateJSONAgainstSchema(schema, []byte(`{"entities":[{"text":"Acme Corp","label":"ORG"}]}`)); err != nil {
		t.Fatalf("valid doc rejected: %v", err)
	}
	if err := ValidateJSONAgainstSchema(schema, []byte(`{"entities":[{"text":"Acme Corp","label":"PLANET"}]}`)); err == nil {
		t.Fatal("label outside enum accepted")
	}
	if err := ValidateJSONAgainstSchema(schema, []byte(`{"items":[]}`)); err == nil {
		t.Fatal("missing entities accepted")
	}
}

func TestNormalizeAndSanitize(t *testing.T) {
	raw := []byte(`[{"entity":" Acme Corp ","type":"organization","score":0.9},{"name":"Jane","category":"per"},"junk"]`)
	out, dropped, err := NormalizeAndSanitizeJSON(raw, discard)
	if err != nil {
		t.Fatal(err)
	}
	var resp EntitiesResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entities) != 2 {
		t.Fatalf("entities = %+v", resp.Entities)
	}
	if resp.Entities[0] != (Entity{Text: "Acme Corp", Label: "ORG"}) || resp.Entities[1] != (Entity{Text: "Jane", Label: "PERSON"}) {
		t.Fatalf("entities = %+v", resp.Entities)
	}
	if len(dropped) == 0 {
		t.Fatal("expected dropped report")
	}
}

func TestDropInvalidEntities(t *testing.T) {
	doc := []byte(`{"entities":[{"text":"Acme","label":"ORG"},{"text":"","label":"ORG"},{"text":"x","label":"PLANET"},{"label":"ORG"}]}`)
	out, dropped, err := DropInvalidEntities(doc, []string{"ORG"})
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 3 || dropped[0] != 1 {
		t.Fatalf("dropped = %v", dropped)
	}
	if err := ValidateJSONAgainstSchema(BuildEntitiesJSONSchema([]string{"ORG"}), out); err != nil {
		t.Fatalf("cleaned doc invalid: %v", err)
	}
}

func TestChunkText(t *testing.T) {
	text := strings.Repeat("alpha beta gamma\n\n", 20)
	chunks := ChunkText(text, 50)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	var rebuilt strings.Builder
	for i, c := range chunks {
		if n := len([]rune(c.Text)); n > 50 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
		if c.Offset != len([]rune(rebuilt.String())) {
			t.Fatalf("chunk %d offset %d", i, c.Offset)
		}
		rebuilt.WriteString(c.Text)
	}
	if rebuilt.String() != text {
		t.Fatal("chunks do not reassemble the text")
	}

	if got := ChunkText("short", 50); len(got) != 1 || got[0].Text != "short" || got[0].Offset != 0 {
		t.Fatalf("short = %+v", got)
	}
}

func TestPromptsMentionLabels(t *testing.T) {
	req := TagRequest{Text: "Acme Corp", Labels: []string{"ORG", "MISC"}, Hint: "memo.txt"}
	if sys := BuildSystemPrompt(req); !strings.Contains(sys, "ORG, MISC") {
		t.Fatalf("system prompt = %q", sys)
	}
	if u := BuildUserPrompt(req); !strings.HasPrefix(u, "Document: memo.txt") || !strings.HasSuffix(u, "Acme Corp") {
		t.Fatalf("user prompt = %q", u)
	}
}

package llm

import "context"

// Entity is one named entity as the model reports it. The model is not asked
// for offsets; callers anchor Text back into the source themselves.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// EntitiesResponse is the JSON document the model must return.
type EntitiesResponse struct {
	Entities []Entity `json:"entities"`
}

type TagRequest struct {
	Text   string
	Labels []string // allowed labels; empty means open-ended
	Hint   string   // optional document name or context line
}

// Tagger is the interface the NLP strategy depends on.
type Tagger interface {
	Tag(ctx context.Context, req TagRequest) ([]Entity, []byte /*rawJSON*/, error)
}

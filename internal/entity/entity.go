package entity

import (
	"time"

	"github.com/google/uuid"
)

// Entity is the canonical, normalized form of an occurrence within one run.
type Entity struct {
	ID              uuid.UUID `json:"id"`
	ExtractionRunID uuid.UUID `json:"extraction_run_id"`
	Text            string    `json:"text"`
	Label           string    `json:"label,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// EntityFound is one occurrence of an entity inside a document's text.
// Offsets count Unicode code points.
type EntityFound struct {
	ID         uuid.UUID `json:"id"`
	EntityID   uuid.UUID `json:"entity_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	SpanText   string    `json:"span_text"`
	CreatedAt  time.Time `json:"created_at"`
}

// Length is the occurrence length in code points.
func (f EntityFound) Length() int { return f.End - f.Start }

// EntityFoundDetail joins an occurrence with its entity for listings and exports.
type EntityFoundDetail struct {
	EntityFound
	ExtractionRunID uuid.UUID `json:"extraction_run_id"`
	EntityText      string    `json:"entity_text"`
	Label           string    `json:"label,omitempty"`
	DocumentName    string    `json:"document_name"`
}

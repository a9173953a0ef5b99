package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
)

// ExtractionRun is a named extraction configuration under which documents
// are processed and entities accumulated.
type ExtractionRun struct {
	ID          uuid.UUID          `json:"id"`
	ProjectID   uuid.UUID          `json:"project_id"`
	UserID      string             `json:"user_id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Strategy    constants.Strategy `json:"strategy"`
	ReferenceID *uuid.UUID         `json:"reference_id,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Reference is a user-supplied lexicon driving the reference strategy.
type Reference struct {
	ID            uuid.UUID `json:"id"`
	UserID        string    `json:"user_id"`
	Name          string    `json:"name"`
	ContentHandle string    `json:"content_handle"`
	ContentType   string    `json:"content_type"`
	CreatedAt     time.Time `json:"created_at"`
}

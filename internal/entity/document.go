package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
)

// Document represents an uploaded document for data transfer between layers.
type Document struct {
	ID            uuid.UUID        `json:"id"`
	ProjectID     uuid.UUID        `json:"project_id"`
	UserID        string           `json:"user_id"`
	Name          string           `json:"name"`
	ContentHandle string           `json:"content_handle"`
	ContentType   string           `json:"content_type"`
	Text          *string          `json:"text,omitempty"`
	Status        constants.Status `json:"status"`
	LastError     *string          `json:"last_error,omitempty"`
	Attempts      int              `json:"attempts"`
	JobID         string           `json:"job_id,omitempty"` // queue job that currently owns the document
	RunID         *uuid.UUID       `json:"run_id,omitempty"` // run of the pending or last extraction
	ReplacePrior  bool             `json:"replace_prior,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	DeletedAt     *time.Time       `json:"deleted_at,omitempty"`
}

// Deleted reports whether the document carries a soft-delete marker.
func (d *Document) Deleted() bool { return d.DeletedAt != nil }

// HasText reports whether OCR has produced text for the document.
func (d *Document) HasText() bool { return d.Text != nil }

// Failure is one recorded stage failure for a document.
type Failure struct {
	ID         uuid.UUID       `json:"id"`
	DocumentID uuid.UUID       `json:"document_id"`
	Stage      constants.Stage `json:"stage"`
	Code       string          `json:"code"`
	Reason     string          `json:"reason"`
	Attempt    int             `json:"attempt"`
	CreatedAt  time.Time       `json:"created_at"`
}

package entity

import (
	"time"

	"github.com/google/uuid"
)

// Project groups documents and extraction runs for one user.
type Project struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

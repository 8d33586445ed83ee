package domain

import (
	"time"
)

// Document is owned by the surrounding document-management application; only
// the fields the gate subsystem needs are modeled here.
type Document struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Filename  string    `json:"filename"`
	Gated     bool      `json:"requires_password_gate"`
	CreatedAt time.Time `json:"created_at"`
}

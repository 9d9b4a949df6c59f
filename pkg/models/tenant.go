package models

import (
	"time"
)

// Organization scopes workflow templates. Organizations are resolved from the
// e-mail domain of the authenticated user.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

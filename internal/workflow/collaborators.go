package workflow

import (
	"context"

	"gxp-workflow/backend/pkg/models"
)

// IdentityProvider resolves roles and picks assignees.
type IdentityProvider interface {
	GetActorRoles(ctx context.Context, userID string) ([]string, error)
	// FindUserByRole returns the least busy active holder of role. ok is
	// false when nobody holds it.
	FindUserByRole(ctx context.Context, role string) (userID string, ok bool, err error)
}

// DeviationChecker answers whether an entity has unresolved deviations.
type DeviationChecker interface {
	HasOpenDeviations(ctx context.Context, entityID string) (bool, error)
}

// Notification is the payload of a Notify action.
type Notification struct {
	ID         string   `json:"id"`
	EntityID   string   `json:"entity_id"`
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message"`
}

// Messenger delivers notifications and opens tasks. Implementations must be
// idempotent on Notification.ID and Task.ID.
type Messenger interface {
	Notify(ctx context.Context, n Notification) error
	CreateTask(ctx context.Context, t models.Task) error
}

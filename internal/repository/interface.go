package repository

import (
	"context"
	"errors"
	"time"

	"gxp-workflow/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("conflict")
	// ErrConcurrentModification is returned when a row is locked by another
	// transaction or was changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// TemplateQueries reads and writes workflow configuration.
type TemplateQueries interface {
	CreateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	// LockTemplate returns the template and holds it for the rest of the
	// transaction. Configuration changes take it exclusive and workflow
	// starts take it shared.
	LockTemplate(ctx context.Context, id string, exclusive bool) (*models.Template, error)
	ListTemplates(ctx context.Context, organizationID string) ([]models.Template, error)

	CreateState(ctx context.Context, s *models.State) error
	GetState(ctx context.Context, id string) (*models.State, error)
	ListStates(ctx context.Context, templateID string) ([]models.State, error)

	CreateTransition(ctx context.Context, t *models.Transition) error
	GetTransition(ctx context.Context, id string) (*models.Transition, error)
	FindTransition(ctx context.Context, templateID, fromStateID, toStateID string) (*models.Transition, error)
	ListTransitions(ctx context.Context, templateID string) ([]models.Transition, error)
	ListTransitionsFrom(ctx context.Context, templateID, fromStateID string) ([]models.Transition, error)

	CreateRule(ctx context.Context, r *models.Rule) error
	ListRules(ctx context.Context, transitionID string) ([]models.Rule, error)

	CreateAction(ctx context.Context, a *models.Action) error
	ListActions(ctx context.Context, transitionID string) ([]models.Action, error)

	CreateFormField(ctx context.Context, f *models.FormField) error
	ListFormFields(ctx context.Context, stateID string) ([]models.FormField, error)
}

// EntityQueries reads and writes live workflow positions and the entity
// field values and permissions the engine depends on.
type EntityQueries interface {
	// GetEntityState returns the active (not superseded) workflow row.
	GetEntityState(ctx context.Context, entityID string) (*models.EntityWorkflowState, error)
	// LockEntityState returns the active row and holds it for the rest of the
	// transaction. It fails with ErrConcurrentModification when another
	// transaction holds the row.
	LockEntityState(ctx context.Context, entityID string) (*models.EntityWorkflowState, error)
	InsertEntityState(ctx context.Context, s *models.EntityWorkflowState) error
	// UpdateEntityState persists s when the stored version equals
	// expectedVersion and bumps s.Version.
	UpdateEntityState(ctx context.Context, s *models.EntityWorkflowState, expectedVersion int64) error
	SupersedeEntityState(ctx context.Context, id string, at time.Time) error
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.EntityWorkflowState, error)
	// MarkEscalated flags the row when it is still at expectedVersion, active
	// and not yet escalated, and bumps its version. Otherwise it fails with
	// ErrConcurrentModification.
	MarkEscalated(ctx context.Context, id string, expectedVersion int64, at time.Time) error
	// HasLiveEntities reports whether any active row of the template sits in
	// a non-final state.
	HasLiveEntities(ctx context.Context, templateID string) (bool, error)

	LockFields(ctx context.Context, entityID string, fields []string) error
	UnlockFields(ctx context.Context, entityID string, fields []string) error
	LockedFields(ctx context.Context, entityID string) ([]string, error)

	GetFieldValue(ctx context.Context, entityID, field string) (string, bool, error)
	SetFieldValue(ctx context.Context, entityID, field, value string) error
}

// AuditQueries appends to and reads the per-entity audit chain.
type AuditQueries interface {
	// LastAuditRecord serializes appends for entityID for the rest of the
	// transaction and returns the newest record, or nil for an empty chain.
	LastAuditRecord(ctx context.Context, entityID string) (*models.AuditRecord, error)
	AppendAuditRecord(ctx context.Context, r *models.AuditRecord) error
	// ListAuditRecords returns records oldest first.
	ListAuditRecords(ctx context.Context, entityID string) ([]models.AuditRecord, error)
}

// OutboxQueries records side effects for delivery after commit.
type OutboxQueries interface {
	EnqueueOutbox(ctx context.Context, m *models.OutboxMessage) error
}

// Queries is the set of operations available inside a transaction.
type Queries interface {
	TemplateQueries
	EntityQueries
	AuditQueries
	OutboxQueries
}

// Repository is the persistence boundary of the workflow engine.
type Repository interface {
	Queries
	// WithTx runs fn in a single transaction. The transaction commits when
	// fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(q Queries) error) error

	// ClaimOutbox returns up to limit undelivered messages that failed fewer
	// than maxAttempts times, oldest first.
	ClaimOutbox(ctx context.Context, limit, maxAttempts int) ([]models.OutboxMessage, error)
	MarkOutboxDelivered(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, reason string) error

	GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, o *models.Organization) error

	Ping(ctx context.Context) error
}

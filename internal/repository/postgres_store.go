package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"gxp-workflow/backend/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation   = "23505"
	pgLockNotAvailable  = "55P03"
	pgSerializationFail = "40001"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	*pgQueries
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgQueries: &pgQueries{db: db}, db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// WithTx runs fn inside a read-committed transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgQueries{db: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

type pgQueries struct {
	db   dbtx
	inTx bool
}

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
		case pgLockNotAvailable, pgSerializationFail:
			return ErrConcurrentModification
		}
	}
	return err
}

// Templates

func (q *pgQueries) CreateTemplate(ctx context.Context, t *models.Template) error {
	_, err := q.db.Exec(ctx, `INSERT INTO workflow_templates
		(id, organization_id, name, description, is_active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.OrganizationID, t.Name, t.Description, t.IsActive, t.CreatedBy, t.CreatedAt)
	return mapError(err)
}

const templateColumns = `id, organization_id, name, description, is_active, created_by, created_at`

func scanTemplate(row pgx.Row) (*models.Template, error) {
	var t models.Template
	err := row.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Description, &t.IsActive, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func (q *pgQueries) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	return scanTemplate(q.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1`, id))
}

func (q *pgQueries) LockTemplate(ctx context.Context, id string, exclusive bool) (*models.Template, error) {
	if !q.inTx {
		return q.GetTemplate(ctx, id)
	}
	mode := "FOR SHARE NOWAIT"
	if exclusive {
		mode = "FOR UPDATE NOWAIT"
	}
	return scanTemplate(q.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1 `+mode, id))
}

func (q *pgQueries) ListTemplates(ctx context.Context, organizationID string) ([]models.Template, error) {
	rows, err := q.db.Query(ctx, `SELECT `+templateColumns+` FROM workflow_templates
		WHERE $1 = '' OR organization_id = $1 ORDER BY name`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

const stateColumns = `id, template_id, name, description, sort_order, is_initial, is_final,
	requires_signature, sla_hours, created_at`

func scanState(row pgx.Row) (*models.State, error) {
	var s models.State
	err := row.Scan(&s.ID, &s.TemplateID, &s.Name, &s.Description, &s.Order, &s.IsInitial, &s.IsFinal,
		&s.RequiresSignature, &s.SLAHours, &s.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

func (q *pgQueries) CreateState(ctx context.Context, s *models.State) error {
	_, err := q.db.Exec(ctx, `INSERT INTO workflow_states (`+stateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.TemplateID, s.Name, s.Description, s.Order, s.IsInitial, s.IsFinal,
		s.RequiresSignature, s.SLAHours, s.CreatedAt)
	return mapError(err)
}

func (q *pgQueries) GetState(ctx context.Context, id string) (*models.State, error) {
	return scanState(q.db.QueryRow(ctx, `SELECT `+stateColumns+` FROM workflow_states WHERE id = $1`, id))
}

func (q *pgQueries) ListStates(ctx context.Context, templateID string) ([]models.State, error) {
	rows, err := q.db.Query(ctx, `SELECT `+stateColumns+` FROM workflow_states
		WHERE template_id = $1 ORDER BY sort_order, name`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []models.State
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *s)
	}
	return states, rows.Err()
}

const transitionColumns = `id, template_id, from_state_id, to_state_id, name, requires_comment,
	auto_assign_role, created_at`

func scanTransition(row pgx.Row) (*models.Transition, error) {
	var t models.Transition
	err := row.Scan(&t.ID, &t.TemplateID, &t.FromStateID, &t.ToStateID, &t.Name, &t.RequiresComment,
		&t.AutoAssignRole, &t.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func (q *pgQueries) queryTransitions(ctx context.Context, sql string, args ...any) ([]models.Transition, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []models.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, *t)
	}
	return transitions, rows.Err()
}

func (q *pgQueries) CreateTransition(ctx context.Context, t *models.Transition) error {
	_, err := q.db.Exec(ctx, `INSERT INTO workflow_transitions (`+transitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.TemplateID, t.FromStateID, t.ToStateID, t.Name, t.RequiresComment, t.AutoAssignRole, t.CreatedAt)
	return mapError(err)
}

func (q *pgQueries) GetTransition(ctx context.Context, id string) (*models.Transition, error) {
	return scanTransition(q.db.QueryRow(ctx, `SELECT `+transitionColumns+` FROM workflow_transitions WHERE id = $1`, id))
}

func (q *pgQueries) FindTransition(ctx context.Context, templateID, fromStateID, toStateID string) (*models.Transition, error) {
	return scanTransition(q.db.QueryRow(ctx, `SELECT `+transitionColumns+` FROM workflow_transitions
		WHERE template_id = $1 AND from_state_id = $2 AND to_state_id = $3`, templateID, fromStateID, toStateID))
}

func (q *pgQueries) ListTransitions(ctx context.Context, templateID string) ([]models.Transition, error) {
	return q.queryTransitions(ctx, `SELECT `+transitionColumns+` FROM workflow_transitions
		WHERE template_id = $1 ORDER BY created_at, id`, templateID)
}

func (q *pgQueries) ListTransitionsFrom(ctx context.Context, templateID, fromStateID string) ([]models.Transition, error) {
	return q.queryTransitions(ctx, `SELECT `+transitionColumns+` FROM workflow_transitions
		WHERE template_id = $1 AND from_state_id = $2 ORDER BY created_at, id`, templateID, fromStateID)
}

// Rules and actions store their variant as (type, JSONB config).

func (q *pgQueries) CreateRule(ctx context.Context, r *models.Rule) error {
	cfg, err := json.Marshal(r.Spec)
	if err != nil {
		return fmt.Errorf("failed to encode rule config: %w", err)
	}
	_, err = q.db.Exec(ctx, `INSERT INTO workflow_rules
		(id, template_id, transition_id, position, rule_type, config, is_blocking, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.TemplateID, r.TransitionID, r.Position, string(r.Spec.RuleType()), cfg, r.IsBlocking,
		r.Description, r.CreatedAt)
	return mapError(err)
}

func (q *pgQueries) ListRules(ctx context.Context, transitionID string) ([]models.Rule, error) {
	rows, err := q.db.Query(ctx, `SELECT id, template_id, transition_id, position, rule_type, config,
		is_blocking, description, created_at
		FROM workflow_rules WHERE transition_id = $1 ORDER BY position, created_at`, transitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		var (
			r        models.Rule
			ruleType string
			cfg      []byte
		)
		if err := rows.Scan(&r.ID, &r.TemplateID, &r.TransitionID, &r.Position, &ruleType, &cfg,
			&r.IsBlocking, &r.Description, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.Spec, err = models.DecodeRuleSpec(models.RuleType(ruleType), cfg); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (q *pgQueries) CreateAction(ctx context.Context, a *models.Action) error {
	cfg, err := json.Marshal(a.Spec)
	if err != nil {
		return fmt.Errorf("failed to encode action config: %w", err)
	}
	_, err = q.db.Exec(ctx, `INSERT INTO workflow_actions
		(id, transition_id, action_type, config, sort_order, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.TransitionID, string(a.Spec.ActionType()), cfg, a.Order, a.CreatedAt)
	return mapError(err)
}

func (q *pgQueries) ListActions(ctx context.Context, transitionID string) ([]models.Action, error) {
	rows, err := q.db.Query(ctx, `SELECT id, transition_id, action_type, config, sort_order, created_at
		FROM workflow_actions WHERE transition_id = $1 ORDER BY sort_order, created_at`, transitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []models.Action
	for rows.Next() {
		var (
			a          models.Action
			actionType string
			cfg        []byte
		)
		if err := rows.Scan(&a.ID, &a.TransitionID, &actionType, &cfg, &a.Order, &a.CreatedAt); err != nil {
			return nil, err
		}
		if a.Spec, err = models.DecodeActionSpec(models.ActionType(actionType), cfg); err != nil {
			return nil, fmt.Errorf("action %s: %w", a.ID, err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (q *pgQueries) CreateFormField(ctx context.Context, f *models.FormField) error {
	opts, err := json.Marshal(nonNil(f.Options))
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `INSERT INTO workflow_form_fields
		(id, template_id, state_id, name, field_type, label, placeholder, required, sort_order, options, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.TemplateID, f.StateID, f.Name, string(f.Type), f.Label, f.Placeholder, f.Required, f.Order,
		opts, f.CreatedAt)
	return mapError(err)
}

func (q *pgQueries) ListFormFields(ctx context.Context, stateID string) ([]models.FormField, error) {
	rows, err := q.db.Query(ctx, `SELECT id, template_id, state_id, name, field_type, label, placeholder,
		required, sort_order, options, created_at
		FROM workflow_form_fields WHERE state_id = $1 ORDER BY sort_order, name`, stateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []models.FormField
	for rows.Next() {
		var (
			f         models.FormField
			fieldType string
			opts      []byte
		)
		if err := rows.Scan(&f.ID, &f.TemplateID, &f.StateID, &f.Name, &fieldType, &f.Label, &f.Placeholder,
			&f.Required, &f.Order, &opts, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Type = models.FormFieldType(fieldType)
		if err := json.Unmarshal(opts, &f.Options); err != nil {
			return nil, fmt.Errorf("form field %s options: %w", f.ID, err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Organizations

func (q *pgQueries) GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error) {
	var o models.Organization
	err := q.db.QueryRow(ctx, `SELECT id, name, domain, created_at, updated_at
		FROM organizations WHERE domain = $1`, domain).
		Scan(&o.ID, &o.Name, &o.Domain, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &o, nil
}

func (q *pgQueries) CreateOrganization(ctx context.Context, o *models.Organization) error {
	if o.ID == "" {
		o.ID = newID()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	_, err := q.db.Exec(ctx, `INSERT INTO organizations (id, name, domain, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`, o.ID, o.Name, o.Domain, o.CreatedAt, o.UpdatedAt)
	return mapError(err)
}

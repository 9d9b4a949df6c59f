package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gxp-workflow/backend/pkg/models"
)

// PostgresDirectory reads users and roles and opens tasks. The tables are
// shared with the identity and task services.
type PostgresDirectory struct {
	db *pgxpool.Pool
}

// NewPostgresDirectory creates a new PostgresDirectory.
func NewPostgresDirectory(db *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// GetActorRoles returns the roles held by an active user.
func (d *PostgresDirectory) GetActorRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := d.db.Query(ctx, `SELECT r.role FROM user_roles r
		JOIN users u ON u.id = r.user_id
		WHERE u.id = $1 AND u.is_active ORDER BY r.role`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// FindUserByRole returns the active holder of role with the fewest pending
// tasks. Ties go to the lowest user id.
func (d *PostgresDirectory) FindUserByRole(ctx context.Context, role string) (string, bool, error) {
	var userID string
	err := d.db.QueryRow(ctx, `SELECT u.id FROM users u
		JOIN user_roles r ON r.user_id = u.id
		LEFT JOIN workflow_tasks t ON t.assigned_to = u.id AND t.status = 'PENDING'
		WHERE r.role = $1 AND u.is_active
		GROUP BY u.id
		ORDER BY count(t.id), u.id
		LIMIT 1`, role).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find user for role %s: %w", role, err)
	}
	return userID, true, nil
}

// CreateTask inserts a task. Redelivery of the same task id is a no-op.
func (d *PostgresDirectory) CreateTask(ctx context.Context, t *models.Task) error {
	var assignee *string
	if t.AssignedTo != "" {
		assignee = &t.AssignedTo
	}
	_, err := d.db.Exec(ctx, `INSERT INTO workflow_tasks
		(id, entity_id, role, assigned_to, title, status, due_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.EntityID, t.Role, assignee, t.Title, t.Status, t.DueAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

const taskColumns = `id::text, entity_id, role, COALESCE(assigned_to, ''), title, status, due_at, created_at, completed_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	if err := row.Scan(&t.ID, &t.EntityID, &t.Role, &t.AssignedTo, &t.Title, &t.Status, &t.DueAt, &t.CreatedAt, &t.CompletedAt); err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

// ListTasks returns the pending tasks of assignee, oldest first.
func (d *PostgresDirectory) ListTasks(ctx context.Context, assignee string) ([]models.Task, error) {
	rows, err := d.db.Query(ctx, `SELECT `+taskColumns+` FROM workflow_tasks
		WHERE assigned_to = $1 AND status = 'PENDING' ORDER BY created_at, id`, assignee)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CompleteTask closes a pending task assigned to userID. Anything else,
// including a malformed id, is ErrNotFound.
func (d *PostgresDirectory) CompleteTask(ctx context.Context, taskID, userID string, at time.Time) (*models.Task, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, ErrNotFound
	}
	return scanTask(d.db.QueryRow(ctx, `UPDATE workflow_tasks SET status = 'COMPLETED', completed_at = $3
		WHERE id = $1 AND assigned_to = $2 AND status = 'PENDING'
		RETURNING `+taskColumns, taskID, userID, at))
}

// AddUser registers a user with roles. Used by the seed command.
func (d *PostgresDirectory) AddUser(ctx context.Context, userID, email string, roles ...string) error {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO users (id, email) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, is_active = TRUE`, userID, email); err != nil {
		return mapError(err)
	}
	for _, role := range roles {
		if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, userID, role); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit(ctx)
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gxp-workflow/backend/pkg/models"
)

const entityStateColumns = `id, entity_id, template_id, current_state_id, previous_state_id, assigned_to,
	moved_by, transition_reason, entered_at, sla_deadline, escalated_at, required_approvals,
	completed_approvals, approval_roles, approvals, is_locked, version, created_at, superseded_at`

func scanEntityState(row pgx.Row) (*models.EntityWorkflowState, error) {
	var (
		s         models.EntityWorkflowState
		roles     []byte
		approvals []byte
	)
	err := row.Scan(&s.ID, &s.EntityID, &s.TemplateID, &s.CurrentStateID, &s.PreviousStateID, &s.AssignedTo,
		&s.MovedBy, &s.TransitionReason, &s.EnteredAt, &s.SLADeadline, &s.EscalatedAt, &s.RequiredApprovals,
		&s.CompletedApprovals, &roles, &approvals, &s.IsLocked, &s.Version, &s.CreatedAt, &s.SupersededAt)
	if err != nil {
		return nil, mapError(err)
	}
	if err := json.Unmarshal(roles, &s.ApprovalRoles); err != nil {
		return nil, fmt.Errorf("entity state %s approval roles: %w", s.ID, err)
	}
	if err := json.Unmarshal(approvals, &s.Approvals); err != nil {
		return nil, fmt.Errorf("entity state %s approvals: %w", s.ID, err)
	}
	return &s, nil
}

func encodeApprovals(s *models.EntityWorkflowState) (roles, approvals []byte, err error) {
	if roles, err = json.Marshal(nonNil(s.ApprovalRoles)); err != nil {
		return nil, nil, err
	}
	if approvals, err = json.Marshal(nonNil(s.Approvals)); err != nil {
		return nil, nil, err
	}
	return roles, approvals, nil
}

func (q *pgQueries) GetEntityState(ctx context.Context, entityID string) (*models.EntityWorkflowState, error) {
	return scanEntityState(q.db.QueryRow(ctx, `SELECT `+entityStateColumns+` FROM entity_workflow_states
		WHERE entity_id = $1 AND superseded_at IS NULL`, entityID))
}

// LockEntityState uses NOWAIT so a competing writer fails fast instead of
// queueing behind the holder.
func (q *pgQueries) LockEntityState(ctx context.Context, entityID string) (*models.EntityWorkflowState, error) {
	if !q.inTx {
		return q.GetEntityState(ctx, entityID)
	}
	return scanEntityState(q.db.QueryRow(ctx, `SELECT `+entityStateColumns+` FROM entity_workflow_states
		WHERE entity_id = $1 AND superseded_at IS NULL FOR UPDATE NOWAIT`, entityID))
}

func (q *pgQueries) InsertEntityState(ctx context.Context, s *models.EntityWorkflowState) error {
	roles, approvals, err := encodeApprovals(s)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `INSERT INTO entity_workflow_states (`+entityStateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		s.ID, s.EntityID, s.TemplateID, s.CurrentStateID, s.PreviousStateID, s.AssignedTo,
		s.MovedBy, s.TransitionReason, s.EnteredAt, s.SLADeadline, s.EscalatedAt, s.RequiredApprovals,
		s.CompletedApprovals, roles, approvals, s.IsLocked, s.Version, s.CreatedAt, s.SupersededAt)
	return mapError(err)
}

func (q *pgQueries) UpdateEntityState(ctx context.Context, s *models.EntityWorkflowState, expectedVersion int64) error {
	roles, approvals, err := encodeApprovals(s)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, `UPDATE entity_workflow_states SET
		current_state_id = $3, previous_state_id = $4, assigned_to = $5, moved_by = $6,
		transition_reason = $7, entered_at = $8, sla_deadline = $9, escalated_at = $10,
		required_approvals = $11, completed_approvals = $12, approval_roles = $13, approvals = $14,
		is_locked = $15, version = version + 1
		WHERE id = $1 AND version = $2 AND superseded_at IS NULL`,
		s.ID, expectedVersion, s.CurrentStateID, s.PreviousStateID, s.AssignedTo, s.MovedBy,
		s.TransitionReason, s.EnteredAt, s.SLADeadline, s.EscalatedAt,
		s.RequiredApprovals, s.CompletedApprovals, roles, approvals, s.IsLocked)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	s.Version = expectedVersion + 1
	return nil
}

func (q *pgQueries) SupersedeEntityState(ctx context.Context, id string, at time.Time) error {
	tag, err := q.db.Exec(ctx, `UPDATE entity_workflow_states SET superseded_at = $2, version = version + 1
		WHERE id = $1 AND superseded_at IS NULL`, id, at)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (q *pgQueries) ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.EntityWorkflowState, error) {
	rows, err := q.db.Query(ctx, `SELECT `+entityStateColumns+` FROM entity_workflow_states
		WHERE superseded_at IS NULL AND escalated_at IS NULL AND sla_deadline < $1
		ORDER BY sla_deadline LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EntityWorkflowState
	for rows.Next() {
		s, err := scanEntityState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (q *pgQueries) MarkEscalated(ctx context.Context, id string, expectedVersion int64, at time.Time) error {
	tag, err := q.db.Exec(ctx, `UPDATE entity_workflow_states SET escalated_at = $3, version = version + 1
		WHERE id = $1 AND version = $2 AND superseded_at IS NULL AND escalated_at IS NULL`, id, expectedVersion, at)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (q *pgQueries) HasLiveEntities(ctx context.Context, templateID string) (bool, error) {
	var live bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM entity_workflow_states e
		JOIN workflow_states s ON s.id = e.current_state_id
		WHERE e.template_id = $1 AND e.superseded_at IS NULL AND NOT s.is_final)`, templateID).Scan(&live)
	return live, mapError(err)
}

// Field permissions and values

func (q *pgQueries) LockFields(ctx context.Context, entityID string, fields []string) error {
	_, err := q.db.Exec(ctx, `INSERT INTO entity_field_locks (entity_id, field_name)
		SELECT $1, unnest($2::text[]) ON CONFLICT DO NOTHING`, entityID, fields)
	return mapError(err)
}

func (q *pgQueries) UnlockFields(ctx context.Context, entityID string, fields []string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM entity_field_locks WHERE entity_id = $1 AND field_name = ANY($2)`,
		entityID, fields)
	return mapError(err)
}

func (q *pgQueries) LockedFields(ctx context.Context, entityID string) ([]string, error) {
	rows, err := q.db.Query(ctx, `SELECT field_name FROM entity_field_locks
		WHERE entity_id = $1 ORDER BY field_name`, entityID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (q *pgQueries) GetFieldValue(ctx context.Context, entityID, field string) (string, bool, error) {
	var v string
	err := q.db.QueryRow(ctx, `SELECT value FROM entity_field_values WHERE entity_id = $1 AND field_name = $2`,
		entityID, field).Scan(&v)
	if err != nil {
		if err = mapError(err); err == ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (q *pgQueries) SetFieldValue(ctx context.Context, entityID, field, value string) error {
	_, err := q.db.Exec(ctx, `INSERT INTO entity_field_values (entity_id, field_name, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (entity_id, field_name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		entityID, field, value)
	return mapError(err)
}

// Audit

const auditColumns = `id, entity_id, seq, action, from_state, to_state, performed_by, recorded_at, reason,
	ip_address, user_agent, field_name, old_value, new_value, signature_ref, data_hash, previous_hash`

func scanAudit(row pgx.Row) (*models.AuditRecord, error) {
	var (
		r      models.AuditRecord
		action string
	)
	err := row.Scan(&r.ID, &r.EntityID, &r.Seq, &action, &r.FromState, &r.ToState, &r.PerformedBy, &r.Timestamp,
		&r.Reason, &r.IPAddress, &r.UserAgent, &r.FieldName, &r.OldValue, &r.NewValue, &r.SignatureRef,
		&r.DataHash, &r.PreviousHash)
	if err != nil {
		return nil, mapError(err)
	}
	r.Action = models.AuditAction(action)
	r.Timestamp = r.Timestamp.UTC()
	return &r, nil
}

// LastAuditRecord takes a transaction-scoped advisory lock on the entity so
// that concurrent appends read the tail one at a time.
func (q *pgQueries) LastAuditRecord(ctx context.Context, entityID string) (*models.AuditRecord, error) {
	if q.inTx {
		if _, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, entityID); err != nil {
			return nil, mapError(err)
		}
	}
	r, err := scanAudit(q.db.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_records
		WHERE entity_id = $1 ORDER BY seq DESC LIMIT 1`, entityID))
	if err == ErrNotFound {
		return nil, nil
	}
	return r, err
}

func (q *pgQueries) AppendAuditRecord(ctx context.Context, r *models.AuditRecord) error {
	_, err := q.db.Exec(ctx, `INSERT INTO audit_records (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.EntityID, r.Seq, string(r.Action), r.FromState, r.ToState, r.PerformedBy, r.Timestamp,
		r.Reason, r.IPAddress, r.UserAgent, r.FieldName, r.OldValue, r.NewValue, r.SignatureRef,
		r.DataHash, r.PreviousHash)
	if err = mapError(err); err != nil && errors.Is(err, ErrConflict) {
		return ErrConcurrentModification
	}
	return err
}

func (q *pgQueries) ListAuditRecords(ctx context.Context, entityID string) ([]models.AuditRecord, error) {
	rows, err := q.db.Query(ctx, `SELECT `+auditColumns+` FROM audit_records
		WHERE entity_id = $1 ORDER BY seq`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Outbox

func (q *pgQueries) EnqueueOutbox(ctx context.Context, m *models.OutboxMessage) error {
	_, err := q.db.Exec(ctx, `INSERT INTO workflow_outbox (id, entity_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`, m.ID, m.EntityID, string(m.Kind), []byte(m.Payload), m.CreatedAt)
	return mapError(err)
}

func (s *PostgresStore) ClaimOutbox(ctx context.Context, limit, maxAttempts int) ([]models.OutboxMessage, error) {
	rows, err := s.db.Query(ctx, `SELECT id, entity_id, kind, payload, attempts, last_error, created_at, delivered_at
		FROM workflow_outbox
		WHERE delivered_at IS NULL AND ($2 <= 0 OR attempts < $2)
		ORDER BY created_at LIMIT $1`, limit, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OutboxMessage
	for rows.Next() {
		var (
			m       models.OutboxMessage
			kind    string
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.EntityID, &kind, &payload, &m.Attempts, &m.LastError, &m.CreatedAt,
			&m.DeliveredAt); err != nil {
			return nil, err
		}
		m.Kind = models.OutboxKind(kind)
		m.Payload = payload
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkOutboxDelivered(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE workflow_outbox SET delivered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id string, reason string) error {
	_, err := s.db.Exec(ctx, `UPDATE workflow_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id, reason)
	return err
}

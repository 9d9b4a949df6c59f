package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

const hashFieldSeparator = "\x1f"

// ComputeHash returns the hex SHA-256 of the record's content and its link
// to the previous record. DataHash itself is not part of the input.
func ComputeHash(r *models.AuditRecord) string {
	fields := []string{
		r.EntityID,
		strconv.FormatInt(r.Seq, 10),
		string(r.Action),
		r.FromState,
		r.ToState,
		r.PerformedBy,
		r.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		r.Reason,
		r.IPAddress,
		r.UserAgent,
		r.FieldName,
		r.OldValue,
		r.NewValue,
		r.SignatureRef,
		r.PreviousHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, hashFieldSeparator)))
	return hex.EncodeToString(sum[:])
}

// ChainReport is the result of walking an audit chain oldest to newest.
// BrokenAt is the sequence number of the first bad record.
type ChainReport struct {
	EntityID string `json:"entity_id"`
	Valid    bool   `json:"valid"`
	Records  int    `json:"records"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyRecords checks a chain given oldest first. Each record must carry
// the next sequence number, link to its predecessor's hash, and hash to
// its stored DataHash.
func VerifyRecords(records []models.AuditRecord) ChainReport {
	rep := ChainReport{Valid: true, Records: len(records)}
	if len(records) > 0 {
		rep.EntityID = records[0].EntityID
	}
	prev := ""
	for i := range records {
		r := &records[i]
		want := int64(i + 1)
		switch {
		case r.Seq != want:
			return broken(rep, want, fmt.Sprintf("expected sequence %d, found %d", want, r.Seq))
		case r.PreviousHash != prev:
			return broken(rep, r.Seq, "previous hash does not match the preceding record")
		case ComputeHash(r) != r.DataHash:
			return broken(rep, r.Seq, "record content does not match its hash")
		}
		prev = r.DataHash
	}
	return rep
}

func broken(rep ChainReport, at int64, reason string) ChainReport {
	rep.Valid = false
	rep.BrokenAt = at
	rep.Reason = reason
	return rep
}

// appendAudit links r to the entity's chain and stores it inside q's
// transaction. Seq, PreviousHash and DataHash are set on r.
func (e *Engine) appendAudit(ctx context.Context, q repository.Queries, r *models.AuditRecord) error {
	last, err := q.LastAuditRecord(ctx, r.EntityID)
	if err != nil {
		return fmt.Errorf("failed to read audit tail: %w", err)
	}
	r.ID = newID()
	r.Seq = 1
	r.PreviousHash = ""
	if last != nil {
		r.Seq = last.Seq + 1
		r.PreviousHash = last.DataHash
	}
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Microsecond)
	r.DataHash = ComputeHash(r)
	if err := q.AppendAuditRecord(ctx, r); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// VerifyChain recomputes the chain of entityID. A broken chain is returned
// in the report together with an *IntegrityViolation.
func (e *Engine) VerifyChain(ctx context.Context, entityID string) (*ChainReport, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.VerifyChain", trace.WithAttributes(attribute.String("entity.id", entityID)))
	defer span.End()

	records, err := e.repo.ListAuditRecords(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	rep := VerifyRecords(records)
	rep.EntityID = entityID
	if rep.Valid {
		return &rep, nil
	}

	e.metrics.integrityViolations.Add(ctx, 1)
	e.log.Error("compliance incident: audit chain integrity violation",
		"entity_id", entityID, "broken_at", rep.BrokenAt, "reason", rep.Reason, "records", rep.Records)
	return &rep, &IntegrityViolation{EntityID: entityID, BrokenAt: rep.BrokenAt, Reason: rep.Reason}
}

// GetAuditTrail returns the audit records of entityID, newest first.
func (e *Engine) GetAuditTrail(ctx context.Context, entityID string) ([]models.AuditRecord, error) {
	records, err := e.repo.ListAuditRecords(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	slices.Reverse(records)
	return records, nil
}

// FieldChange is a request to update one field of an entity.
type FieldChange struct {
	EntityID  string
	Field     string
	NewValue  string
	Actor     models.Actor
	Reason    string
	IPAddress string
	UserAgent string
}

// RecordFieldChange stores a new field value and appends a field_change
// record. Locked fields and entities in a locked (final) state are rejected.
func (e *Engine) RecordFieldChange(ctx context.Context, c FieldChange) (*models.AuditRecord, error) {
	if strings.TrimSpace(c.Field) == "" {
		return nil, invalid("field", "is required")
	}
	if c.Actor.UserID == "" {
		return nil, invalid("performed_by", "is required")
	}

	var rec *models.AuditRecord
	err := e.repo.WithTx(ctx, func(q repository.Queries) error {
		state, err := q.GetEntityState(ctx, c.EntityID)
		switch {
		case err == nil:
			if state.IsLocked {
				return invalid("entity_id", "is locked in a final state")
			}
		case errors.Is(err, repository.ErrNotFound):
		default:
			return err
		}

		locked, err := q.LockedFields(ctx, c.EntityID)
		if err != nil {
			return err
		}
		if slices.Contains(locked, c.Field) {
			return invalid(c.Field, "is locked")
		}

		old, _, err := q.GetFieldValue(ctx, c.EntityID, c.Field)
		if err != nil {
			return err
		}
		if err := q.SetFieldValue(ctx, c.EntityID, c.Field, c.NewValue); err != nil {
			return err
		}
		rec = &models.AuditRecord{
			EntityID:    c.EntityID,
			Action:      models.AuditFieldChange,
			PerformedBy: c.Actor.UserID,
			Timestamp:   e.now(),
			Reason:      c.Reason,
			IPAddress:   c.IPAddress,
			UserAgent:   c.UserAgent,
			FieldName:   c.Field,
			OldValue:    old,
			NewValue:    c.NewValue,
		}
		return e.appendAudit(ctx, q, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

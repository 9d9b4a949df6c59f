package workflow

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

// ApprovalResult reports the quorum progress after a signature.
type ApprovalResult struct {
	Completed int    `json:"completed"`
	Required  int    `json:"required"`
	Role      string `json:"role,omitempty"`
}

// AddApprovalSignature records one signature toward the approval quorum of
// the entity's current state. A user signs at most once per visit of a
// state; when the quorum names roles, each role signs at most once.
func (e *Engine) AddApprovalSignature(ctx context.Context, entityID string, actor models.Actor, signatureRef string) (*ApprovalResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.AddApprovalSignature", trace.WithAttributes(
		attribute.String("entity.id", entityID),
		attribute.String("user.id", actor.UserID),
	))
	defer span.End()

	if actor.UserID == "" {
		return nil, invalid("user_id", "is required")
	}
	if strings.TrimSpace(signatureRef) == "" {
		return nil, invalid("signature_ref", "is required")
	}
	roles, err := e.actorRoles(ctx, actor)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.opts.ApprovalRetries)), ctx)

	var result *ApprovalResult
	err = backoff.Retry(func() error {
		r, err := e.addApproval(ctx, entityID, actor.UserID, roles, signatureRef)
		if err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}, policy)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.metrics.approvals.Add(ctx, 1)
	e.log.Info("approval signed", "entity_id", entityID, "user_id", actor.UserID,
		"role", result.Role, "completed", result.Completed, "required", result.Required)
	return result, nil
}

func (e *Engine) addApproval(ctx context.Context, entityID, userID string, roles []string, signatureRef string) (*ApprovalResult, error) {
	var result *ApprovalResult
	err := e.repo.WithTx(ctx, func(q repository.Queries) error {
		state, err := q.LockEntityState(ctx, entityID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotInWorkflow
		}
		if err != nil {
			return err
		}
		if state.CompletedApprovals >= state.RequiredApprovals {
			return ErrAlreadyComplete
		}
		if state.HasSigned(userID) {
			return invalid("user_id", "has already signed in this state")
		}

		role := ""
		if len(state.ApprovalRoles) > 0 {
			i := slices.IndexFunc(state.ApprovalRoles, func(r string) bool {
				return slices.Contains(roles, r) && !state.RoleSigned(r)
			})
			if i < 0 {
				return invalid("roles", "signer holds no approval role that is still unsigned")
			}
			role = state.ApprovalRoles[i]
		} else if len(roles) > 0 {
			role = roles[0]
		}

		now := e.now()
		expected := state.Version
		state.Approvals = append(state.Approvals, models.Approval{
			UserID:       userID,
			Role:         role,
			Timestamp:    now,
			SignatureRef: signatureRef,
		})
		state.CompletedApprovals++
		if err := q.UpdateEntityState(ctx, state, expected); err != nil {
			return err
		}

		current, err := q.GetState(ctx, state.CurrentStateID)
		if err != nil {
			return err
		}
		if err := e.appendAudit(ctx, q, &models.AuditRecord{
			EntityID:     entityID,
			Action:       models.AuditApprovalSigned,
			FromState:    current.Name,
			ToState:      current.Name,
			PerformedBy:  userID,
			Timestamp:    now,
			Reason:       role,
			SignatureRef: signatureRef,
		}); err != nil {
			return err
		}

		result = &ApprovalResult{Completed: state.CompletedApprovals, Required: state.RequiredApprovals, Role: role}
		return nil
	})
	return result, err
}

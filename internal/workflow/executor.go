package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

// TransitionRequest asks the engine to move an entity to another state.
type TransitionRequest struct {
	EntityID  string
	ToStateID string
	Actor     models.Actor
	Reason    string
	IPAddress string
	UserAgent string
}

// TransitionResult is the outcome of a committed transition.
type TransitionResult struct {
	Success    bool                        `json:"success"`
	NewState   *models.EntityWorkflowState `json:"new_state"`
	Timestamp  time.Time                   `json:"timestamp"`
	Advisories []Advisory                  `json:"advisories,omitempty"`
}

// StartRequest places an entity at the initial state of a template.
type StartRequest struct {
	EntityID   string
	TemplateID string
	Actor      models.Actor
	IPAddress  string
	UserAgent  string
}

// GetEntityState returns the active workflow position of an entity.
func (e *Engine) GetEntityState(ctx context.Context, entityID string) (*models.EntityWorkflowState, error) {
	s, err := e.repo.GetEntityState(ctx, entityID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotInWorkflow
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow state: %w", err)
	}
	return s, nil
}

// StartWorkflow places an entity at the template's initial state. An entity
// that finished a previous workflow starts over; one that is still moving
// through a workflow is rejected.
func (e *Engine) StartWorkflow(ctx context.Context, req StartRequest) (*models.EntityWorkflowState, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.StartWorkflow", trace.WithAttributes(
		attribute.String("entity.id", req.EntityID),
		attribute.String("template.id", req.TemplateID),
	))
	defer span.End()

	if strings.TrimSpace(req.EntityID) == "" {
		return nil, invalid("entity_id", "is required")
	}
	if req.Actor.UserID == "" {
		return nil, invalid("performed_by", "is required")
	}

	var started *models.EntityWorkflowState
	err := e.repo.WithTx(ctx, func(q repository.Queries) error {
		tpl, err := q.LockTemplate(ctx, req.TemplateID, false)
		if err != nil {
			return templateLookupError(err)
		}
		if !tpl.IsActive {
			return invalid("template_id", "is not active")
		}
		states, err := q.ListStates(ctx, tpl.ID)
		if err != nil {
			return err
		}
		graph := models.TemplateGraph{Template: *tpl, States: states}
		initial, ok := graph.InitialState()
		if !ok {
			return invalid("template_id", "has no initial state")
		}

		current, err := q.LockEntityState(ctx, req.EntityID)
		switch {
		case err == nil:
			cur, err := q.GetState(ctx, current.CurrentStateID)
			if err != nil {
				return err
			}
			if !cur.IsFinal {
				return invalid("entity_id", "already has an active workflow")
			}
		case errors.Is(err, repository.ErrNotFound):
			current = nil
		default:
			return err
		}

		now := e.now()
		if current != nil {
			if err := q.SupersedeEntityState(ctx, current.ID, now); err != nil {
				return err
			}
		}

		s := &models.EntityWorkflowState{
			ID:         newID(),
			EntityID:   req.EntityID,
			TemplateID: tpl.ID,
			MovedBy:    req.Actor.UserID,
			CreatedAt:  now,
		}
		if err := e.enterState(ctx, q, s, &initial, now); err != nil {
			return err
		}
		if err := q.InsertEntityState(ctx, s); err != nil {
			return err
		}
		if err := e.appendAudit(ctx, q, &models.AuditRecord{
			EntityID:    req.EntityID,
			Action:      models.AuditWorkflowStarted,
			ToState:     initial.Name,
			PerformedBy: req.Actor.UserID,
			Timestamp:   now,
			IPAddress:   req.IPAddress,
			UserAgent:   req.UserAgent,
		}); err != nil {
			return err
		}
		started = s
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.log.Info("workflow started", "entity_id", req.EntityID, "template_id", req.TemplateID,
		"state_id", started.CurrentStateID, "user_id", req.Actor.UserID)
	return started, nil
}

// ExecuteTransition moves an entity to another state. Rules are checked
// again on the locked row, actions run, the position changes and a
// state_change record is chained, all in one transaction.
func (e *Engine) ExecuteTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.ExecuteTransition", trace.WithAttributes(
		attribute.String("entity.id", req.EntityID),
		attribute.String("state.to", req.ToStateID),
		attribute.String("user.id", req.Actor.UserID),
	))
	defer span.End()

	result, err := e.executeTransition(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.transition(ctx, outcomeOf(err))
		var v *RuleViolation
		if errors.As(err, &v) {
			e.metrics.ruleViolation(ctx, v)
		}
		e.log.Warn("transition rejected", "entity_id", req.EntityID, "to_state_id", req.ToStateID,
			"user_id", req.Actor.UserID, "error", err.Error())
		return nil, err
	}
	e.metrics.transition(ctx, "success")
	e.log.Info("transition executed", "entity_id", req.EntityID,
		"from_state_id", deref(result.NewState.PreviousStateID), "to_state_id", result.NewState.CurrentStateID,
		"user_id", req.Actor.UserID)
	return result, nil
}

func (e *Engine) executeTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if req.Actor.UserID == "" {
		return nil, invalid("performed_by", "is required")
	}

	var result *TransitionResult
	err := e.repo.WithTx(ctx, func(q repository.Queries) error {
		state, err := q.LockEntityState(ctx, req.EntityID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotInWorkflow
		}
		if err != nil {
			return err
		}

		d, err := e.evaluate(ctx, q, state, req.ToStateID, req.Actor)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return d.Err
		}
		tr := d.Transition
		if tr.RequiresComment && strings.TrimSpace(req.Reason) == "" {
			return invalid("reason", "is required for this transition")
		}

		from, err := q.GetState(ctx, state.CurrentStateID)
		if err != nil {
			return err
		}
		to, err := q.GetState(ctx, tr.ToStateID)
		if err != nil {
			return err
		}

		if err := e.ExecuteActions(ctx, q, tr, req.EntityID, to.ID); err != nil {
			return err
		}

		now := e.now()
		expected := state.Version
		prev := state.CurrentStateID
		state.PreviousStateID = &prev
		state.MovedBy = req.Actor.UserID
		state.TransitionReason = req.Reason
		state.EscalatedAt = nil
		if err := e.enterState(ctx, q, state, to, now); err != nil {
			return err
		}
		if tr.AutoAssignRole != "" {
			e.autoAssign(ctx, state, tr.AutoAssignRole)
		}
		if err := q.UpdateEntityState(ctx, state, expected); err != nil {
			return err
		}

		if err := e.appendAudit(ctx, q, &models.AuditRecord{
			EntityID:    req.EntityID,
			Action:      models.AuditStateChange,
			FromState:   from.Name,
			ToState:     to.Name,
			PerformedBy: req.Actor.UserID,
			Timestamp:   now,
			Reason:      req.Reason,
			IPAddress:   req.IPAddress,
			UserAgent:   req.UserAgent,
		}); err != nil {
			return err
		}

		result = &TransitionResult{Success: true, NewState: state, Timestamp: now, Advisories: d.Advisories}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// enterState points s at state and resets everything that belongs to a
// single visit: SLA deadline, approvals and the lock of final states.
func (e *Engine) enterState(ctx context.Context, q repository.Queries, s *models.EntityWorkflowState, state *models.State, now time.Time) error {
	s.CurrentStateID = state.ID
	s.EnteredAt = now
	s.IsLocked = state.IsFinal
	s.SLADeadline = nil
	if state.SLAHours != nil {
		deadline := now.Add(time.Duration(*state.SLAHours) * time.Hour)
		s.SLADeadline = &deadline
	}

	required, roles, err := e.approvalQuorum(ctx, q, s.TemplateID, state.ID)
	if err != nil {
		return err
	}
	s.RequiredApprovals = required
	s.ApprovalRoles = roles
	s.CompletedApprovals = 0
	s.Approvals = nil
	return nil
}

// approvalQuorum returns the strongest ParallelApproval rule among the
// transitions leaving stateID.
func (e *Engine) approvalQuorum(ctx context.Context, q repository.Queries, templateID, stateID string) (int, []string, error) {
	transitions, err := q.ListTransitionsFrom(ctx, templateID, stateID)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	var (
		required int
		roles    []string
	)
	for _, tr := range transitions {
		rules, err := q.ListRules(ctx, tr.ID)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to list rules: %w", err)
		}
		for _, r := range rules {
			pa, ok := r.Spec.(models.ParallelApproval)
			if !ok || !r.IsBlocking || pa.RequiredSignatures <= required {
				continue
			}
			required = pa.RequiredSignatures
			roles = append([]string(nil), pa.SignatureRoles...)
		}
	}
	return required, roles, nil
}

// autoAssign hands the entity to the least busy holder of role. When no
// one holds the role the previous assignee is kept.
func (e *Engine) autoAssign(ctx context.Context, s *models.EntityWorkflowState, role string) {
	if e.identity == nil {
		e.log.Warn("auto-assign skipped: no identity provider", "entity_id", s.EntityID, "role", role)
		return
	}
	userID, ok, err := e.identity.FindUserByRole(ctx, role)
	if err != nil || !ok {
		e.log.Warn("auto-assign found no user", "entity_id", s.EntityID, "role", role, "error", errString(err))
		return
	}
	s.AssignedTo = &userID
}

func outcomeOf(err error) string {
	var (
		ve *ValidationError
		rv *RuleViolation
		ae *ActionExecutionError
	)
	switch {
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &rv):
		return "rule_violation"
	case errors.As(err, &ae):
		return "action_failed"
	case errors.Is(err, ErrNotInWorkflow):
		return "not_in_workflow"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	default:
		return "error"
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package workflow

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

// ExecuteActions runs the actions of a transition in ascending order inside
// q's transaction. The first failure is returned as *ActionExecutionError.
func (e *Engine) ExecuteActions(ctx context.Context, q repository.Queries, tr *models.Transition, entityID, toStateID string) error {
	actions, err := q.ListActions(ctx, tr.ID)
	if err != nil {
		return fmt.Errorf("failed to list actions: %w", err)
	}
	slices.SortStableFunc(actions, func(a, b models.Action) int { return cmp.Compare(a.Order, b.Order) })

	for _, a := range actions {
		if err := e.runAction(ctx, q, a, entityID); err != nil {
			return &ActionExecutionError{ActionType: a.Spec.ActionType(), Order: a.Order, Err: err}
		}
		e.log.Debug("action executed", "entity_id", entityID, "to_state_id", toStateID,
			"action", a.Spec.ActionType(), "order", a.Order)
	}
	return nil
}

func (e *Engine) runAction(ctx context.Context, q repository.Queries, a models.Action, entityID string) error {
	switch s := a.Spec.(type) {
	case models.LockFields:
		return q.LockFields(ctx, entityID, s.Fields)
	case models.UnlockFields:
		return q.UnlockFields(ctx, entityID, s.Fields)
	case models.Notify:
		n := Notification{
			ID:         newID(),
			EntityID:   entityID,
			Channel:    s.Channel,
			Recipients: s.Recipients,
			Subject:    s.Subject,
			Message:    s.Message,
		}
		if e.opts.DispatchMode == DispatchInline {
			return e.deliverInline(ctx, func(ctx context.Context) error { return e.messenger.Notify(ctx, n) })
		}
		return e.enqueue(ctx, q, entityID, models.OutboxNotify, n.ID, n)
	case models.CreateTask:
		t, err := e.newTask(ctx, s, entityID)
		if err != nil {
			return err
		}
		if e.opts.DispatchMode == DispatchInline {
			return e.deliverInline(ctx, func(ctx context.Context) error { return e.messenger.CreateTask(ctx, t) })
		}
		return e.enqueue(ctx, q, entityID, models.OutboxCreateTask, t.ID, t)
	default:
		return fmt.Errorf("unsupported action %T", a.Spec)
	}
}

func (e *Engine) newTask(ctx context.Context, s models.CreateTask, entityID string) (models.Task, error) {
	now := e.now()
	t := models.Task{
		ID:        newID(),
		EntityID:  entityID,
		Role:      s.Role,
		Title:     s.Title,
		Status:    models.TaskPending,
		CreatedAt: now,
	}
	if s.DueInHours > 0 {
		due := now.Add(time.Duration(s.DueInHours) * time.Hour)
		t.DueAt = &due
	}
	if e.identity != nil {
		userID, ok, err := e.identity.FindUserByRole(ctx, s.Role)
		if err != nil {
			return t, fmt.Errorf("failed to find assignee for role %s: %w", s.Role, err)
		}
		if ok {
			t.AssignedTo = userID
		}
	}
	return t, nil
}

// deliverInline bounds a collaborator call by the action timeout.
func (e *Engine) deliverInline(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ActionTimeout)
	defer cancel()
	return fn(ctx)
}

// enqueue records a message for delivery after commit. The message id is
// the idempotency key the relay presents to the collaborator.
func (e *Engine) enqueue(ctx context.Context, q repository.Queries, entityID string, kind models.OutboxKind, id string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return q.EnqueueOutbox(ctx, &models.OutboxMessage{
		ID:        id,
		EntityID:  entityID,
		Kind:      kind,
		Payload:   body,
		CreatedAt: e.now(),
	})
}

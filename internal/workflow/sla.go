package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

// Escalation is the outbox payload of an overdue entity.
type Escalation struct {
	ID             string `json:"id"`
	EntityID       string `json:"entity_id"`
	CurrentStateID string `json:"current_state_id"`
	AssignedTo     string `json:"assigned_to,omitempty"`
	SLADeadline    string `json:"sla_deadline"`
}

// SweepSLA flags entities whose SLA deadline passed and queues an
// escalation for each. It never moves an entity. A row that changed after it
// was listed is skipped and picked up by the next sweep if still overdue.
// Returns the number of entities escalated.
func (e *Engine) SweepSLA(ctx context.Context, limit int) (int, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.SweepSLA")
	defer span.End()

	now := e.now()
	overdue, err := e.repo.ListOverdue(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue entities: %w", err)
	}

	escalated := 0
	for _, s := range overdue {
		err := e.repo.WithTx(ctx, func(q repository.Queries) error {
			if err := q.MarkEscalated(ctx, s.ID, s.Version, now); err != nil {
				return err
			}
			esc := Escalation{
				ID:             newID(),
				EntityID:       s.EntityID,
				CurrentStateID: s.CurrentStateID,
				AssignedTo:     deref(s.AssignedTo),
				SLADeadline:    s.SLADeadline.UTC().Format(time.RFC3339),
			}
			return e.enqueue(ctx, q, s.EntityID, models.OutboxSLAEscalation, esc.ID, esc)
		})
		if errors.Is(err, repository.ErrConcurrentModification) {
			e.log.Debug("sla escalation skipped; entity changed", "entity_id", s.EntityID)
			continue
		}
		if err != nil {
			e.log.Warn("sla escalation failed", "entity_id", s.EntityID, "error", err.Error())
			continue
		}
		escalated++
		e.metrics.escalations.Add(ctx, 1)
		e.log.Info("sla deadline exceeded", "entity_id", s.EntityID, "state_id", s.CurrentStateID,
			"deadline", s.SLADeadline)
	}
	return escalated, nil
}

package workflow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

// Decision codes reported when a transition is not allowed.
const (
	CodeNotInWorkflow     = "not_in_workflow"
	CodeInvalidTransition = "invalid_transition"
	CodeRuleViolation     = "rule_violation"
)

// Advisory is a failed non-blocking rule.
type Advisory struct {
	RuleType models.RuleType `json:"rule_type"`
	Detail   string          `json:"detail"`
}

// Decision is the outcome of a transition check.
type Decision struct {
	Allowed    bool               `json:"allowed"`
	Code       string             `json:"code,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Violation  *RuleViolation     `json:"violation,omitempty"`
	Advisories []Advisory         `json:"advisories,omitempty"`
	Transition *models.Transition `json:"transition,omitempty"`

	// Err is the typed error an executor returns for a denied decision.
	Err error `json:"-"`
}

func deny(code string, err error) *Decision {
	d := &Decision{Code: code, Reason: err.Error(), Err: err}
	var v *RuleViolation
	if errors.As(err, &v) {
		d.Violation = v
	}
	return d
}

// GetValidTransitions returns the transitions leaving currentStateID,
// ordered by target state order and then name.
func (e *Engine) GetValidTransitions(ctx context.Context, templateID, currentStateID string) ([]models.Transition, error) {
	transitions, err := e.repo.ListTransitionsFrom(ctx, templateID, currentStateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	states, err := e.repo.ListStates(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	byID := make(map[string]models.State, len(states))
	for _, s := range states {
		byID[s.ID] = s
	}
	slices.SortStableFunc(transitions, func(a, b models.Transition) int {
		sa, sb := byID[a.ToStateID], byID[b.ToStateID]
		return cmp.Or(cmp.Compare(sa.Order, sb.Order), cmp.Compare(sa.Name, sb.Name), cmp.Compare(a.Name, b.Name))
	})
	return transitions, nil
}

// CanTransition reports whether actor may move entityID to toStateID. A
// denied transition is reported in the Decision; the error is reserved for
// failures to evaluate.
func (e *Engine) CanTransition(ctx context.Context, entityID, toStateID string, actor models.Actor) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.CanTransition", trace.WithAttributes(
		attribute.String("entity.id", entityID),
		attribute.String("state.to", toStateID),
	))
	defer span.End()

	state, err := e.repo.GetEntityState(ctx, entityID)
	if errors.Is(err, repository.ErrNotFound) {
		return deny(CodeNotInWorkflow, ErrNotInWorkflow), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow state: %w", err)
	}
	return e.evaluate(ctx, e.repo, state, toStateID, actor)
}

// evaluate runs the transition check against a snapshot of the entity.
func (e *Engine) evaluate(ctx context.Context, q repository.Queries, state *models.EntityWorkflowState, toStateID string, actor models.Actor) (*Decision, error) {
	tr, err := q.FindTransition(ctx, state.TemplateID, state.CurrentStateID, toStateID)
	if errors.Is(err, repository.ErrNotFound) {
		return deny(CodeInvalidTransition, ErrInvalidTransition), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transition: %w", err)
	}

	rules, err := q.ListRules(ctx, tr.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	if actor.Roles, err = e.actorRoles(ctx, actor); err != nil {
		return nil, err
	}

	d := &Decision{Allowed: true, Transition: tr}
	for _, r := range rules {
		detail, ok, err := e.checkRule(ctx, q, state, r, actor)
		if err != nil {
			if !r.IsBlocking {
				d.Advisories = append(d.Advisories, Advisory{RuleType: r.Spec.RuleType(), Detail: "could not evaluate: " + err.Error()})
				continue
			}
			return nil, fmt.Errorf("failed to evaluate %s rule: %w", r.Spec.RuleType(), err)
		}
		if ok {
			continue
		}
		if !r.IsBlocking {
			d.Advisories = append(d.Advisories, Advisory{RuleType: r.Spec.RuleType(), Detail: detail})
			continue
		}
		denied := deny(CodeRuleViolation, &RuleViolation{RuleType: r.Spec.RuleType(), Detail: detail})
		denied.Advisories = d.Advisories
		denied.Transition = tr
		return denied, nil
	}
	return d, nil
}

func (e *Engine) actorRoles(ctx context.Context, actor models.Actor) ([]string, error) {
	if len(actor.Roles) > 0 || e.identity == nil || actor.UserID == "" {
		return actor.Roles, nil
	}
	roles, err := e.identity.GetActorRoles(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles of %s: %w", actor.UserID, err)
	}
	return roles, nil
}

// checkRule returns ok when the rule passes, and otherwise a detail message.
func (e *Engine) checkRule(ctx context.Context, q repository.Queries, state *models.EntityWorkflowState, r models.Rule, actor models.Actor) (string, bool, error) {
	switch s := r.Spec.(type) {
	case models.RoleRequired:
		if actor.HasRole(s.Role) {
			return "", true, nil
		}
		return fmt.Sprintf("Requires role %s", s.Role), false, nil

	case models.ParallelApproval:
		if state.CompletedApprovals >= s.RequiredSignatures {
			return "", true, nil
		}
		return fmt.Sprintf("Requires %d approvals (%d completed)", s.RequiredSignatures, state.CompletedApprovals), false, nil

	case models.ConditionCheck:
		value, _, err := q.GetFieldValue(ctx, state.EntityID, s.Field)
		if err != nil {
			return "", false, err
		}
		return evalCondition(s, value)

	case models.NoOpenDeviations:
		if e.deviations == nil {
			return "", false, errors.New("deviation checker not configured")
		}
		open, err := e.deviations.HasOpenDeviations(ctx, state.EntityID)
		if err != nil {
			return "", false, err
		}
		if open {
			return "Entity has open deviations", false, nil
		}
		return "", true, nil

	default:
		return "", false, fmt.Errorf("unsupported rule %T", r.Spec)
	}
}

func evalCondition(c models.ConditionCheck, value string) (string, bool, error) {
	switch c.Operator {
	case models.OperatorEquals:
		if value == c.Value {
			return "", true, nil
		}
		return fmt.Sprintf("Field %s must equal %q", c.Field, c.Value), false, nil

	case models.OperatorNotEmpty:
		if strings.TrimSpace(value) != "" {
			return "", true, nil
		}
		return fmt.Sprintf("Field %s must not be empty", c.Field), false, nil

	case models.OperatorGreaterThan:
		limit, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return "", false, fmt.Errorf("condition value %q is not numeric", c.Value)
		}
		got, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || got <= limit {
			return fmt.Sprintf("Field %s must be greater than %s", c.Field, c.Value), false, nil
		}
		return "", true, nil

	default:
		return "", false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

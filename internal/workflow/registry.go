package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

// StateSpec describes a state to add to a template.
type StateSpec struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Order             int    `json:"order"`
	IsInitial         bool   `json:"is_initial"`
	IsFinal           bool   `json:"is_final"`
	RequiresSignature bool   `json:"requires_signature"`
	SLAHours          *int   `json:"sla_hours,omitempty"`
}

// TransitionSpec describes a transition to add to a template.
type TransitionSpec struct {
	FromStateID     string `json:"from_state_id"`
	ToStateID       string `json:"to_state_id"`
	Name            string `json:"name"`
	RequiresComment bool   `json:"requires_comment"`
	AutoAssignRole  string `json:"auto_assign_role,omitempty"`
}

// RuleDefinition describes a rule to attach to a transition.
type RuleDefinition struct {
	Spec        models.RuleSpec
	IsBlocking  bool
	Description string
}

// ActionDefinition describes an action to attach to a transition.
type ActionDefinition struct {
	Spec  models.ActionSpec
	Order int
}

// FormFieldSpec describes a form field collected in a state.
type FormFieldSpec struct {
	Name        string               `json:"name"`
	Type        models.FormFieldType `json:"type"`
	Label       string               `json:"label"`
	Placeholder string               `json:"placeholder,omitempty"`
	Required    bool                 `json:"required"`
	Order       int                  `json:"order"`
	Options     []string             `json:"options,omitempty"`
}

// CreateTemplate creates an empty template owned by orgID.
func (e *Engine) CreateTemplate(ctx context.Context, orgID, name, description, createdBy string) (*models.Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	if orgID == "" {
		return nil, invalid("organization_id", "is required")
	}
	t := &models.Template{
		ID:             newID(),
		OrganizationID: orgID,
		Name:           name,
		Description:    description,
		IsActive:       true,
		CreatedBy:      createdBy,
		CreatedAt:      e.now(),
	}
	if err := e.repo.CreateTemplate(ctx, t); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, invalid("name", "must be unique within the organization")
		}
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	e.log.Info("template created", "template_id", t.ID, "organization_id", orgID, "name", name)
	return t, nil
}

// AddState adds a state to a template. Final-ness is fixed here: a final
// state never gets outgoing transitions.
func (e *Engine) AddState(ctx context.Context, templateID string, spec StateSpec) (*models.State, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	if spec.SLAHours != nil && *spec.SLAHours <= 0 {
		return nil, invalid("sla_hours", "must be greater than zero")
	}

	s := &models.State{
		ID:                newID(),
		TemplateID:        templateID,
		Name:              name,
		Description:       spec.Description,
		Order:             spec.Order,
		IsInitial:         spec.IsInitial,
		IsFinal:           spec.IsFinal,
		RequiresSignature: spec.RequiresSignature,
		SLAHours:          spec.SLAHours,
		CreatedAt:         e.now(),
	}
	err := e.repo.WithTx(ctx, func(q repository.Queries) error {
		if err := lockForChange(ctx, q, templateID); err != nil {
			return err
		}
		existing, err := q.ListStates(ctx, templateID)
		if err != nil {
			return err
		}
		for _, x := range existing {
			if strings.EqualFold(x.Name, name) {
				return invalid("name", "must be unique within the template")
			}
			if spec.IsInitial && x.IsInitial {
				return invalid("is_initial", "template already has an initial state")
			}
		}
		if err := q.CreateState(ctx, s); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return invalid("name", "must be unique within the template")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AddTransition connects two states of the same template.
func (e *Engine) AddTransition(ctx context.Context, templateID string, spec TransitionSpec) (*models.Transition, error) {
	t := &models.Transition{
		ID:              newID(),
		TemplateID:      templateID,
		FromStateID:     spec.FromStateID,
		ToStateID:       spec.ToStateID,
		Name:            strings.TrimSpace(spec.Name),
		RequiresComment: spec.RequiresComment,
		AutoAssignRole:  strings.TrimSpace(spec.AutoAssignRole),
		CreatedAt:       e.now(),
	}
	err := e.repo.WithTx(ctx, func(q repository.Queries) error {
		if err := lockForChange(ctx, q, templateID); err != nil {
			return err
		}
		from, err := stateOf(ctx, q, templateID, spec.FromStateID, "from_state_id")
		if err != nil {
			return err
		}
		to, err := stateOf(ctx, q, templateID, spec.ToStateID, "to_state_id")
		if err != nil {
			return err
		}
		if from.IsFinal {
			return invalid("from_state_id", "a final state cannot have outgoing transitions")
		}
		if t.Name == "" {
			t.Name = from.Name + " to " + to.Name
		}
		if _, err := q.FindTransition(ctx, templateID, from.ID, to.ID); err == nil {
			return invalid("to_state_id", "transition already exists")
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err := q.CreateTransition(ctx, t); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return invalid("to_state_id", "transition already exists")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// AddRule appends a rule to a transition. Rules are evaluated in the order
// they were added.
func (e *Engine) AddRule(ctx context.Context, transitionID string, def RuleDefinition) (*models.Rule, error) {
	spec, err := validateRuleSpec(def.Spec)
	if err != nil {
		return nil, err
	}
	r := &models.Rule{
		ID:           newID(),
		TransitionID: transitionID,
		IsBlocking:   def.IsBlocking,
		Description:  def.Description,
		Spec:         spec,
		CreatedAt:    e.now(),
	}
	err = e.repo.WithTx(ctx, func(q repository.Queries) error {
		tr, err := q.GetTransition(ctx, transitionID)
		if err != nil {
			return transitionLookupError(err)
		}
		if err := lockForChange(ctx, q, tr.TemplateID); err != nil {
			return err
		}
		existing, err := q.ListRules(ctx, transitionID)
		if err != nil {
			return err
		}
		r.TemplateID = tr.TemplateID
		r.Position = len(existing) + 1
		return q.CreateRule(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// AddAction attaches an action to a transition.
func (e *Engine) AddAction(ctx context.Context, transitionID string, def ActionDefinition) (*models.Action, error) {
	spec, err := validateActionSpec(def.Spec)
	if err != nil {
		return nil, err
	}
	a := &models.Action{
		ID:           newID(),
		TransitionID: transitionID,
		Order:        def.Order,
		Spec:         spec,
		CreatedAt:    e.now(),
	}
	err = e.repo.WithTx(ctx, func(q repository.Queries) error {
		tr, err := q.GetTransition(ctx, transitionID)
		if err != nil {
			return transitionLookupError(err)
		}
		if err := lockForChange(ctx, q, tr.TemplateID); err != nil {
			return err
		}
		return q.CreateAction(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// AddFormField adds a custom form field to a state.
func (e *Engine) AddFormField(ctx context.Context, templateID, stateID string, spec FormFieldSpec) (*models.FormField, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	if !spec.Type.Valid() {
		return nil, invalid("type", fmt.Sprintf("unknown field type %q", spec.Type))
	}
	if spec.Type == models.FormFieldDropdown && len(spec.Options) == 0 {
		return nil, invalid("options", "a dropdown needs at least one option")
	}
	label := spec.Label
	if label == "" {
		label = name
	}
	f := &models.FormField{
		ID:          newID(),
		TemplateID:  templateID,
		StateID:     stateID,
		Name:        name,
		Type:        spec.Type,
		Label:       label,
		Placeholder: spec.Placeholder,
		Required:    spec.Required,
		Order:       spec.Order,
		Options:     spec.Options,
		CreatedAt:   e.now(),
	}
	err := e.repo.WithTx(ctx, func(q repository.Queries) error {
		if _, err := stateOf(ctx, q, templateID, stateID, "state_id"); err != nil {
			return err
		}
		if err := q.CreateFormField(ctx, f); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return invalid("name", "must be unique within the state")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetFormFields returns the form fields of a state in display order.
func (e *Engine) GetFormFields(ctx context.Context, stateID string) ([]models.FormField, error) {
	return e.repo.ListFormFields(ctx, stateID)
}

// GetTemplate returns a template with its states, transitions, rules and
// actions.
func (e *Engine) GetTemplate(ctx context.Context, templateID string) (*models.TemplateGraph, error) {
	t, err := e.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", templateID, err)
	}
	g := &models.TemplateGraph{Template: *t}
	if g.States, err = e.repo.ListStates(ctx, templateID); err != nil {
		return nil, err
	}
	if g.Transitions, err = e.repo.ListTransitions(ctx, templateID); err != nil {
		return nil, err
	}
	for _, tr := range g.Transitions {
		rules, err := e.repo.ListRules(ctx, tr.ID)
		if err != nil {
			return nil, err
		}
		actions, err := e.repo.ListActions(ctx, tr.ID)
		if err != nil {
			return nil, err
		}
		g.Rules = append(g.Rules, rules...)
		g.Actions = append(g.Actions, actions...)
	}
	return g, nil
}

// GetState returns a single state.
func (e *Engine) GetState(ctx context.Context, stateID string) (*models.State, error) {
	s, err := e.repo.GetState(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("state %s: %w", stateID, err)
	}
	return s, nil
}

// GetTransition returns a single transition.
func (e *Engine) GetTransition(ctx context.Context, transitionID string) (*models.Transition, error) {
	tr, err := e.repo.GetTransition(ctx, transitionID)
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", transitionID, err)
	}
	return tr, nil
}

// TemplateOrganization returns the organization that owns a template.
func (e *Engine) TemplateOrganization(ctx context.Context, templateID string) (string, error) {
	t, err := e.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", templateID, err)
	}
	return t.OrganizationID, nil
}

// ListTemplates returns the templates of an organization.
func (e *Engine) ListTemplates(ctx context.Context, orgID string) ([]models.Template, error) {
	return e.repo.ListTemplates(ctx, orgID)
}

func stateOf(ctx context.Context, q repository.Queries, templateID, stateID, field string) (*models.State, error) {
	if stateID == "" {
		return nil, invalid(field, "is required")
	}
	s, err := q.GetState(ctx, stateID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, invalid(field, "does not exist")
	}
	if err != nil {
		return nil, err
	}
	if s.TemplateID != templateID {
		return nil, invalid(field, "belongs to another template")
	}
	return s, nil
}

// lockForChange holds the template exclusively for the rest of the
// transaction. States, transitions, rules and actions are frozen while an
// entity is still moving through the template, because approval quorums and
// SLA deadlines are computed when a state is entered.
func lockForChange(ctx context.Context, q repository.Queries, templateID string) error {
	if _, err := q.LockTemplate(ctx, templateID, true); err != nil {
		return templateLookupError(err)
	}
	live, err := q.HasLiveEntities(ctx, templateID)
	if err != nil {
		return err
	}
	if live {
		return invalid("template_id", "is in use by an entity with an active workflow")
	}
	return nil
}

func templateLookupError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return invalid("template_id", "does not exist")
	}
	return err
}

func transitionLookupError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return invalid("transition_id", "does not exist")
	}
	return err
}

// validateRuleSpec checks a rule variant and returns it by value.
func validateRuleSpec(spec models.RuleSpec) (models.RuleSpec, error) {
	switch s := spec.(type) {
	case *models.RoleRequired:
		if s == nil {
			return nil, invalid("spec", "is required")
		}
		return validateRuleSpec(*s)
	case *models.ParallelApproval:
		if s == nil {
			return nil, invalid("spec", "is required")
		}
		return validateRuleSpec(*s)
	case *models.ConditionCheck:
		if s == nil {
			return nil, invalid("spec", "is required")
		}
		return validateRuleSpec(*s)
	case *models.NoOpenDeviations:
		return models.NoOpenDeviations{}, nil

	case models.RoleRequired:
		if strings.TrimSpace(s.Role) == "" {
			return nil, invalid("role", "is required")
		}
		return s, nil
	case models.ParallelApproval:
		if s.RequiredSignatures < 1 {
			return nil, invalid("required_signatures", "must be at least 1")
		}
		if len(s.SignatureRoles) > 0 {
			if s.RequiredSignatures > len(s.SignatureRoles) {
				return nil, invalid("required_signatures", "cannot exceed the number of signature roles")
			}
			seen := make(map[string]bool, len(s.SignatureRoles))
			for _, r := range s.SignatureRoles {
				if strings.TrimSpace(r) == "" || seen[r] {
					return nil, invalid("signature_roles", "must be distinct and non-empty")
				}
				seen[r] = true
			}
		}
		return s, nil
	case models.ConditionCheck:
		if strings.TrimSpace(s.Field) == "" {
			return nil, invalid("field", "is required")
		}
		switch s.Operator {
		case models.OperatorNotEmpty:
		case models.OperatorEquals:
			if s.Value == "" {
				return nil, invalid("value", "is required for equals")
			}
		case models.OperatorGreaterThan:
			if _, err := strconv.ParseFloat(s.Value, 64); err != nil {
				return nil, invalid("value", "must be numeric for greaterThan")
			}
		default:
			return nil, invalid("operator", fmt.Sprintf("unknown operator %q", s.Operator))
		}
		return s, nil
	case models.NoOpenDeviations:
		return s, nil
	case nil:
		return nil, invalid("spec", "is required")
	default:
		return nil, invalid("type", fmt.Sprintf("unsupported rule %T", spec))
	}
}

// validateActionSpec checks an action variant and returns it by value.
func validateActionSpec(spec models.ActionSpec) (models.ActionSpec, error) {
	switch s := spec.(type) {
	case *models.LockFields:
		if s == nil {
			return nil, invalid("spec", "is required")
		}
		return validateActionSpec(*s)
	case *models.UnlockFields:
		if s == nil {
			return nil, invalid("spec", "is required")
		}
		return validateActionSpec(*s)
	case *models.Notify:
		if s == nil {
			return nil, invalid("spec", "is required")
		}
		return validateActionSpec(*s)
	case *models.CreateTask:
		if s == nil {
			return nil, invalid("spec", "is required")
		}
		return validateActionSpec(*s)

	case models.LockFields:
		if err := validateFieldList(s.Fields); err != nil {
			return nil, err
		}
		return s, nil
	case models.UnlockFields:
		if err := validateFieldList(s.Fields); err != nil {
			return nil, err
		}
		return s, nil
	case models.Notify:
		if len(s.Recipients) == 0 && s.Channel == "" {
			return nil, invalid("recipients", "a notification needs recipients or a channel")
		}
		return s, nil
	case models.CreateTask:
		if strings.TrimSpace(s.Role) == "" {
			return nil, invalid("role", "is required")
		}
		if strings.TrimSpace(s.Title) == "" {
			return nil, invalid("title", "is required")
		}
		if s.DueInHours < 0 {
			return nil, invalid("due_in_hours", "cannot be negative")
		}
		return s, nil
	case nil:
		return nil, invalid("spec", "is required")
	default:
		return nil, invalid("type", fmt.Sprintf("unsupported action %T", spec))
	}
}

func validateFieldList(fields []string) error {
	if len(fields) == 0 {
		return invalid("fields", "must not be empty")
	}
	if slices.ContainsFunc(fields, func(f string) bool { return strings.TrimSpace(f) == "" }) {
		return invalid("fields", "must not contain empty names")
	}
	return nil
}

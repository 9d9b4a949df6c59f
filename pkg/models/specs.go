package models

import (
	"encoding/json"
	"fmt"
)

// RuleType identifies the kind of a RuleSpec.
type RuleType string

const (
	RuleTypeRoleRequired     RuleType = "role_required"
	RuleTypeParallelApproval RuleType = "parallel_approval"
	RuleTypeConditionCheck   RuleType = "condition_check"
	RuleTypeNoOpenDeviations RuleType = "no_deviations"
)

// RuleSpec is the closed set of rule variants. Only the types declared in
// this file implement it.
type RuleSpec interface {
	RuleType() RuleType
	isRuleSpec()
}

// RoleRequired passes when the actor holds Role.
type RoleRequired struct {
	Role string `json:"role"`
}

// ParallelApproval passes once RequiredSignatures approvals were collected.
type ParallelApproval struct {
	RequiredSignatures int      `json:"required_signatures"`
	SignatureRoles     []string `json:"signature_roles,omitempty"`
}

// ConditionOperator is the comparison applied by a ConditionCheck.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEmpty    ConditionOperator = "notEmpty"
	OperatorGreaterThan ConditionOperator = "greaterThan"
)

// ConditionCheck compares an entity field against Value.
type ConditionCheck struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value,omitempty"`
}

// NoOpenDeviations blocks while any open deviation references the entity.
type NoOpenDeviations struct{}

func (RoleRequired) RuleType() RuleType     { return RuleTypeRoleRequired }
func (ParallelApproval) RuleType() RuleType { return RuleTypeParallelApproval }
func (ConditionCheck) RuleType() RuleType   { return RuleTypeConditionCheck }
func (NoOpenDeviations) RuleType() RuleType { return RuleTypeNoOpenDeviations }

func (RoleRequired) isRuleSpec()     {}
func (ParallelApproval) isRuleSpec() {}
func (ConditionCheck) isRuleSpec()   {}
func (NoOpenDeviations) isRuleSpec() {}

// DecodeRuleSpec builds the typed spec for ruleType from its JSON config.
func DecodeRuleSpec(ruleType RuleType, config []byte) (RuleSpec, error) {
	if len(config) == 0 {
		config = []byte("{}")
	}
	switch ruleType {
	case RuleTypeRoleRequired:
		var s RoleRequired
		err := decodeStrict(config, &s)
		return s, err
	case RuleTypeParallelApproval:
		var s ParallelApproval
		err := decodeStrict(config, &s)
		return s, err
	case RuleTypeConditionCheck:
		var s ConditionCheck
		err := decodeStrict(config, &s)
		return s, err
	case RuleTypeNoOpenDeviations:
		return NoOpenDeviations{}, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", ruleType)
	}
}

// ActionType identifies the kind of an ActionSpec.
type ActionType string

const (
	ActionTypeLockFields   ActionType = "lock_fields"
	ActionTypeUnlockFields ActionType = "unlock_fields"
	ActionTypeNotify       ActionType = "send_notification"
	ActionTypeCreateTask   ActionType = "create_task"
)

// ActionSpec is the closed set of action variants.
type ActionSpec interface {
	ActionType() ActionType
	isActionSpec()
}

// LockFields marks fields read-only on the entity.
type LockFields struct {
	Fields []string `json:"fields"`
}

// UnlockFields marks fields writable on the entity.
type UnlockFields struct {
	Fields []string `json:"fields"`
}

// Notify sends a message through the messaging collaborator.
type Notify struct {
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// CreateTask opens a task for a member of Role.
type CreateTask struct {
	Role       string `json:"role"`
	Title      string `json:"title"`
	DueInHours int    `json:"due_in_hours,omitempty"`
}

func (LockFields) ActionType() ActionType   { return ActionTypeLockFields }
func (UnlockFields) ActionType() ActionType { return ActionTypeUnlockFields }
func (Notify) ActionType() ActionType       { return ActionTypeNotify }
func (CreateTask) ActionType() ActionType   { return ActionTypeCreateTask }

func (LockFields) isActionSpec()   {}
func (UnlockFields) isActionSpec() {}
func (Notify) isActionSpec()       {}
func (CreateTask) isActionSpec()   {}

// DecodeActionSpec builds the typed spec for actionType from its JSON config.
func DecodeActionSpec(actionType ActionType, config []byte) (ActionSpec, error) {
	if len(config) == 0 {
		config = []byte("{}")
	}
	switch actionType {
	case ActionTypeLockFields:
		var s LockFields
		err := decodeStrict(config, &s)
		return s, err
	case ActionTypeUnlockFields:
		var s UnlockFields
		err := decodeStrict(config, &s)
		return s, err
	case ActionTypeNotify:
		var s Notify
		err := decodeStrict(config, &s)
		return s, err
	case ActionTypeCreateTask:
		var s CreateTask
		err := decodeStrict(config, &s)
		return s, err
	default:
		return nil, fmt.Errorf("unknown action type %q", actionType)
	}
}

func decodeStrict(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type ruleJSON struct {
	ID           string          `json:"id"`
	TemplateID   string          `json:"template_id"`
	TransitionID string          `json:"transition_id"`
	Position     int             `json:"position"`
	IsBlocking   bool            `json:"is_blocking"`
	Description  string          `json:"description,omitempty"`
	Type         RuleType        `json:"type"`
	Config       json.RawMessage `json:"config"`
}

// MarshalJSON encodes the rule with its variant as "type" and "config".
func (r Rule) MarshalJSON() ([]byte, error) {
	out := ruleJSON{
		ID:           r.ID,
		TemplateID:   r.TemplateID,
		TransitionID: r.TransitionID,
		Position:     r.Position,
		IsBlocking:   r.IsBlocking,
		Description:  r.Description,
	}
	if r.Spec != nil {
		cfg, err := json.Marshal(r.Spec)
		if err != nil {
			return nil, err
		}
		out.Type = r.Spec.RuleType()
		out.Config = cfg
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a rule previously encoded by MarshalJSON.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var in ruleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	spec, err := DecodeRuleSpec(in.Type, in.Config)
	if err != nil {
		return err
	}
	*r = Rule{
		ID:           in.ID,
		TemplateID:   in.TemplateID,
		TransitionID: in.TransitionID,
		Position:     in.Position,
		IsBlocking:   in.IsBlocking,
		Description:  in.Description,
		Spec:         spec,
	}
	return nil
}

type actionJSON struct {
	ID           string          `json:"id"`
	TransitionID string          `json:"transition_id"`
	Order        int             `json:"order"`
	Type         ActionType      `json:"type"`
	Config       json.RawMessage `json:"config"`
}

// MarshalJSON encodes the action with its variant as "type" and "config".
func (a Action) MarshalJSON() ([]byte, error) {
	out := actionJSON{ID: a.ID, TransitionID: a.TransitionID, Order: a.Order}
	if a.Spec != nil {
		cfg, err := json.Marshal(a.Spec)
		if err != nil {
			return nil, err
		}
		out.Type = a.Spec.ActionType()
		out.Config = cfg
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an action previously encoded by MarshalJSON.
func (a *Action) UnmarshalJSON(data []byte) error {
	var in actionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	spec, err := DecodeActionSpec(in.Type, in.Config)
	if err != nil {
		return err
	}
	*a = Action{ID: in.ID, TransitionID: in.TransitionID, Order: in.Order, Spec: spec}
	return nil
}

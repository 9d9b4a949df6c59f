package models

import (
	"time"
)

// Template is an organization-scoped workflow definition.
type Template struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	IsActive       bool      `json:"is_active"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// State is a node of a template (Draft, Review, Approved, ...).
type State struct {
	ID                string    `json:"id"`
	TemplateID        string    `json:"template_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Order             int       `json:"order"`
	IsInitial         bool      `json:"is_initial"`
	IsFinal           bool      `json:"is_final"`
	RequiresSignature bool      `json:"requires_signature"`
	SLAHours          *int      `json:"sla_hours,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Transition is a directed edge between two states of the same template.
type Transition struct {
	ID              string    `json:"id"`
	TemplateID      string    `json:"template_id"`
	FromStateID     string    `json:"from_state_id"`
	ToStateID       string    `json:"to_state_id"`
	Name            string    `json:"name"`
	RequiresComment bool      `json:"requires_comment"`
	AutoAssignRole  string    `json:"auto_assign_role,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Rule gates a transition. Rules are evaluated in Position order.
type Rule struct {
	ID           string    `json:"id"`
	TemplateID   string    `json:"template_id"`
	TransitionID string    `json:"transition_id"`
	Position     int       `json:"position"`
	IsBlocking   bool      `json:"is_blocking"`
	Description  string    `json:"description,omitempty"`
	Spec         RuleSpec  `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Action is an automated side effect attached to a transition.
type Action struct {
	ID           string     `json:"id"`
	TransitionID string     `json:"transition_id"`
	Order        int        `json:"order"`
	Spec         ActionSpec `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
}

// FormFieldType is the input type of a per-state form field.
type FormFieldType string

const (
	FormFieldText      FormFieldType = "text"
	FormFieldDate      FormFieldType = "date"
	FormFieldDropdown  FormFieldType = "dropdown"
	FormFieldFile      FormFieldType = "file"
	FormFieldSignature FormFieldType = "signature"
)

// Valid reports whether t is a known field type.
func (t FormFieldType) Valid() bool {
	switch t {
	case FormFieldText, FormFieldDate, FormFieldDropdown, FormFieldFile, FormFieldSignature:
		return true
	}
	return false
}

// FormField is a custom input collected while an entity sits in a state.
type FormField struct {
	ID          string        `json:"id"`
	TemplateID  string        `json:"template_id"`
	StateID     string        `json:"state_id"`
	Name        string        `json:"name"`
	Type        FormFieldType `json:"type"`
	Label       string        `json:"label"`
	Placeholder string        `json:"placeholder,omitempty"`
	Required    bool          `json:"required"`
	Order       int           `json:"order"`
	Options     []string      `json:"options,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// TemplateGraph is a template together with its full configuration.
type TemplateGraph struct {
	Template    Template     `json:"template"`
	States      []State      `json:"states"`
	Transitions []Transition `json:"transitions"`
	Rules       []Rule       `json:"rules"`
	Actions     []Action     `json:"actions"`
}

// InitialState returns the template's initial state, if any.
func (g *TemplateGraph) InitialState() (State, bool) {
	for _, s := range g.States {
		if s.IsInitial {
			return s, true
		}
	}
	return State{}, false
}

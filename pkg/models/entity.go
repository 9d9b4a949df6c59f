package models

import (
	"slices"
	"time"
)

// Approval is one signature collected toward a parallel approval quorum.
type Approval struct {
	UserID       string    `json:"user_id"`
	Role         string    `json:"role"`
	Timestamp    time.Time `json:"timestamp"`
	SignatureRef string    `json:"signature_ref"`
}

// EntityWorkflowState is the live position of one entity in a workflow.
type EntityWorkflowState struct {
	ID                 string     `json:"id"`
	EntityID           string     `json:"entity_id"`
	TemplateID         string     `json:"template_id"`
	CurrentStateID     string     `json:"current_state_id"`
	PreviousStateID    *string    `json:"previous_state_id,omitempty"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	MovedBy            string     `json:"moved_by"`
	TransitionReason   string     `json:"transition_reason,omitempty"`
	EnteredAt          time.Time  `json:"entered_at"`
	SLADeadline        *time.Time `json:"sla_deadline,omitempty"`
	EscalatedAt        *time.Time `json:"escalated_at,omitempty"`
	RequiredApprovals  int        `json:"required_approvals"`
	CompletedApprovals int        `json:"completed_approvals"`
	ApprovalRoles      []string   `json:"approval_roles,omitempty"`
	Approvals          []Approval `json:"approvals"`
	IsLocked           bool       `json:"is_locked"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	SupersededAt       *time.Time `json:"superseded_at,omitempty"`
}

// Clone returns a deep copy of s.
func (s *EntityWorkflowState) Clone() *EntityWorkflowState {
	c := *s
	c.PreviousStateID = clonePtr(s.PreviousStateID)
	c.AssignedTo = clonePtr(s.AssignedTo)
	c.SLADeadline = clonePtr(s.SLADeadline)
	c.EscalatedAt = clonePtr(s.EscalatedAt)
	c.SupersededAt = clonePtr(s.SupersededAt)
	c.ApprovalRoles = slices.Clone(s.ApprovalRoles)
	c.Approvals = slices.Clone(s.Approvals)
	return &c
}

// HasSigned reports whether userID already signed in the current state.
func (s *EntityWorkflowState) HasSigned(userID string) bool {
	return slices.ContainsFunc(s.Approvals, func(a Approval) bool { return a.UserID == userID })
}

// RoleSigned reports whether a signature was already recorded for role.
func (s *EntityWorkflowState) RoleSigned(role string) bool {
	return slices.ContainsFunc(s.Approvals, func(a Approval) bool { return a.Role == role })
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

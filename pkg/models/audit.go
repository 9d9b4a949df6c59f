package models

import (
	"encoding/json"
	"time"
)

// AuditAction names the kind of event an audit record captures.
type AuditAction string

const (
	AuditWorkflowStarted AuditAction = "workflow_started"
	AuditStateChange     AuditAction = "state_change"
	AuditApprovalSigned  AuditAction = "approval_signed"
	AuditFieldChange     AuditAction = "field_change"
)

// AuditRecord is an immutable, hash-chained entry of an entity's history.
type AuditRecord struct {
	ID           string      `json:"id"`
	EntityID     string      `json:"entity_id"`
	Seq          int64       `json:"seq"`
	Action       AuditAction `json:"action"`
	FromState    string      `json:"from_state,omitempty"`
	ToState      string      `json:"to_state,omitempty"`
	PerformedBy  string      `json:"performed_by"`
	Timestamp    time.Time   `json:"timestamp"`
	Reason       string      `json:"reason,omitempty"`
	IPAddress    string      `json:"ip_address,omitempty"`
	UserAgent    string      `json:"user_agent,omitempty"`
	FieldName    string      `json:"field_name,omitempty"`
	OldValue     string      `json:"old_value,omitempty"`
	NewValue     string      `json:"new_value,omitempty"`
	SignatureRef string      `json:"signature_ref,omitempty"`
	DataHash     string      `json:"data_hash"`
	PreviousHash string      `json:"previous_hash,omitempty"`
}

// OutboxKind selects the collaborator an outbox message is delivered to.
type OutboxKind string

const (
	OutboxNotify        OutboxKind = "notify"
	OutboxCreateTask    OutboxKind = "create_task"
	OutboxSLAEscalation OutboxKind = "sla_escalation"
)

// OutboxMessage is a side effect recorded in the same transaction as the
// state change that caused it and delivered after commit.
type OutboxMessage struct {
	ID          string          `json:"id"`
	EntityID    string          `json:"entity_id"`
	Kind        OutboxKind      `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

// Task statuses
const (
	TaskPending   = "PENDING"
	TaskCompleted = "COMPLETED"
)

// Task is a unit of work opened for a user by a CreateTask action.
type Task struct {
	ID          string     `json:"id"`
	EntityID    string     `json:"entity_id"`
	Role        string     `json:"role"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

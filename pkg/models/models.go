// Package models defines the domain models for the workflow service
package models

import (
	"slices"
	"time"
)

// Actor is the authenticated user performing an operation.
type Actor struct {
	UserID         string   `json:"user_id"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

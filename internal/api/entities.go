package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"gxp-workflow/backend/internal/workflow"
	"gxp-workflow/backend/pkg/models"
)

type startRequest struct {
	TemplateID string `json:"template_id"`
}

type transitionRequest struct {
	ToStateID string `json:"to_state_id"`
	Reason    string `json:"reason"`
}

type approvalRequest struct {
	SignatureRef string `json:"signature_ref"`
}

type fieldChangeRequest struct {
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// StartWorkflow places an entity at the initial state of a template
// (POST /api/v1/entities/{entityID}/workflow)
func (h *Handler) StartWorkflow(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req startRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.authorizeTemplate(c, req.TemplateID); err != nil {
		return err
	}
	if err := h.authorizeEntity(c); err != nil {
		return err
	}
	s, err := h.engine.StartWorkflow(c.Request().Context(), workflow.StartRequest{
		EntityID:   c.Param("entityID"),
		TemplateID: req.TemplateID,
		Actor:      actor,
		IPAddress:  c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, s)
}

// GetEntityState returns the active workflow position of an entity
// (GET /api/v1/entities/{entityID}/workflow)
func (h *Handler) GetEntityState(c echo.Context) error {
	if err := h.authorizeEntity(c); err != nil {
		return err
	}
	s, err := h.engine.GetEntityState(c.Request().Context(), c.Param("entityID"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

// CanTransition evaluates a move without applying it. A denial is a normal
// 200 response with allowed=false.
// (GET /api/v1/entities/{entityID}/can-transition?to_state_id=)
func (h *Handler) CanTransition(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if err := h.authorizeEntity(c); err != nil {
		return err
	}
	to := c.QueryParam("to_state_id")
	if to == "" {
		return &workflow.ValidationError{Field: "to_state_id", Constraint: "is required"}
	}
	d, err := h.engine.CanTransition(c.Request().Context(), c.Param("entityID"), to, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// ExecuteTransition moves an entity to another state
// (POST /api/v1/entities/{entityID}/transitions)
func (h *Handler) ExecuteTransition(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if err := h.authorizeEntity(c); err != nil {
		return err
	}
	var req transitionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.engine.ExecuteTransition(c.Request().Context(), workflow.TransitionRequest{
		EntityID:  c.Param("entityID"),
		ToStateID: req.ToStateID,
		Actor:     actor,
		Reason:    req.Reason,
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// AddApprovalSignature records the caller's signature toward the open quorum
// (POST /api/v1/entities/{entityID}/approvals)
func (h *Handler) AddApprovalSignature(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if err := h.authorizeEntity(c); err != nil {
		return err
	}
	var req approvalRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.engine.AddApprovalSignature(c.Request().Context(), c.Param("entityID"), actor, req.SignatureRef)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// RecordFieldChange stores a field value of an entity
// (PUT /api/v1/entities/{entityID}/fields/{field})
func (h *Handler) RecordFieldChange(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if err := h.authorizeEntity(c); err != nil {
		return err
	}
	var req fieldChangeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	rec, err := h.engine.RecordFieldChange(c.Request().Context(), workflow.FieldChange{
		EntityID:  c.Param("entityID"),
		Field:     c.Param("field"),
		NewValue:  req.Value,
		Actor:     actor,
		Reason:    req.Reason,
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// GetAuditTrail returns the audit records of an entity, newest first
// (GET /api/v1/entities/{entityID}/audit)
func (h *Handler) GetAuditTrail(c echo.Context) error {
	if err := h.authorizeEntity(c); err != nil {
		return err
	}
	trail, err := h.engine.GetAuditTrail(c.Request().Context(), c.Param("entityID"))
	if err != nil {
		return err
	}
	if trail == nil {
		trail = []models.AuditRecord{}
	}
	return c.JSON(http.StatusOK, trail)
}

// VerifyChain recomputes the audit chain of an entity
// (GET /api/v1/entities/{entityID}/audit/verify)
func (h *Handler) VerifyChain(c echo.Context) error {
	if err := h.authorizeEntity(c); err != nil {
		return err
	}
	report, err := h.engine.VerifyChain(c.Request().Context(), c.Param("entityID"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// authorizeEntity hides entities whose workflow runs on another
// organization's template. An entity with no workflow has no owner yet.
func (h *Handler) authorizeEntity(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	s, err := h.engine.GetEntityState(c.Request().Context(), c.Param("entityID"))
	if errors.Is(err, workflow.ErrNotInWorkflow) {
		return nil
	}
	if err != nil {
		return err
	}
	org, err := h.engine.TemplateOrganization(c.Request().Context(), s.TemplateID)
	if err != nil {
		return err
	}
	if org != actor.OrganizationID {
		return workflow.ErrNotInWorkflow
	}
	return nil
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/internal/workflow"
	"gxp-workflow/backend/pkg/models"
)

type createTemplateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ruleRequest struct {
	Type        models.RuleType `json:"type"`
	Config      json.RawMessage `json:"config"`
	IsBlocking  *bool           `json:"is_blocking"`
	Description string          `json:"description"`
}

type actionRequest struct {
	Type   models.ActionType `json:"type"`
	Config json.RawMessage   `json:"config"`
	Order  int               `json:"order"`
}

// ListTemplates returns the templates of the caller's organization
// (GET /api/v1/templates)
func (h *Handler) ListTemplates(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	templates, err := h.engine.ListTemplates(c.Request().Context(), actor.OrganizationID)
	if err != nil {
		return err
	}
	if templates == nil {
		templates = []models.Template{}
	}
	return c.JSON(http.StatusOK, templates)
}

// CreateTemplate creates an empty template
// (POST /api/v1/templates)
func (h *Handler) CreateTemplate(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req createTemplateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	t, err := h.engine.CreateTemplate(c.Request().Context(), actor.OrganizationID, req.Name, req.Description, actor.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

// GetTemplate returns the full template graph
// (GET /api/v1/templates/{templateID})
func (h *Handler) GetTemplate(c echo.Context) error {
	g, err := h.ownedTemplate(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, g)
}

// AddState adds a state to a template
// (POST /api/v1/templates/{templateID}/states)
func (h *Handler) AddState(c echo.Context) error {
	if _, err := h.ownedTemplate(c); err != nil {
		return err
	}
	var spec workflow.StateSpec
	if err := bind(c, &spec); err != nil {
		return err
	}
	s, err := h.engine.AddState(c.Request().Context(), c.Param("templateID"), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, s)
}

// AddTransition connects two states of a template
// (POST /api/v1/templates/{templateID}/transitions)
func (h *Handler) AddTransition(c echo.Context) error {
	if _, err := h.ownedTemplate(c); err != nil {
		return err
	}
	var spec workflow.TransitionSpec
	if err := bind(c, &spec); err != nil {
		return err
	}
	t, err := h.engine.AddTransition(c.Request().Context(), c.Param("templateID"), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

// GetValidTransitions lists the transitions leaving a state
// (GET /api/v1/templates/{templateID}/states/{stateID}/transitions)
func (h *Handler) GetValidTransitions(c echo.Context) error {
	if _, err := h.ownedTemplate(c); err != nil {
		return err
	}
	ts, err := h.engine.GetValidTransitions(c.Request().Context(), c.Param("templateID"), c.Param("stateID"))
	if err != nil {
		return err
	}
	if ts == nil {
		ts = []models.Transition{}
	}
	return c.JSON(http.StatusOK, ts)
}

// AddFormField adds a form field to a state
// (POST /api/v1/templates/{templateID}/states/{stateID}/form-fields)
func (h *Handler) AddFormField(c echo.Context) error {
	if _, err := h.ownedTemplate(c); err != nil {
		return err
	}
	var spec workflow.FormFieldSpec
	if err := bind(c, &spec); err != nil {
		return err
	}
	f, err := h.engine.AddFormField(c.Request().Context(), c.Param("templateID"), c.Param("stateID"), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, f)
}

// GetFormFields lists the form fields of a state in display order
// (GET /api/v1/states/{stateID}/form-fields)
func (h *Handler) GetFormFields(c echo.Context) error {
	if err := h.authorizeState(c, c.Param("stateID")); err != nil {
		return err
	}
	fields, err := h.engine.GetFormFields(c.Request().Context(), c.Param("stateID"))
	if err != nil {
		return err
	}
	if fields == nil {
		fields = []models.FormField{}
	}
	return c.JSON(http.StatusOK, fields)
}

// AddRule attaches a rule to a transition. Rules block by default.
// (POST /api/v1/transitions/{transitionID}/rules)
func (h *Handler) AddRule(c echo.Context) error {
	if err := h.authorizeTransition(c, c.Param("transitionID")); err != nil {
		return err
	}
	var req ruleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	spec, err := models.DecodeRuleSpec(req.Type, req.Config)
	if err != nil {
		return &workflow.ValidationError{Field: "type", Constraint: err.Error()}
	}
	def := workflow.RuleDefinition{Spec: spec, IsBlocking: true, Description: req.Description}
	if req.IsBlocking != nil {
		def.IsBlocking = *req.IsBlocking
	}
	r, err := h.engine.AddRule(c.Request().Context(), c.Param("transitionID"), def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

// AddAction attaches an action to a transition
// (POST /api/v1/transitions/{transitionID}/actions)
func (h *Handler) AddAction(c echo.Context) error {
	if err := h.authorizeTransition(c, c.Param("transitionID")); err != nil {
		return err
	}
	var req actionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	spec, err := models.DecodeActionSpec(req.Type, req.Config)
	if err != nil {
		return &workflow.ValidationError{Field: "type", Constraint: err.Error()}
	}
	a, err := h.engine.AddAction(c.Request().Context(), c.Param("transitionID"), workflow.ActionDefinition{Spec: spec, Order: req.Order})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

// ownedTemplate loads the template named by the path and hides templates of
// other organizations.
func (h *Handler) ownedTemplate(c echo.Context) (*models.TemplateGraph, error) {
	actor, err := actorFrom(c)
	if err != nil {
		return nil, err
	}
	g, err := h.engine.GetTemplate(c.Request().Context(), c.Param("templateID"))
	if err != nil {
		return nil, err
	}
	if g.Template.OrganizationID != actor.OrganizationID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "template not found")
	}
	return g, nil
}

// authorizeTemplate hides templates of other organizations. An unknown id
// passes so the engine reports it the usual way.
func (h *Handler) authorizeTemplate(c echo.Context, templateID string) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	org, err := h.engine.TemplateOrganization(c.Request().Context(), templateID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if org != actor.OrganizationID {
		return echo.NewHTTPError(http.StatusNotFound, "template not found")
	}
	return nil
}

func (h *Handler) authorizeState(c echo.Context, stateID string) error {
	s, err := h.engine.GetState(c.Request().Context(), stateID)
	if errors.Is(err, repository.ErrNotFound) {
		_, err = actorFrom(c)
		return err
	}
	if err != nil {
		return err
	}
	return h.authorizeTemplate(c, s.TemplateID)
}

func (h *Handler) authorizeTransition(c echo.Context, transitionID string) error {
	tr, err := h.engine.GetTransition(c.Request().Context(), transitionID)
	if errors.Is(err, repository.ErrNotFound) {
		_, err = actorFrom(c)
		return err
	}
	if err != nil {
		return err
	}
	return h.authorizeTemplate(c, tr.TemplateID)
}

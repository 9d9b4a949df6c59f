// Package api contains the HTTP handlers for the workflow service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"gxp-workflow/backend/internal/auth"
	"gxp-workflow/backend/internal/logging"
	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/internal/workflow"
	"gxp-workflow/backend/pkg/models"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Pinger checks the storage backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers for the workflow REST API.
type Handler struct {
	engine *workflow.Engine
	db     Pinger
	tasks  TaskStore
	log    *logging.Logger
}

// NewHandler creates a new Handler with required dependencies.
func NewHandler(engine *workflow.Engine, db Pinger, tasks TaskStore, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{engine: engine, db: db, tasks: tasks, log: log}
}

// RegisterRoutes mounts the authenticated workflow API on g.
func RegisterRoutes(g *echo.Group, h *Handler) {
	g.GET("/templates", h.ListTemplates)
	g.POST("/templates", h.CreateTemplate)
	g.GET("/templates/:templateID", h.GetTemplate)
	g.POST("/templates/:templateID/states", h.AddState)
	g.POST("/templates/:templateID/transitions", h.AddTransition)
	g.GET("/templates/:templateID/states/:stateID/transitions", h.GetValidTransitions)
	g.POST("/templates/:templateID/states/:stateID/form-fields", h.AddFormField)
	g.GET("/states/:stateID/form-fields", h.GetFormFields)
	g.POST("/transitions/:transitionID/rules", h.AddRule)
	g.POST("/transitions/:transitionID/actions", h.AddAction)

	g.POST("/entities/:entityID/workflow", h.StartWorkflow)
	g.GET("/entities/:entityID/workflow", h.GetEntityState)
	g.GET("/entities/:entityID/can-transition", h.CanTransition)
	g.POST("/entities/:entityID/transitions", h.ExecuteTransition)
	g.POST("/entities/:entityID/approvals", h.AddApprovalSignature)
	g.PUT("/entities/:entityID/fields/:field", h.RecordFieldChange)
	g.GET("/entities/:entityID/audit", h.GetAuditTrail)
	g.GET("/entities/:entityID/audit/verify", h.VerifyChain)

	g.GET("/tasks/mine", h.ListMyTasks)
	g.POST("/tasks/:taskID/complete", h.CompleteTask)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
}

// HandleHealth reports service health. It returns 503 when the database is
// unreachable.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "gxp-workflow",
		Version:   Version,
		Database:  "ok",
	}
	code := http.StatusOK
	if err := h.db.Ping(c.Request().Context()); err != nil {
		status.Status = "degraded"
		status.Database = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`

	Field    string          `json:"field,omitempty"`
	RuleType models.RuleType `json:"rule_type,omitempty"`
	BrokenAt int64           `json:"broken_at,omitempty"`
}

// ErrorHandler renders handler errors as RFC 7807 problem documents.
func ErrorHandler(log *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p := problemFor(err)
		p.Instance = c.Request().URL.Path
		switch {
		case p.Status == http.StatusInternalServerError && p.BrokenAt > 0:
			log.Error("audit chain integrity violation served", "path", p.Instance, "error", err.Error())
		case p.Status >= http.StatusInternalServerError:
			log.Warn("request failed", "path", p.Instance, "status", p.Status, "error", err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(p.Status)
			return
		}
		_ = c.JSON(p.Status, p)
	}
}

func problemFor(err error) ProblemDetails {
	var (
		he *echo.HTTPError
		ve *workflow.ValidationError
		rv *workflow.RuleViolation
		ae *workflow.ActionExecutionError
		iv *workflow.IntegrityViolation
	)
	p := ProblemDetails{Type: "about:blank", Detail: err.Error()}
	switch {
	case errors.As(err, &he):
		p.Status = he.Code
		p.Detail = http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			p.Detail = msg
		}
	case errors.As(err, &ve):
		p.Status = http.StatusBadRequest
		p.Field = ve.Field
	case errors.Is(err, workflow.ErrNotInWorkflow), errors.Is(err, repository.ErrNotFound):
		p.Status = http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrAlreadyComplete),
		errors.Is(err, repository.ErrConcurrentModification),
		errors.Is(err, repository.ErrConflict):
		p.Status = http.StatusConflict
	case errors.As(err, &rv):
		p.Status = http.StatusUnprocessableEntity
		p.RuleType = rv.RuleType
	case errors.As(err, &ae):
		p.Status = http.StatusBadGateway
	case errors.As(err, &iv):
		p.Status = http.StatusInternalServerError
		p.BrokenAt = iv.BrokenAt
	default:
		p.Status = http.StatusInternalServerError
		p.Detail = "internal error"
	}
	p.Title = http.StatusText(p.Status)
	return p
}

func actorFrom(c echo.Context) (models.Actor, error) {
	a, ok := auth.ActorFromContext(c.Request().Context())
	if !ok || a.UserID == "" {
		return models.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated actor")
	}
	return a, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return &workflow.ValidationError{Field: "body", Constraint: "must be valid JSON"}
	}
	return nil
}

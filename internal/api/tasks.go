package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"gxp-workflow/backend/pkg/models"
)

// TaskStore lists and closes the tasks opened by CreateTask actions.
type TaskStore interface {
	ListTasks(ctx context.Context, assignee string) ([]models.Task, error)
	CompleteTask(ctx context.Context, taskID, userID string, at time.Time) (*models.Task, error)
}

// ListMyTasks returns the caller's pending tasks
// (GET /api/v1/tasks/mine)
func (h *Handler) ListMyTasks(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	tasks, err := h.tasks.ListTasks(c.Request().Context(), actor.UserID)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// CompleteTask closes one of the caller's pending tasks. Tasks of other users
// and closed tasks are reported as not found.
// (POST /api/v1/tasks/{taskID}/complete)
func (h *Handler) CompleteTask(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	t, err := h.tasks.CompleteTask(c.Request().Context(), c.Param("taskID"), actor.UserID, time.Now().UTC())
	if err != nil {
		return err
	}
	h.log.Info("task completed", "task_id", t.ID, "entity_id", t.EntityID, "user_id", actor.UserID)
	return c.JSON(http.StatusOK, t)
}

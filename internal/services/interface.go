package services

import (
	"context"

	"gxp-workflow/backend/internal/workflow"
	"gxp-workflow/backend/pkg/models"
)

// Notifier sends a notification to an external messaging system.
type Notifier interface {
	Notify(ctx context.Context, n workflow.Notification) error
}

// TaskSink stores tasks opened by workflow actions.
type TaskSink interface {
	CreateTask(ctx context.Context, t *models.Task) error
}

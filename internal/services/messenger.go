package services

import (
	"context"

	"gxp-workflow/backend/internal/logging"
	"gxp-workflow/backend/internal/workflow"
	"gxp-workflow/backend/pkg/models"
)

// Messenger sends notifications through a Notifier and stores tasks in a
// TaskSink. A nil Notifier logs notifications instead of sending them.
type Messenger struct {
	notifier Notifier
	tasks    TaskSink
	log      *logging.Logger
}

// NewMessenger creates a new Messenger.
func NewMessenger(notifier Notifier, tasks TaskSink, log *logging.Logger) *Messenger {
	if log == nil {
		log = logging.Nop()
	}
	return &Messenger{notifier: notifier, tasks: tasks, log: log}
}

func (m *Messenger) Notify(ctx context.Context, n workflow.Notification) error {
	if m.notifier == nil {
		m.log.Info("notification", "id", n.ID, "entity_id", n.EntityID, "channel", n.Channel,
			"recipients", n.Recipients, "message", n.Message)
		return nil
	}
	return m.notifier.Notify(ctx, n)
}

func (m *Messenger) CreateTask(ctx context.Context, t models.Task) error {
	return m.tasks.CreateTask(ctx, &t)
}

var _ workflow.Messenger = (*Messenger)(nil)

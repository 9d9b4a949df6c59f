package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"gxp-workflow/backend/internal/logging"
	"gxp-workflow/backend/internal/workflow"
	"gxp-workflow/backend/pkg/models"
)

var errUnknownKind = errors.New("unknown outbox kind")

// OutboxStore is the part of the repository the relay drains.
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, limit, maxAttempts int) ([]models.OutboxMessage, error)
	MarkOutboxDelivered(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, reason string) error
}

// RelayConfig tunes an OutboxRelay.
type RelayConfig struct {
	PollInterval time.Duration
	Workers      int
	BatchSize    int
	MaxAttempts  int
	// Retries is the number of immediate redeliveries of a message before it
	// is left for the next poll.
	Retries uint64
	Now     func() time.Time
}

// OutboxRelay delivers committed outbox messages to the Messenger.
type OutboxRelay struct {
	store     OutboxStore
	messenger workflow.Messenger
	cfg       RelayConfig
	log       *logging.Logger
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// NewOutboxRelay creates a new OutboxRelay.
func NewOutboxRelay(store OutboxStore, messenger workflow.Messenger, cfg RelayConfig, log *logging.Logger) (*OutboxRelay, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}

	meter := otel.Meter("gxp-workflow/backend/internal/services")
	delivered, err := meter.Int64Counter("workflow.outbox.delivered",
		metric.WithDescription("Outbox messages delivered"))
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox counter: %w", err)
	}
	failed, err := meter.Int64Counter("workflow.outbox.failed",
		metric.WithDescription("Outbox delivery attempts that failed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox counter: %w", err)
	}

	return &OutboxRelay{
		store:     store,
		messenger: messenger,
		cfg:       cfg,
		log:       log.With("component", "outbox"),
		delivered: delivered,
		failed:    failed,
	}, nil
}

// Run drains the outbox every poll interval until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	r.log.Info("starting outbox relay", "workers", r.cfg.Workers, "poll_interval", r.cfg.PollInterval.String())
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("outbox poll failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and delivers it. It returns the number of
// messages delivered. A message that cannot be delivered is marked failed
// and retried on a later poll until it reaches MaxAttempts.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	msgs, err := r.store.ClaimOutbox(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox messages: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	var delivered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, m := range msgs {
		g.Go(func() error {
			if err := r.deliverWithRetry(gctx, m); err != nil {
				r.failed.Add(gctx, 1, metric.WithAttributes(attribute.String("kind", string(m.Kind))))
				r.log.Warn("outbox delivery failed", "id", m.ID, "entity_id", m.EntityID, "kind", m.Kind,
					"attempt", m.Attempts+1, "error", err.Error())
				if merr := r.store.MarkOutboxFailed(gctx, m.ID, err.Error()); merr != nil {
					return fmt.Errorf("failed to mark message %s failed: %w", m.ID, merr)
				}
				return nil
			}
			if err := r.store.MarkOutboxDelivered(gctx, m.ID, r.cfg.Now().UTC()); err != nil {
				return fmt.Errorf("failed to mark message %s delivered: %w", m.ID, err)
			}
			delivered.Add(1)
			r.delivered.Add(gctx, 1, metric.WithAttributes(attribute.String("kind", string(m.Kind))))
			return nil
		})
	}
	err = g.Wait()
	return int(delivered.Load()), err
}

func (r *OutboxRelay) deliverWithRetry(ctx context.Context, m models.OutboxMessage) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	op := func() error {
		err := r.deliver(ctx, m)
		if err == nil || isTemporary(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.Retries), ctx))
}

func (r *OutboxRelay) deliver(ctx context.Context, m models.OutboxMessage) error {
	switch m.Kind {
	case models.OutboxNotify:
		var n workflow.Notification
		if err := json.Unmarshal(m.Payload, &n); err != nil {
			return fmt.Errorf("failed to decode notification: %w", err)
		}
		return r.messenger.Notify(ctx, n)
	case models.OutboxCreateTask:
		var t models.Task
		if err := json.Unmarshal(m.Payload, &t); err != nil {
			return fmt.Errorf("failed to decode task: %w", err)
		}
		return r.messenger.CreateTask(ctx, t)
	case models.OutboxSLAEscalation:
		var esc workflow.Escalation
		if err := json.Unmarshal(m.Payload, &esc); err != nil {
			return fmt.Errorf("failed to decode escalation: %w", err)
		}
		return r.messenger.Notify(ctx, escalationNotice(esc))
	default:
		return fmt.Errorf("%w %q", errUnknownKind, m.Kind)
	}
}

func escalationNotice(esc workflow.Escalation) workflow.Notification {
	n := workflow.Notification{
		ID:       esc.ID,
		EntityID: esc.EntityID,
		Channel:  "sla-escalations",
		Subject:  "SLA exceeded for " + esc.EntityID,
		Message:  fmt.Sprintf("%s has been in state %s past its deadline of %s", esc.EntityID, esc.CurrentStateID, esc.SLADeadline),
	}
	if esc.AssignedTo != "" {
		n.Recipients = []string{esc.AssignedTo}
	}
	return n
}

// isTemporary reports whether err may clear up on a quick retry. Transport
// errors and 5xx/429 responses are temporary; decode errors and other
// rejections are not.
func isTemporary(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var je *json.SyntaxError
	var te *json.UnmarshalTypeError
	return !errors.As(err, &je) && !errors.As(err, &te) && !errors.Is(err, errUnknownKind)
}

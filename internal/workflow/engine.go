// Package workflow implements the document workflow state machine and its
// tamper-evident audit chain.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"gxp-workflow/backend/internal/logging"
	"gxp-workflow/backend/internal/repository"
)

// DispatchMode selects how Notify and CreateTask actions are delivered.
type DispatchMode string

const (
	// DispatchOutbox records messages in the transaction and delivers them
	// after commit.
	DispatchOutbox DispatchMode = "outbox"
	// DispatchInline delivers messages inside the transaction.
	DispatchInline DispatchMode = "inline"
)

// ErrNotFound is returned when a template, state or transition does not exist.
var ErrNotFound = repository.ErrNotFound

// Dependencies are the collaborators of the engine. Messenger is only
// needed in inline dispatch mode and Deviations only when a template uses
// NoOpenDeviations rules.
type Dependencies struct {
	Identity   IdentityProvider
	Deviations DeviationChecker
	Messenger  Messenger
}

// Options tunes the engine.
type Options struct {
	DispatchMode    DispatchMode
	ActionTimeout   time.Duration
	ApprovalRetries int
	// Now overrides the clock. Defaults to time.Now.
	Now             func() time.Time
}

// Engine is the workflow state machine.
type Engine struct {
	repo       repository.Repository
	identity   IdentityProvider
	deviations DeviationChecker
	messenger  Messenger
	opts       Options
	log        *logging.Logger
	tracer     trace.Tracer
	metrics    *engineMetrics
}

// NewEngine creates a new Engine.
func NewEngine(repo repository.Repository, deps Dependencies, opts Options, log *logging.Logger) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("workflow: repository is required")
	}
	if opts.DispatchMode == "" {
		opts.DispatchMode = DispatchOutbox
	}
	switch opts.DispatchMode {
	case DispatchOutbox:
	case DispatchInline:
		if deps.Messenger == nil {
			return nil, errors.New("workflow: inline dispatch requires a messenger")
		}
	default:
		return nil, fmt.Errorf("workflow: unknown dispatch mode %q", opts.DispatchMode)
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	if opts.ApprovalRetries <= 0 {
		opts.ApprovalRetries = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}

	m, err := newEngineMetrics()
	if err != nil {
		return nil, err
	}

	return &Engine{
		repo:       repo,
		identity:   deps.Identity,
		deviations: deps.Deviations,
		messenger:  deps.Messenger,
		opts:       opts,
		log:        log.With("component", "workflow"),
		tracer:     otel.Tracer(instrumentationName),
		metrics:    m,
	}, nil
}

// now returns the engine clock in UTC truncated to the precision PostgreSQL
// stores, so hashes computed before and after a round trip agree.
func (e *Engine) now() time.Time {
	return e.opts.Now().UTC().Truncate(time.Microsecond)
}

func newID() string {
	return uuid.NewString()
}

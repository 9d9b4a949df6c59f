package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "gxp-workflow/backend/internal/workflow"

type engineMetrics struct {
	transitions         metric.Int64Counter
	ruleViolations      metric.Int64Counter
	integrityViolations metric.Int64Counter
	approvals           metric.Int64Counter
	escalations         metric.Int64Counter
}

func newEngineMetrics() (*engineMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &engineMetrics{}
	var err error

	m.transitions, err = meter.Int64Counter(
		"workflow.transitions",
		metric.WithDescription("Transition attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.ruleViolations, err = meter.Int64Counter(
		"workflow.rule_violations",
		metric.WithDescription("Blocking rule failures by rule type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule violations counter: %w", err)
	}

	m.integrityViolations, err = meter.Int64Counter(
		"workflow.audit.integrity_violations",
		metric.WithDescription("Audit chains found broken during verification"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create integrity violations counter: %w", err)
	}

	m.approvals, err = meter.Int64Counter(
		"workflow.approvals",
		metric.WithDescription("Approval signatures recorded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approvals counter: %w", err)
	}

	m.escalations, err = meter.Int64Counter(
		"workflow.sla.escalations",
		metric.WithDescription("Entities flagged by the SLA sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalations counter: %w", err)
	}
	return m, nil
}

func (m *engineMetrics) transition(ctx context.Context, outcome string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *engineMetrics) ruleViolation(ctx context.Context, v *RuleViolation) {
	m.ruleViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_type", string(v.RuleType))))
}

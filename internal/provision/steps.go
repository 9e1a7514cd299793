package provision

import (
	"context"

	"vpsmesh/pkg/sdk/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

// runSteps publishes steps as a telemetry plan and runs them in order,
// stopping at the first failure.
func (o *Orchestrator) runSteps(ctx context.Context, r *run, operation string, steps []step) error {
	planned := make([]telemetry.PlannedStep, len(steps))
	for i, s := range steps {
		planned[i] = telemetry.PlannedStep{ID: s.id, Title: s.title}
	}
	op, err := telemetry.EmitPlan(ctx, o.tracer, operation, telemetry.Plan{Steps: planned},
		attribute.String(telemetry.EndpointKey, r.endpoint))
	if err != nil {
		return err
	}

	var opErr error
	defer func() {
		op.End(opErr)
	}()

	for _, s := range steps {
		opErr = op.RunStep(op.Context(), s.id, s.fn)
		if opErr != nil {
			return opErr
		}
	}
	return nil
}

package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestEmitPlanAndRunStepSuccess(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op, err := EmitPlan(context.Background(), tracer, "bootstrap", Plan{Steps: []PlannedStep{
		{ID: "probe", Title: "checking reachability"},
		{ID: "install_daemon", Title: "installing wireguard"},
	}}, attribute.String(EndpointKey, "203.0.113.7"))
	if err != nil {
		t.Fatalf("EmitPlan() error = %v", err)
	}

	if err := op.RunStep(op.Context(), "probe", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	op.End(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended span count = %d, want 2", len(spans))
	}

	root := findSpanByName(spans, "bootstrap")
	if root == nil {
		t.Fatal("missing root span")
	}
	if got := getAttr(root.Attributes(), EndpointKey); got != "203.0.113.7" {
		t.Fatalf("root endpoint = %q, want 203.0.113.7", got)
	}
	if len(root.Events()) == 0 {
		t.Fatal("expected root plan event")
	}
	planEvent := root.Events()[0]
	if planEvent.Name != PlanEventName {
		t.Fatalf("plan event name = %q, want %q", planEvent.Name, PlanEventName)
	}
	if getAttr(planEvent.Attributes, PlanVersionKey) != PlanVersion {
		t.Fatalf("plan event version = %q, want %q", getAttr(planEvent.Attributes, PlanVersionKey), PlanVersion)
	}

	plan, ok := DecodePlan(root.Attributes())
	if !ok {
		t.Fatal("DecodePlan() ok = false")
	}
	if len(plan.Steps) != 2 || plan.Steps[1].ID != "install_daemon" {
		t.Fatalf("DecodePlan() = %+v", plan)
	}

	child := findSpanByName(spans, "probe")
	if child == nil {
		t.Fatal("missing child step span")
	}
	if child.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Fatalf("step parent span id = %s, want %s", child.Parent().SpanID(), root.SpanContext().SpanID())
	}
}

func TestRunStepFailureSetsErrorStatus(t *testing.T) {
	t.Parallel()

	tracer, recorder := newTestTracer()
	op, err := EmitPlan(context.Background(), tracer, "add_peer", Plan{Steps: []PlannedStep{{ID: "reconcile", Title: "reconciling peers"}}})
	if err != nil {
		t.Fatalf("EmitPlan() error = %v", err)
	}

	boom := errors.New("boom")
	err = op.RunStep(op.Context(), "reconcile", func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunStep() error = %v, want boom", err)
	}
	op.End(err)

	spans := recorder.Ended()
	child := findSpanByName(spans, "reconcile")
	if child == nil {
		t.Fatal("missing failed step span")
	}
	if child.Status().Code != codes.Error {
		t.Fatalf("step status code = %v, want %v", child.Status().Code, codes.Error)
	}
	if child.Status().Description != "boom" {
		t.Fatalf("step status description = %q, want boom", child.Status().Description)
	}
	root := findSpanByName(spans, "add_peer")
	if root == nil || root.Status().Code != codes.Error {
		t.Fatal("root span not marked failed")
	}
}

func TestEmitPlanValidationFailure(t *testing.T) {
	t.Parallel()

	tracer, _ := newTestTracer()
	tests := []struct {
		name string
		plan Plan
	}{
		{name: "duplicate id", plan: Plan{Steps: []PlannedStep{{ID: "probe"}, {ID: "probe"}}}},
		{name: "empty id", plan: Plan{Steps: []PlannedStep{{ID: " "}}}},
		{name: "unknown parent", plan: Plan{Steps: []PlannedStep{{ID: "probe", ParentID: "connect"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EmitPlan(context.Background(), tracer, "bootstrap", tt.plan); err == nil {
				t.Fatal("EmitPlan() error = nil, want validation error")
			}
		})
	}
}

func TestDecodePlanMissing(t *testing.T) {
	t.Parallel()

	if _, ok := DecodePlan(nil); ok {
		t.Fatal("DecodePlan(nil) ok = true")
	}
	if _, ok := DecodePlan([]attribute.KeyValue{attribute.String(PlanJSONKey, "{")}); ok {
		t.Fatal("DecodePlan(malformed) ok = true")
	}
}

func newTestTracer() (trace.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return provider.Tracer("telemetry-test"), recorder
}

func findSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func getAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

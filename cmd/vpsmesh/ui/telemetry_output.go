package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"vpsmesh/pkg/sdk/telemetry"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryOutput turns the step plans published by provisioning operations
// into progress output on stderr: a live checklist on a terminal, one line
// per state change otherwise.
type TelemetryOutput struct {
	provider *sdktrace.TracerProvider
	closeFn  func()
}

func NewTelemetryOutput() *TelemetryOutput {
	if IsInteractive() {
		checklist := NewChecklist(os.Stderr)
		return newTelemetryOutput(checklist.OnSnapshot, checklist.Close)
	}
	lines := newLineTelemetry(os.Stderr)
	return newTelemetryOutput(lines.OnSnapshot, func() {})
}

func newTelemetryOutput(report func(stepSnapshot), closeFn func()) *TelemetryOutput {
	observer := newStepObserver(report)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{observer: observer}))
	return &TelemetryOutput{provider: provider, closeFn: closeFn}
}

func (o *TelemetryOutput) Tracer(name string) trace.Tracer {
	return o.provider.Tracer(name)
}

func (o *TelemetryOutput) Close() {
	if o == nil {
		return
	}
	_ = o.provider.Shutdown(context.Background())
	o.closeFn()
}

type lineTelemetry struct {
	mu   sync.Mutex
	w    io.Writer
	seen map[string]string
}

func newLineTelemetry(w io.Writer) *lineTelemetry {
	return &lineTelemetry{w: w, seen: make(map[string]string)}
}

func (l *lineTelemetry) OnSnapshot(snapshot stepSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, step := range snapshot.Steps {
		if step.Status == stepPending {
			continue
		}
		line := formatStepLine(step, step.Message)
		if l.seen[step.ID] == line {
			continue
		}
		l.seen[step.ID] = line
		fmt.Fprintln(l.w, line)
	}
}

func formatStepLine(step stepState, msg string) string {
	prefix := "[..]"
	switch step.Status {
	case stepRunning:
		prefix = "[->]"
	case stepDone:
		prefix = "[ok]"
	case stepFailed:
		prefix = "[x]"
	}

	title := step.Title
	if title == "" {
		title = step.ID
	}
	line := stepIndent(step) + prefix + " " + title
	if msg = strings.TrimSpace(msg); msg != "" {
		line += " (" + msg + ")"
	}
	return line
}

func stepIndent(s stepState) string {
	if s.ParentID != "" {
		return "    "
	}
	return "  "
}

// stepObserver folds span starts and ends into an ordered list of steps.
type stepObserver struct {
	mu       sync.Mutex
	steps    map[string]stepState
	order    []string
	reporter func(stepSnapshot)
}

func newStepObserver(reporter func(stepSnapshot)) *stepObserver {
	return &stepObserver{
		steps:    make(map[string]stepState),
		reporter: reporter,
	}
}

// onPlan registers every planned step as pending. A step id seen in an
// earlier plan of the same process is reset.
func (o *stepObserver) onPlan(plan telemetry.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, planned := range plan.Steps {
		if _, ok := o.steps[planned.ID]; !ok {
			o.order = append(o.order, planned.ID)
		}
		title := strings.TrimSpace(planned.Title)
		if title == "" {
			title = planned.ID
		}
		o.steps[planned.ID] = stepState{
			ID:       planned.ID,
			ParentID: planned.ParentID,
			Title:    title,
			Status:   stepPending,
		}
	}
	o.emitLocked()
}

func (o *stepObserver) onStepStart(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureLocked(id)
	step.Status = stepRunning
	step.Message = ""
	o.steps[id] = step
	o.emitLocked()
}

func (o *stepObserver) onStepEnd(id string, failed bool, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureLocked(id)
	step.Status = stepDone
	step.Message = ""
	if failed {
		step.Status = stepFailed
		step.Message = strings.TrimSpace(message)
	}
	o.steps[id] = step
	o.emitLocked()
}

// ensureLocked returns the step for id, creating an unplanned one if needed.
func (o *stepObserver) ensureLocked(id string) stepState {
	if step, ok := o.steps[id]; ok {
		return step
	}
	parent := ""
	if idx := strings.LastIndex(id, "/"); idx > 0 {
		parent = id[:idx]
	}
	o.order = append(o.order, id)
	return stepState{ID: id, ParentID: parent, Title: id, Status: stepPending}
}

func (o *stepObserver) emitLocked() {
	if o.reporter == nil {
		return
	}

	children := make(map[string][]stepState)
	for _, step := range o.steps {
		if step.ParentID != "" {
			children[step.ParentID] = append(children[step.ParentID], step)
		}
	}

	steps := make([]stepState, 0, len(o.order))
	for _, id := range o.order {
		step := o.steps[id]
		if kids := children[id]; len(kids) > 0 {
			summary := summarizeChildren(kids)
			switch {
			case step.Message == "":
				step.Message = summary
			case step.Status == stepFailed:
				step.Message = summary + "; " + step.Message
			}
		}
		steps = append(steps, step)
	}
	o.reporter(stepSnapshot{Steps: steps})
}

func summarizeChildren(children []stepState) string {
	done, failed := 0, 0
	for _, child := range children {
		switch child.Status {
		case stepDone:
			done++
		case stepFailed:
			failed++
		}
	}
	if failed > 0 {
		return fmt.Sprintf("%d/%d done, %d failed", done, len(children), failed)
	}
	return fmt.Sprintf("%d/%d done", done, len(children))
}

// stepSpanProcessor feeds root spans carrying a plan and their child step
// spans into a stepObserver.
type stepSpanProcessor struct {
	observer *stepObserver
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if span.Parent().IsValid() {
		p.observer.onStepStart(span.Name())
		return
	}
	if plan, ok := telemetry.DecodePlan(span.Attributes()); ok {
		p.observer.onPlan(plan)
	}
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if !span.Parent().IsValid() {
		return
	}
	status := span.Status()
	p.observer.onStepEnd(span.Name(), status.Code == codes.Error, status.Description)
}

func (p *stepSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *stepSpanProcessor) ForceFlush(context.Context) error { return nil }

// Package engine manages workflow runs: creation, background execution,
// cancellation and live progress streams.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meikuraledutech/flow"
	"github.com/meikuraledutech/flow/expr"
	"github.com/meikuraledutech/flow/graph"
	"github.com/meikuraledutech/flow/nodes"
)

// DefaultEventRetention is how long a closed, unconsumed event queue is kept.
const DefaultEventRetention = 10 * time.Minute

// Store is the persistence the engine needs.
type Store interface {
	flow.WorkflowStore
	flow.RunStore
	nodes.Store
}

// Completion is the payload of the run_completed event.
type Completion struct {
	Status      flow.RunStatus `json:"status"`
	AffectedIDs []string       `json:"affected_ids"`
	Error       string         `json:"error,omitempty"`
}

// Engine schedules and executes workflow runs.
type Engine struct {
	store     Store
	executor  *graph.Executor
	publisher *Publisher
	scheduler Scheduler
	metrics   *Metrics
	resolver  *expr.Resolver
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	retention time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	handle   Task
	finished bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the tracer for run and node spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics records run metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithScheduler replaces the goroutine scheduler.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.scheduler = s
		}
	}
}

// WithEventRetention sets how long closed, unconsumed event queues are kept.
func WithEventRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// New returns an engine executing nodes from registry against store.
func New(store Store, registry *nodes.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		scheduler: &GoScheduler{},
		resolver:  expr.NewResolver(),
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/meikuraledutech/flow/engine"),
		now:       time.Now,
		retention: DefaultEventRetention,
		tasks:     make(map[string]*task),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.publisher = NewPublisher(e.retention, e.logger)
	e.publisher.now = e.now
	e.executor = graph.NewExecutor(registry, store,
		graph.WithLogger(e.logger),
		graph.WithTracer(e.tracer),
	)
	return e
}

// CreateRun persists a queued run of wf and allocates its event queue, so
// subscribers attached from now on see every event.
func (e *Engine) CreateRun(ctx context.Context, wf *flow.Workflow, scope, params map[string]any, key string) (*flow.Run, error) {
	run := &flow.Run{
		WorkflowID:        wf.ID,
		DefinitionVersion: wf.Version,
		Status:            flow.RunQueued,
		Scope:             scope,
		Params:            params,
		IdempotencyKey:    key,
		CreatedAt:         e.now(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("engine: create run: %w", err)
	}
	e.publisher.Ensure(run.ID)
	e.logger.Info("run created", "run_id", run.ID, "workflow_id", wf.ID)
	return run, nil
}

// Run schedules run for background execution. It is a no-op if the run is
// already scheduled. Cancelling ctx does not cancel the run; use Cancel.
func (e *Engine) Run(ctx context.Context, run *flow.Run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[run.ID]; ok {
		return
	}
	t := &task{}
	e.tasks[run.ID] = t
	runID := run.ID
	t.handle = e.scheduler.Submit(context.WithoutCancel(ctx), func(ctx context.Context) {
		e.execute(ctx, runID, t)
		e.mu.Lock()
		delete(e.tasks, runID)
		e.mu.Unlock()
	})
}

// Cancel requests cooperative cancellation of a scheduled run. It reports
// whether an unfinished task was found.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[runID]
	if !ok || t.finished || t.handle == nil {
		return false
	}
	select {
	case <-t.handle.Done():
		return false
	default:
	}
	t.handle.Cancel()
	e.logger.Info("run cancellation requested", "run_id", runID)
	return true
}

// Wait blocks until the run's task, if any, has returned or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) error {
	e.mu.Lock()
	t, ok := e.tasks[runID]
	e.mu.Unlock()
	if !ok || t.handle == nil {
		return nil
	}
	select {
	case <-t.handle.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeEvents streams the run's events. The channel is closed after
// run_completed or when ctx is done. Subscribing to a finished run whose
// stream was already consumed yields a single run_completed built from the
// stored run.
func (e *Engine) SubscribeEvents(ctx context.Context, runID string) (<-chan Event, error) {
	if ch, ok := e.publisher.Subscribe(ctx, runID); ok {
		return ch, nil
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("engine: get run: %w", err)
	}
	if run == nil {
		return nil, flow.ErrRunNotFound
	}
	if !run.Status.IsTerminal() {
		e.publisher.Ensure(runID)
		ch, _ := e.publisher.Subscribe(ctx, runID)
		return ch, nil
	}

	ch := make(chan Event, 1)
	ch <- Event{Name: EventRunCompleted, Data: mustJSON(completionOf(run))}
	close(ch)
	return ch, nil
}

// completionOf builds the run_completed payload of a stored run.
func completionOf(run *flow.Run) Completion {
	c := Completion{Status: run.Status, AffectedIDs: []string{}}
	if run.Summary != nil && run.Summary.AffectedIDs != nil {
		c.AffectedIDs = run.Summary.AffectedIDs
	}
	if run.Error != nil {
		c.Error = run.Error.Message
	}
	return c
}

func (e *Engine) execute(ctx context.Context, runID string, t *task) {
	logger := e.logger.With("run_id", runID)
	defer e.publisher.Close(runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		if err == nil {
			err = flow.ErrRunNotFound
		}
		logger.Error("load run", "error", err)
		e.publisher.Publish(runID, Event{Name: EventRunCompleted, Data: mustJSON(Completion{
			Status:      flow.RunFailed,
			AffectedIDs: []string{},
			Error:       fmt.Sprintf("load run: %v", err),
		})})
		return
	}
	if run.Status != flow.RunQueued {
		logger.Warn("run is not queued, skipping", "status", run.Status)
		if run.Status.IsTerminal() {
			e.publisher.Publish(runID, Event{Name: EventRunCompleted, Data: mustJSON(completionOf(run))})
		}
		return
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("workflow.id", run.WorkflowID),
	))
	defer span.End()

	start := e.now()
	var (
		execErr error
		touched []string
		active  bool
	)
	if ctx.Err() == nil {
		execErr = e.markRunning(ctx, run, start)
		if execErr != nil {
			logger.Error("start run", "error", execErr)
		} else {
			active = true
			e.metrics.runStarted()
			e.publisher.Publish(runID, Event{Name: EventLog, Data: "Executing DSL..."})
			logger.Info("run started", "workflow_id", run.WorkflowID)

			touched, execErr = e.executeDefinition(ctx, run, logger)
		}
	}

	e.mu.Lock()
	t.finished = true
	cancelled := ctx.Err() != nil
	e.mu.Unlock()

	status := flow.RunSucceeded
	switch {
	case cancelled:
		status = flow.RunCancelled
	case execErr != nil:
		status = flow.RunFailed
	}
	if err := run.Transition(status); err != nil {
		logger.Error("finish run", "error", err)
		run.Status = status
	}

	end := e.now()
	run.FinishedAt = &end
	if touched == nil {
		touched = []string{}
	}
	run.Summary = &flow.RunSummary{AffectedIDs: touched}
	c := Completion{Status: status, AffectedIDs: touched}
	if status == flow.RunFailed {
		run.Error = &flow.RunError{Message: execErr.Error()}
		var ne *graph.NodeError
		if errors.As(execErr, &ne) {
			run.Error.NodeID = ne.NodeID
			run.Error.NodeType = ne.NodeType
		}
		c.Error = execErr.Error()
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("run.status", string(status)))

	if err := e.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("save terminal status", "status", status, "error", err)
	}
	e.publisher.Publish(runID, Event{Name: EventRunCompleted, Data: mustJSON(c)})
	e.metrics.runCompleted(status, end.Sub(start), active)
	logger.Info("run finished", "status", status, "affected", len(touched))
}

// markRunning moves run to running and persists it. On failure the in-memory run
// is left in a state that can still transition to failed.
func (e *Engine) markRunning(ctx context.Context, run *flow.Run, at time.Time) error {
	if err := run.Transition(flow.RunRunning); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	run.StartedAt = &at
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("save running status: %w", err)
	}
	return nil
}

func (e *Engine) executeDefinition(ctx context.Context, run *flow.Run, logger *slog.Logger) ([]string, error) {
	wf, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", flow.ErrWorkflowNotFound, run.WorkflowID)
	}
	st := nodes.NewState(run.Scope, e.resolver, logger)
	err = e.executor.Execute(ctx, wf.Definition, st, &runObserver{publisher: e.publisher, runID: run.ID})
	return st.Touched(), err
}

// runObserver streams step events of one run.
type runObserver struct {
	publisher *Publisher
	runID     string
}

func (o *runObserver) StepStarted(_ context.Context, s graph.Step) {
	o.publisher.Publish(o.runID, Event{Name: EventStepStarted, Data: mustJSON(s)})
}

func (o *runObserver) StepSucceeded(_ context.Context, s graph.Step) {
	o.publisher.Publish(o.runID, Event{Name: EventStepSucceeded, Data: mustJSON(s)})
}

func (o *runObserver) StepFailed(_ context.Context, s graph.Step) {
	o.publisher.Publish(o.runID, Event{Name: EventStepFailed, Data: mustJSON(s)})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("{%q:%q}", "error", err.Error())
	}
	return string(b)
}

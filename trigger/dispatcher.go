// Package trigger starts workflow runs in response to domain events.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meikuraledutech/flow"
)

// Runner creates and schedules runs.
type Runner interface {
	CreateRun(ctx context.Context, wf *flow.Workflow, scope, params map[string]any, key string) (*flow.Run, error)
	Run(ctx context.Context, run *flow.Run)
}

// Store is the persistence the dispatcher reads.
type Store interface {
	flow.TriggerStore
	flow.WorkflowStore
	flow.RunStore
}

// Dispatcher matches domain events to active triggers and starts at most one
// run per matching trigger. A run is suppressed if the same key fired within
// the debounce window, or a queued or running run of the workflow already
// carries the key.
type Dispatcher struct {
	store    Store
	runner   Runner
	debounce *DebounceTracker
	logger   *slog.Logger

	mu sync.Mutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDebounce replaces the default debounce tracker.
func WithDebounce(t *DebounceTracker) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.debounce = t
		}
	}
}

// NewDispatcher returns a dispatcher starting runs through runner.
func NewDispatcher(store Store, runner Runner, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		runner:   runner,
		debounce: NewDebounceTracker(DefaultDebounceWindow, DefaultPurgeAfter),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Key builds the suppression and idempotency key of an event firing.
// Missing ids are written as "0".
func Key(event flow.Event, workflowID, cardID, projectID string) string {
	return fmt.Sprintf("evt:%s|wf:%s|card:%s|proj:%s", event, workflowID, orZero(cardID), orZero(projectID))
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// OnCardSave starts the onsave workflows for card.
func (d *Dispatcher) OnCardSave(ctx context.Context, card *flow.Card) ([]string, error) {
	scope := map[string]any{"card_id": card.ID, "project_id": card.ProjectID}
	return d.dispatch(ctx, flow.EventSave, card, card.ProjectID, scope)
}

// OnGenerationFinish starts the ongenfinish workflows. card may be nil.
func (d *Dispatcher) OnGenerationFinish(ctx context.Context, card *flow.Card, projectID string) ([]string, error) {
	scope := map[string]any{"project_id": projectID}
	if card != nil && card.ID != "" {
		scope["card_id"] = card.ID
	}
	return d.dispatch(ctx, flow.EventGenFinish, card, projectID, scope)
}

// OnProjectCreate starts the onprojectcreate workflows. The run scope holds
// only the project id.
func (d *Dispatcher) OnProjectCreate(ctx context.Context, projectID string) ([]string, error) {
	return d.dispatch(ctx, flow.EventProjectCreate, nil, projectID, map[string]any{"project_id": projectID})
}

// dispatch returns the ids of the runs it started. Store failures on one
// trigger do not prevent the others from firing; they are joined into the
// returned error.
func (d *Dispatcher) dispatch(ctx context.Context, event flow.Event, card *flow.Card, projectID string, scope map[string]any) ([]string, error) {
	triggers, err := d.store.ActiveTriggers(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("trigger: list %s triggers: %w", event, err)
	}

	var cardID string
	if card != nil {
		cardID = card.ID
		if projectID == "" {
			projectID = card.ProjectID
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	runIDs := []string{}
	var errs []error
	for _, t := range triggers {
		if card != nil && t.CardTypeName != "" && card.CardTypeName != "" && card.CardTypeName != t.CardTypeName {
			continue
		}
		run, err := d.start(ctx, t, event, cardID, projectID, scope)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if run != nil {
			runIDs = append(runIDs, run.ID)
		}
	}
	return runIDs, errors.Join(errs...)
}

func (d *Dispatcher) start(ctx context.Context, t flow.Trigger, event flow.Event, cardID, projectID string, scope map[string]any) (*flow.Run, error) {
	wf, err := d.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("trigger: get workflow %s: %w", t.WorkflowID, err)
	}
	if wf == nil || !wf.IsActive {
		return nil, nil
	}

	key := Key(event, wf.ID, cardID, projectID)
	logger := d.logger.With("workflow_id", wf.ID, "key", key)
	if !d.debounce.Allow(key) {
		logger.Debug("trigger debounced")
		return nil, nil
	}
	existing, err := d.store.FindActiveRun(ctx, wf.ID, key)
	if err != nil {
		d.debounce.Forget(key)
		return nil, fmt.Errorf("trigger: find active run: %w", err)
	}
	if existing != nil {
		d.debounce.Forget(key)
		logger.Debug("trigger suppressed by active run", "run_id", existing.ID)
		return nil, nil
	}

	run, err := d.runner.CreateRun(ctx, wf, copyScope(scope), map[string]any{}, key)
	if errors.Is(err, flow.ErrActiveRunExists) {
		d.debounce.Forget(key)
		logger.Debug("trigger suppressed by concurrent run")
		return nil, nil
	}
	if err != nil {
		d.debounce.Forget(key)
		return nil, fmt.Errorf("trigger: create run: %w", err)
	}
	d.runner.Run(ctx, run)
	logger.Info("trigger started run", "run_id", run.ID, "event", event)
	return run, nil
}

func copyScope(scope map[string]any) map[string]any {
	out := make(map[string]any, len(scope))
	for k, v := range scope {
		out[k] = v
	}
	return out
}

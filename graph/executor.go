package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meikuraledutech/flow"
	"github.com/meikuraledutech/flow/nodes"
)

// NodeError reports the node whose handler failed a run.
type NodeError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.NodeType, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// Step identifies one node execution. Index is set for executions inside a
// loop body.
type Step struct {
	NodeID string `json:"node_id"`
	Type   string `json:"type"`
	Index  *int   `json:"index,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Observer is notified around every node execution.
type Observer interface {
	StepStarted(ctx context.Context, step Step)
	StepSucceeded(ctx context.Context, step Step)
	StepFailed(ctx context.Context, step Step)
}

type nopObserver struct{}

func (nopObserver) StepStarted(context.Context, Step)   {}
func (nopObserver) StepSucceeded(context.Context, Step) {}
func (nopObserver) StepFailed(context.Context, Step)    {}

// Executor runs workflow definitions against a store.
type Executor struct {
	registry *nodes.Registry
	store    nodes.Store
	logger   *slog.Logger
	tracer   trace.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(x *Executor) {
		if logger != nil {
			x.logger = logger
		}
	}
}

// WithTracer sets the tracer used for node spans.
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(x *Executor) {
		if tracer != nil {
			x.tracer = tracer
		}
	}
}

// NewExecutor returns an executor dispatching node types through registry.
func NewExecutor(registry *nodes.Registry, store nodes.Store, opts ...ExecutorOption) *Executor {
	x := &Executor{
		registry: registry,
		store:    store,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/meikuraledutech/flow/graph"),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs def to completion. Definitions with edges run as a dependency
// graph; definitions without edges run as a canonicalized declared-order walk.
// The first failing node aborts the run with a *NodeError; effects of nodes
// that already ran are kept. Cancelling ctx stops the run before the next
// node starts and Execute returns the context error.
func (x *Executor) Execute(ctx context.Context, def flow.Definition, st *nodes.State, obs Observer) error {
	if obs == nil {
		obs = nopObserver{}
	}
	r := &execution{x: x, st: st, obs: obs, executed: make(map[string]bool)}

	if !def.IsStandard() {
		r.bodyOf = func(n flow.Node) []flow.Node { return n.Body }
		for _, n := range Canonicalize(def.Nodes, x.registry.IsLoop) {
			if err := r.execNode(ctx, n); err != nil {
				return err
			}
		}
		return nil
	}

	g := Build(def)
	if g.Fallback {
		x.logger.Warn("no start node, using first declared node", "node_id", g.Start[0])
	}
	r.graph = g
	r.bodyOf = func(n flow.Node) []flow.Node { return g.Body(n.ID) }
	for _, id := range g.Start {
		if err := r.visit(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

type execution struct {
	x        *Executor
	st       *nodes.State
	obs      Observer
	graph    *Graph
	bodyOf   func(flow.Node) []flow.Node
	executed map[string]bool
	depth    int
}

// visit executes id and then every next successor whose dependencies have
// all executed.
func (r *execution) visit(ctx context.Context, id string) error {
	if r.executed[id] {
		return nil
	}
	n, ok := r.graph.Nodes[id]
	if !ok {
		return nil
	}
	if err := r.execNode(ctx, n); err != nil {
		return err
	}
	r.executed[id] = true
	if r.x.registry.IsLoop(n.Type) {
		for _, b := range r.graph.Succ[id].Body {
			r.executed[b] = true
		}
	}

	for _, next := range r.graph.Succ[id].Next {
		if r.executed[next] || !r.graph.Ready(next, r.executed) {
			continue
		}
		if err := r.visit(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

func (r *execution) runBody(ctx context.Context, body []flow.Node) error {
	r.depth++
	defer func() { r.depth-- }()
	for _, n := range body {
		if err := r.execNode(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *execution) execNode(ctx context.Context, n flow.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	step := Step{NodeID: n.ID, Type: n.Type}
	attrs := []attribute.KeyValue{
		attribute.String("node.id", n.ID),
		attribute.String("node.type", n.Type),
	}
	if r.depth > 0 {
		if idx, ok := r.st.ItemIndex(); ok {
			step.Index = &idx
			attrs = append(attrs, attribute.Int("loop.index", idx))
		}
	}

	ctx, span := r.x.tracer.Start(ctx, "workflow.node", trace.WithAttributes(attrs...))
	defer span.End()

	r.x.logger.Debug("executing node", "node_id", n.ID, "node_type", n.Type)
	r.obs.StepStarted(ctx, step)

	err := r.invoke(ctx, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		var ne *NodeError
		if !errors.As(err, &ne) {
			err = &NodeError{NodeID: n.ID, NodeType: n.Type, Err: err}
		}
		step.Error = err.Error()
		r.x.logger.Error("node failed", "node_id", n.ID, "node_type", n.Type, "error", err)
		r.obs.StepFailed(ctx, step)
		return err
	}

	span.SetStatus(codes.Ok, "")
	r.obs.StepSucceeded(ctx, step)
	return nil
}

func (r *execution) invoke(ctx context.Context, n flow.Node) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	h, err := r.x.registry.Get(n.Type)
	if err != nil {
		return err
	}
	params := n.Params
	if params == nil {
		params = map[string]any{}
	}
	if h.IsLoop() {
		body := r.bodyOf(n)
		return h.Loop(ctx, r.x.store, r.st, params, func(ctx context.Context) error {
			return r.runBody(ctx, body)
		})
	}
	_, err = h.Func(ctx, r.x.store, r.st, params)
	return err
}

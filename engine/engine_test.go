package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/meikuraledutech/flow"
	"github.com/meikuraledutech/flow/memstore"
	"github.com/meikuraledutech/flow/nodes"
)

type fixture struct {
	store   *memstore.Store
	engine  *Engine
	reg     *nodes.Registry
	metrics *Metrics
	prom    *prometheus.Registry
	root    *flow.Card
	chapter *flow.CardType
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()

	outline := &flow.CardType{Name: "Outline"}
	chapter := &flow.CardType{Name: "Chapter"}
	require.NoError(t, s.CreateCardType(ctx, outline))
	require.NoError(t, s.CreateCardType(ctx, chapter))
	root := &flow.Card{
		Title:      "Root",
		ProjectID:  "p1",
		CardTypeID: outline.ID,
		Content:    map[string]any{"items": []any{map[string]any{"name": "A"}, map[string]any{"name": "B"}}},
	}
	require.NoError(t, s.CreateCard(ctx, root))

	reg := nodes.Default()
	prom := prometheus.NewRegistry()
	m := NewMetrics(prom)
	e := New(s, reg,
		WithTracer(noop.NewTracerProvider().Tracer("test")),
		WithMetrics(m),
	)
	return &fixture{store: s, engine: e, reg: reg, metrics: m, prom: prom, root: root, chapter: chapter}
}

func (f *fixture) workflow(t *testing.T, def flow.Definition) *flow.Workflow {
	t.Helper()
	wf := &flow.Workflow{Name: "wf", Version: 3, IsActive: true, Definition: def}
	require.NoError(t, f.store.CreateWorkflow(context.Background(), wf))
	return wf
}

func chaptersDefinition() flow.Definition {
	return flow.Definition{
		Nodes: []flow.Node{
			{ID: "read", Type: nodes.TypeCardRead, Params: map[string]any{"type_name": "Outline"}},
			{ID: "loop", Type: nodes.TypeListForEach, Params: map[string]any{"list": "$.content.items"}},
			{ID: "upsert", Type: nodes.TypeCardUpsertChild, Params: map[string]any{"cardType": "Chapter", "title": "{item.name}"}},
		},
		Edges: []flow.Edge{
			{Source: "read", Target: "loop", SourceHandle: flow.NextHandle},
			{Source: "loop", Target: "upsert", SourceHandle: flow.BodyHandle},
		},
	}
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func names(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

func completion(t *testing.T, ev Event) Completion {
	t.Helper()
	require.Equal(t, EventRunCompleted, ev.Name)
	var c Completion
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &c))
	return c
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.workflow(t, chaptersDefinition())

	run, err := f.engine.CreateRun(ctx, wf, map[string]any{"card_id": f.root.ID, "project_id": "p1"}, nil, "manual")
	require.NoError(t, err)
	assert.Equal(t, flow.RunQueued, run.Status)
	assert.Equal(t, 3, run.DefinitionVersion)

	events, err := f.engine.SubscribeEvents(ctx, run.ID)
	require.NoError(t, err)
	f.engine.Run(ctx, run)
	got := collect(t, events)

	assert.Equal(t, []string{
		EventLog,
		EventStepStarted, EventStepSucceeded, // read
		EventStepStarted,                     // loop
		EventStepStarted, EventStepSucceeded, // upsert #1
		EventStepStarted, EventStepSucceeded, // upsert #2
		EventStepSucceeded, // loop
		EventRunCompleted,
	}, names(got))

	var step map[string]any
	require.NoError(t, json.Unmarshal([]byte(got[4].Data), &step))
	assert.Equal(t, "upsert", step["node_id"])
	assert.Equal(t, float64(1), step["index"])

	children, err := f.store.ListChildren(ctx, "p1", f.root.ID, f.chapter.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "A", children[0].Title)
	assert.Equal(t, "B", children[1].Title)

	require.NoError(t, f.engine.Wait(ctx, run.ID))
	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunSucceeded, stored.Status)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.FinishedAt)
	want := []string{f.root.ID, children[0].ID, children[1].ID}
	assert.ElementsMatch(t, want, stored.Summary.AffectedIDs)

	c := completion(t, got[len(got)-1])
	assert.Equal(t, flow.RunSucceeded, c.Status)
	assert.ElementsMatch(t, want, c.AffectedIDs)
	assert.Empty(t, c.Error)

	assert.False(t, f.engine.Cancel(run.ID), "cancel on a terminal run")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.started))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.completed.WithLabelValues("succeeded")))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.active))
}

func TestRunFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.workflow(t, flow.Definition{
		Nodes: []flow.Node{
			{ID: "read", Type: nodes.TypeCardRead},
			{ID: "edit", Type: nodes.TypeCardModifyContent, Params: map[string]any{"setPath": "status", "setValue": "draft"}},
			{ID: "bad", Type: "Missing.Type"},
		},
		Edges: []flow.Edge{{Source: "read", Target: "edit"}, {Source: "edit", Target: "bad"}},
	})

	run, err := f.engine.CreateRun(ctx, wf, map[string]any{"card_id": f.root.ID}, nil, "")
	require.NoError(t, err)
	events, err := f.engine.SubscribeEvents(ctx, run.ID)
	require.NoError(t, err)
	f.engine.Run(ctx, run)
	got := collect(t, events)

	assert.Equal(t, EventStepFailed, got[len(got)-2].Name)
	c := completion(t, got[len(got)-1])
	assert.Equal(t, flow.RunFailed, c.Status)
	assert.Contains(t, c.Error, "Missing.Type")
	assert.Equal(t, []string{f.root.ID}, c.AffectedIDs, "effects before the failure are kept and reported")

	require.NoError(t, f.engine.Wait(ctx, run.ID))
	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "bad", stored.Error.NodeID)
	assert.Equal(t, "Missing.Type", stored.Error.NodeType)

	card, err := f.store.GetCard(ctx, f.root.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", card.Content["status"])
}

// flakyStore fails the next updateFailures calls to UpdateRun.
type flakyStore struct {
	*memstore.Store
	updateFailures int
	getErr         error
}

func (s *flakyStore) UpdateRun(ctx context.Context, run *flow.Run) error {
	if s.updateFailures > 0 {
		s.updateFailures--
		return errors.New("connection reset")
	}
	return s.Store.UpdateRun(ctx, run)
}

func (s *flakyStore) GetRun(ctx context.Context, id string) (*flow.Run, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.Store.GetRun(ctx, id)
}

func TestRunStartFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.workflow(t, chaptersDefinition())
	store := &flakyStore{Store: f.store, updateFailures: 1}
	e := New(store, f.reg, WithTracer(noop.NewTracerProvider().Tracer("test")))

	run, err := e.CreateRun(ctx, wf, map[string]any{"card_id": f.root.ID}, nil, "evt:onsave|wf:w|card:c|proj:p")
	require.NoError(t, err)
	events, err := e.SubscribeEvents(ctx, run.ID)
	require.NoError(t, err)
	e.Run(ctx, run)
	got := collect(t, events)

	require.Equal(t, []string{EventRunCompleted}, names(got))
	c := completion(t, got[0])
	assert.Equal(t, flow.RunFailed, c.Status)
	assert.Contains(t, c.Error, "save running status")

	require.NoError(t, e.Wait(ctx, run.ID))
	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunFailed, stored.Status)
	require.NotNil(t, stored.FinishedAt)

	active, err := f.store.FindActiveRun(ctx, wf.ID, run.IdempotencyKey)
	require.NoError(t, err)
	assert.Nil(t, active, "a run that failed to start no longer blocks its key")

	children, err := f.store.ListChildren(ctx, "p1", f.root.ID, f.chapter.ID)
	require.NoError(t, err)
	assert.Empty(t, children, "the definition never ran")
}

func TestRunLoadFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.workflow(t, chaptersDefinition())
	store := &flakyStore{Store: f.store}
	e := New(store, f.reg, WithTracer(noop.NewTracerProvider().Tracer("test")))

	run, err := e.CreateRun(ctx, wf, nil, nil, "")
	require.NoError(t, err)
	events, err := e.SubscribeEvents(ctx, run.ID)
	require.NoError(t, err)
	store.getErr = errors.New("connection reset")
	e.Run(ctx, run)
	got := collect(t, events)

	require.Len(t, got, 1)
	c := completion(t, got[0])
	assert.Equal(t, flow.RunFailed, c.Status)
	assert.Contains(t, c.Error, "connection reset")
}

func TestCancelRunningRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	ran := false
	f.reg.Register("Test.Block", func(context.Context, nodes.Store, *nodes.State, map[string]any) (any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	f.reg.Register("Test.After", func(context.Context, nodes.Store, *nodes.State, map[string]any) (any, error) {
		ran = true
		return nil, nil
	})
	wf := f.workflow(t, flow.Definition{
		Nodes: []flow.Node{{ID: "block", Type: "Test.Block"}, {ID: "after", Type: "Test.After"}},
		Edges: []flow.Edge{{Source: "block", Target: "after"}},
	})

	run, err := f.engine.CreateRun(ctx, wf, nil, nil, "")
	require.NoError(t, err)
	events, err := f.engine.SubscribeEvents(ctx, run.ID)
	require.NoError(t, err)
	f.engine.Run(ctx, run)
	f.engine.Run(ctx, run) // already scheduled: no-op

	<-entered
	assert.True(t, f.engine.Cancel(run.ID))
	close(release)

	got := collect(t, events)
	c := completion(t, got[len(got)-1])
	assert.Equal(t, flow.RunCancelled, c.Status)
	assert.Equal(t, []string{}, c.AffectedIDs)

	require.NoError(t, f.engine.Wait(ctx, run.ID))
	assert.False(t, ran, "nodes after the cancellation point do not run")
	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunCancelled, stored.Status)
	assert.False(t, f.engine.Cancel(run.ID))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.completed.WithLabelValues("cancelled")))
}

func TestSubscribeAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.workflow(t, flow.Definition{Nodes: []flow.Node{{ID: "read", Type: nodes.TypeCardRead}}})

	run, err := f.engine.CreateRun(ctx, wf, map[string]any{"card_id": f.root.ID}, nil, "")
	require.NoError(t, err)
	first, err := f.engine.SubscribeEvents(ctx, run.ID)
	require.NoError(t, err)
	f.engine.Run(ctx, run)
	collect(t, first)
	require.NoError(t, f.engine.Wait(ctx, run.ID))

	late, err := f.engine.SubscribeEvents(ctx, run.ID)
	require.NoError(t, err)
	got := collect(t, late)
	require.Len(t, got, 1)
	assert.Equal(t, flow.RunSucceeded, completion(t, got[0]).Status)

	f.engine.Run(ctx, run) // terminal run: nothing happens
	require.NoError(t, f.engine.Wait(ctx, run.ID))
	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunSucceeded, stored.Status)

	_, err = f.engine.SubscribeEvents(ctx, "missing")
	assert.True(t, errors.Is(err, flow.ErrRunNotFound))
}

func TestPublisher(t *testing.T) {
	p := NewPublisher(time.Minute, nil)
	ctx := context.Background()

	p.Publish("r1", Event{Name: EventLog, Data: "early"})
	ch, ok := p.Subscribe(ctx, "r1")
	require.True(t, ok)
	p.Publish("r1", Event{Name: EventLog, Data: "late"})
	p.Close("r1")
	p.Publish("r1", Event{Name: EventLog, Data: "dropped"})

	got := collect(t, ch)
	assert.Equal(t, []string{"early", "late"}, []string{got[0].Data, got[1].Data})
	assert.Len(t, got, 2)
	assert.Equal(t, 0, p.Len(), "drained queue is released")

	_, ok = p.Subscribe(ctx, "r1")
	assert.False(t, ok)
}

func TestPublisherPurgesClosedQueues(t *testing.T) {
	now := time.Unix(0, 0)
	p := NewPublisher(time.Minute, nil)
	p.now = func() time.Time { return now }

	p.Ensure("old")
	p.Close("old")
	now = now.Add(2 * time.Minute)
	p.Ensure("new")

	assert.Equal(t, 1, p.Len())
}

func TestEventString(t *testing.T) {
	ev := Event{Name: EventRunCompleted, Data: `{"status":"succeeded"}`}
	assert.Equal(t, "event: run_completed\ndata: {\"status\":\"succeeded\"}\n\n", ev.String())
}

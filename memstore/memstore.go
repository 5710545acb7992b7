// Package memstore implements flow.Store in process memory. It backs tests,
// the example program and single-process deployments without PostgreSQL.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meikuraledutech/flow"
)

// Store is an in-memory flow.Store. Values are copied on the way in and out.
type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	workflows map[string]flow.Workflow
	triggers  map[string]flow.Trigger
	runs      map[string]flow.Run
	cards     map[string]flow.Card
	cardTypes map[string]flow.CardType
	seq       int64
	order     map[string]int64
}

var _ flow.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	s := &Store{now: time.Now}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.workflows = make(map[string]flow.Workflow)
	s.triggers = make(map[string]flow.Trigger)
	s.runs = make(map[string]flow.Run)
	s.cards = make(map[string]flow.Card)
	s.cardTypes = make(map[string]flow.CardType)
	s.order = make(map[string]int64)
}

// track records insertion order so listings are stable.
func (s *Store) track(id string) {
	s.seq++
	s.order[id] = s.seq
}

func (s *Store) sortByInsertion(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return s.order[ids[i]] < s.order[ids[j]] })
}

// CreateSchema is a no-op.
func (s *Store) CreateSchema(ctx context.Context) error { return nil }

// DropSchema discards all data.
func (s *Store) DropSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// CreateWorkflow stores wf, assigning an id if empty.
func (s *Store) CreateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := s.now()
	wf.CreatedAt, wf.UpdatedAt = now, now
	s.workflows[wf.ID] = *wf
	s.track(wf.ID)
	return nil
}

// GetWorkflow returns nil, nil if absent.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	return &wf, nil
}

// ListWorkflows returns workflows in creation order.
func (s *Store) ListWorkflows(ctx context.Context) ([]flow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	s.sortByInsertion(ids)
	out := make([]flow.Workflow, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.workflows[id])
	}
	return out, nil
}

// UpdateWorkflow replaces a stored workflow.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.workflows[wf.ID]
	if !ok {
		return flow.ErrWorkflowNotFound
	}
	wf.CreatedAt = old.CreatedAt
	wf.UpdatedAt = s.now()
	s.workflows[wf.ID] = *wf
	return nil
}

// DeleteWorkflow removes a workflow and its triggers.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)
	for tid, t := range s.triggers {
		if t.WorkflowID == id {
			delete(s.triggers, tid)
		}
	}
	return nil
}

// CreateTrigger stores t, assigning an id if empty.
func (s *Store) CreateTrigger(ctx context.Context, t *flow.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[t.WorkflowID]; !ok {
		return flow.ErrWorkflowNotFound
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.triggers[t.ID] = *t
	s.track(t.ID)
	return nil
}

// GetTrigger returns nil, nil if absent.
func (s *Store) GetTrigger(ctx context.Context, id string) (*flow.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// ListTriggers returns triggers in creation order.
func (s *Store) ListTriggers(ctx context.Context) ([]flow.Trigger, error) {
	return s.filterTriggers(func(flow.Trigger) bool { return true }), nil
}

// ActiveTriggers returns active triggers bound to event, in creation order.
func (s *Store) ActiveTriggers(ctx context.Context, event flow.Event) ([]flow.Trigger, error) {
	return s.filterTriggers(func(t flow.Trigger) bool { return t.IsActive && t.On == event }), nil
}

func (s *Store) filterTriggers(keep func(flow.Trigger) bool) []flow.Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.triggers))
	for id, t := range s.triggers {
		if keep(t) {
			ids = append(ids, id)
		}
	}
	s.sortByInsertion(ids)
	out := make([]flow.Trigger, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.triggers[id])
	}
	return out
}

// UpdateTrigger replaces a stored trigger.
func (s *Store) UpdateTrigger(ctx context.Context, t *flow.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[t.ID]; !ok {
		return flow.ErrTriggerNotFound
	}
	s.triggers[t.ID] = *t
	return nil
}

// DeleteTrigger removes a trigger. No error if it does not exist.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, id)
	return nil
}

// CreateRun stores run, assigning an id if empty.
func (s *Store) CreateRun(ctx context.Context, run *flow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.IdempotencyKey != "" && run.Status.IsActive() {
		for _, r := range s.runs {
			if r.WorkflowID == run.WorkflowID && r.IdempotencyKey == run.IdempotencyKey && r.Status.IsActive() {
				return fmt.Errorf("%w: %s", flow.ErrActiveRunExists, run.IdempotencyKey)
			}
		}
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	s.runs[run.ID] = *run
	s.track(run.ID)
	return nil
}

// GetRun returns nil, nil if absent.
func (s *Store) GetRun(ctx context.Context, id string) (*flow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// UpdateRun saves the mutable run fields unless the stored run is terminal.
func (s *Store) UpdateRun(ctx context.Context, run *flow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.runs[run.ID]
	if !ok {
		return flow.ErrRunNotFound
	}
	if old.Status.IsTerminal() {
		return flow.ErrRunTerminal
	}
	old.Status = run.Status
	old.StartedAt = run.StartedAt
	old.FinishedAt = run.FinishedAt
	old.Summary = run.Summary
	old.Error = run.Error
	s.runs[run.ID] = old
	return nil
}

// FindActiveRun returns a queued or running run of workflowID with key, or nil.
func (s *Store) FindActiveRun(ctx context.Context, workflowID, key string) (*flow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.WorkflowID == workflowID && r.IdempotencyKey == key && r.Status.IsActive() {
			return &r, nil
		}
	}
	return nil, nil
}

// GetCard returns nil, nil if absent.
func (s *Store) GetCard(ctx context.Context, id string) (*flow.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	if !ok {
		return nil, nil
	}
	s.joinType(&c)
	return &c, nil
}

// ListChildren returns cards of cardTypeID under parentID, by display order.
func (s *Store) ListChildren(ctx context.Context, projectID, parentID, cardTypeID string) ([]flow.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []flow.Card{}
	for _, c := range s.cards {
		if c.ProjectID == projectID && c.ParentID == parentID && c.CardTypeID == cardTypeID {
			s.joinType(&c)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out, nil
}

// Cards returns every card in creation order.
func (s *Store) Cards() []flow.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.cards))
	for id := range s.cards {
		ids = append(ids, id)
	}
	s.sortByInsertion(ids)
	out := make([]flow.Card, 0, len(ids))
	for _, id := range ids {
		c := s.cards[id]
		s.joinType(&c)
		out = append(out, c)
	}
	return out
}

// CreateCard stores c, assigning an id if empty.
func (s *Store) CreateCard(ctx context.Context, c *flow.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Content == nil {
		c.Content = map[string]any{}
	}
	s.joinType(c)
	s.cards[c.ID] = *c
	s.track(c.ID)
	return nil
}

// UpdateCard saves the title and content of an existing card.
func (s *Store) UpdateCard(ctx context.Context, c *flow.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.cards[c.ID]
	if !ok {
		return flow.ErrCardNotFound
	}
	old.Title = c.Title
	old.Content = c.Content
	s.cards[c.ID] = old
	return nil
}

func (s *Store) joinType(c *flow.Card) {
	if ct, ok := s.cardTypes[c.CardTypeID]; ok {
		c.CardTypeName = ct.Name
	}
}

// GetCardTypeByName returns nil, nil if no type has that name.
func (s *Store) GetCardTypeByName(ctx context.Context, name string) (*flow.CardType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ct := range s.cardTypes {
		if ct.Name == name {
			return &ct, nil
		}
	}
	return nil, nil
}

// CreateCardType stores ct, assigning an id if empty.
func (s *Store) CreateCardType(ctx context.Context, ct *flow.CardType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ct.ID == "" {
		ct.ID = uuid.NewString()
	}
	s.cardTypes[ct.ID] = *ct
	s.track(ct.ID)
	return nil
}

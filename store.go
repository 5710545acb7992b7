package flow

import (
	"context"
	"errors"
)

var (
	ErrCycleDetected     = errors.New("flow: cycle detected, graph is not acyclic")
	ErrDanglingEdge      = errors.New("flow: edge references unknown node")
	ErrWorkflowNotFound  = errors.New("flow: workflow not found")
	ErrRunNotFound       = errors.New("flow: run not found")
	ErrTriggerNotFound   = errors.New("flow: trigger not found")
	ErrCardNotFound      = errors.New("flow: card not found")
	ErrCardTypeNotFound  = errors.New("flow: card type not found")
	ErrRunTerminal       = errors.New("flow: run already reached a terminal status")
	ErrInvalidTransition = errors.New("flow: invalid run status transition")
	ErrActiveRunExists   = errors.New("flow: an active run already holds this idempotency key")
)

// WorkflowStore persists workflows.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	// GetWorkflow returns nil, nil if the workflow does not exist.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
}

// TriggerStore persists workflow triggers.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, t *Trigger) error
	// GetTrigger returns nil, nil if the trigger does not exist.
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	ListTriggers(ctx context.Context) ([]Trigger, error)
	// ActiveTriggers returns the active triggers bound to event.
	ActiveTriggers(ctx context.Context, event Event) ([]Trigger, error)
	UpdateTrigger(ctx context.Context, t *Trigger) error
	DeleteTrigger(ctx context.Context, id string) error
}

// RunStore persists workflow runs.
type RunStore interface {
	// CreateRun fails with ErrActiveRunExists when an active run of the same
	// workflow already holds a non-empty run.IdempotencyKey.
	CreateRun(ctx context.Context, run *Run) error
	// GetRun returns nil, nil if the run does not exist.
	GetRun(ctx context.Context, id string) (*Run, error)
	// UpdateRun saves status, timestamps, summary and error.
	// It returns ErrRunTerminal if the stored run is already terminal.
	UpdateRun(ctx context.Context, run *Run) error
	// FindActiveRun returns a queued or running run of workflowID carrying key, or nil.
	FindActiveRun(ctx context.Context, workflowID, key string) (*Run, error)
}

// CardStore gives node handlers access to content entities.
type CardStore interface {
	// GetCard returns nil, nil if the card does not exist.
	GetCard(ctx context.Context, id string) (*Card, error)
	// ListChildren returns cards of cardTypeID under parentID ("" for project root).
	ListChildren(ctx context.Context, projectID, parentID, cardTypeID string) ([]Card, error)
	CreateCard(ctx context.Context, c *Card) error
	// UpdateCard saves title and content.
	UpdateCard(ctx context.Context, c *Card) error
}

// CardTypeStore is the entity-type schema service.
type CardTypeStore interface {
	// GetCardTypeByName returns nil, nil if no type has that name.
	GetCardTypeByName(ctx context.Context, name string) (*CardType, error)
	CreateCardType(ctx context.Context, ct *CardType) error
}

// Store defines the contract for persisting everything the engine touches.
type Store interface {
	// Schema
	CreateSchema(ctx context.Context) error
	DropSchema(ctx context.Context) error

	WorkflowStore
	TriggerStore
	RunStore
	CardStore
	CardTypeStore
}

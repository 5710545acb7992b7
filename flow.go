package flow

import (
	"fmt"
	"time"
)

// BodyHandle is the source handle that marks an edge as a loop body edge.
// Every other handle value designates a sequential ("next") edge.
const BodyHandle = "b"

// NextHandle is the default source handle for sequential edges.
const NextHandle = "r"

// Workflow is a stored DSL program executable against a scope.
type Workflow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Version     int        `json:"version"`
	DSLVersion  int        `json:"dsl_version"`
	IsBuiltIn   bool       `json:"is_built_in"`
	IsActive    bool       `json:"is_active"`
	Definition  Definition `json:"definition"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Definition is the persisted DSL document of a workflow.
// A nil Edges slice (absent or null in JSON) selects the legacy nested-body format.
type Definition struct {
	DSLVersion int    `json:"dsl_version,omitempty" yaml:"dsl_version,omitempty"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes      []Node `json:"nodes" yaml:"nodes"`
	Edges      []Edge `json:"edges" yaml:"edges"`
}

// IsStandard reports whether the definition uses the edge-based format.
func (d Definition) IsStandard() bool {
	return d.Edges != nil
}

// Node is one DSL step.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Body   []Node         `json:"body,omitempty" yaml:"body,omitempty"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// IsBody reports whether the edge connects a loop node to its body.
func (e Edge) IsBody() bool {
	return e.SourceHandle == BodyHandle
}

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	// RunPartial is reserved; the engine never produces it.
	RunPartial RunStatus = "partial"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunPartial:
		return true
	}
	return false
}

// IsActive reports whether the run is queued or running.
func (s RunStatus) IsActive() bool {
	return s == RunQueued || s == RunRunning
}

// CanTransitionTo reports whether moving from s to next goes strictly forward.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunQueued:
		return next == RunRunning || next == RunFailed || next == RunCancelled
	case RunRunning:
		return next == RunSucceeded || next == RunFailed || next == RunCancelled
	}
	return false
}

// Run is one execution instance of a workflow.
type Run struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflow_id"`
	DefinitionVersion int            `json:"definition_version"`
	Status            RunStatus      `json:"status"`
	Scope             map[string]any `json:"scope,omitempty"`
	Params            map[string]any `json:"params,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	Summary           *RunSummary    `json:"summary,omitempty"`
	Error             *RunError      `json:"error,omitempty"`
}

// Transition moves the run to next, refusing backward or post-terminal moves.
func (r *Run) Transition(next RunStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	return nil
}

// RunSummary records the entities touched by a run.
type RunSummary struct {
	AffectedIDs []string `json:"affected_ids"`
}

// RunError describes why a run failed.
type RunError struct {
	Message  string `json:"message"`
	NodeID   string `json:"node_id,omitempty"`
	NodeType string `json:"node_type,omitempty"`
}

// Event names a domain event a trigger can bind to.
type Event string

const (
	EventSave          Event = "onsave"
	EventGenFinish     Event = "ongenfinish"
	EventProjectCreate Event = "onprojectcreate"
	EventManual        Event = "manual"
)

// Valid reports whether e is a known event name.
func (e Event) Valid() bool {
	switch e {
	case EventSave, EventGenFinish, EventProjectCreate, EventManual:
		return true
	}
	return false
}

// Trigger binds a domain event to a workflow.
type Trigger struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	On           Event          `json:"trigger_on"`
	CardTypeName string         `json:"card_type_name,omitempty"`
	Filter       map[string]any `json:"filter,omitempty"`
	IsActive     bool           `json:"is_active"`
}

// Card is a structured content record in a parent/child tree.
// ParentID is empty for cards at the project root.
type Card struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	ModelName         string         `json:"model_name,omitempty"`
	Content           map[string]any `json:"content"`
	ParentID          string         `json:"parent_id,omitempty"`
	ProjectID         string         `json:"project_id"`
	CardTypeID        string         `json:"card_type_id"`
	CardTypeName      string         `json:"card_type_name,omitempty"`
	DisplayOrder      int            `json:"display_order"`
	AIContextTemplate string         `json:"ai_context_template,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Field exposes card attributes to path expressions.
func (c *Card) Field(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	switch name {
	case "id":
		return c.ID, true
	case "title":
		return c.Title, true
	case "content":
		return c.Content, true
	case "parent_id":
		return c.ParentID, true
	case "project_id":
		return c.ProjectID, true
	case "card_type_id":
		return c.CardTypeID, true
	case "card_type_name", "type":
		return c.CardTypeName, true
	case "model_name":
		return c.ModelName, true
	case "display_order":
		return c.DisplayOrder, true
	}
	return nil, false
}

// CardType is a named, schema-governed entity structure.
type CardType struct {
	ID                       string         `json:"id"`
	Name                     string         `json:"name"`
	ModelName                string         `json:"model_name,omitempty"`
	Schema                   map[string]any `json:"json_schema,omitempty"`
	DefaultAIContextTemplate string         `json:"default_ai_context_template,omitempty"`
}

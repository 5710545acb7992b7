package flow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunQueued, RunRunning, true},
		{RunQueued, RunCancelled, true},
		{RunQueued, RunSucceeded, false},
		{RunRunning, RunSucceeded, true},
		{RunRunning, RunFailed, true},
		{RunRunning, RunCancelled, true},
		{RunRunning, RunQueued, false},
		{RunSucceeded, RunRunning, false},
		{RunFailed, RunSucceeded, false},
		{RunCancelled, RunFailed, false},
		{RunPartial, RunRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRunTransitionRejectsTerminal(t *testing.T) {
	run := &Run{Status: RunSucceeded}
	err := run.Transition(RunRunning)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, RunSucceeded, run.Status)
}

func TestDefinitionFormatDetection(t *testing.T) {
	var legacy Definition
	require.NoError(t, json.Unmarshal([]byte(`{"nodes":[{"id":"a","type":"Card.Read"}]}`), &legacy))
	assert.False(t, legacy.IsStandard())

	var nullEdges Definition
	require.NoError(t, json.Unmarshal([]byte(`{"nodes":[],"edges":null}`), &nullEdges))
	assert.False(t, nullEdges.IsStandard())

	var standard Definition
	require.NoError(t, json.Unmarshal([]byte(`{"nodes":[{"id":"a","type":"Card.Read"}],"edges":[]}`), &standard))
	assert.True(t, standard.IsStandard())
}

func TestEdgeIsBody(t *testing.T) {
	assert.True(t, Edge{SourceHandle: BodyHandle}.IsBody())
	assert.False(t, Edge{SourceHandle: NextHandle}.IsBody())
	assert.False(t, Edge{}.IsBody())
}

func TestParseWorkflowDocumentYAML(t *testing.T) {
	doc, err := ParseWorkflowDocument([]byte(`
name: chapters
description: build chapter cards
definition:
  nodes:
    - id: read
      type: Card.Read
      params:
        target: $self
    - id: loop
      type: List.ForEachRange
      params:
        countPath: $.content.stage_count
  edges:
    - source: read
      target: loop
`))
	require.NoError(t, err)

	wf := doc.Workflow()
	assert.Equal(t, "chapters", wf.Name)
	assert.Equal(t, 1, wf.Version)
	assert.True(t, wf.IsActive)
	assert.True(t, wf.Definition.IsStandard())
	require.Len(t, wf.Definition.Nodes, 2)
	assert.Equal(t, "$self", wf.Definition.Nodes[0].Params["target"])
	assert.Equal(t, "chapters", wf.Definition.Name)
}

func TestParseWorkflowDocumentJSON(t *testing.T) {
	doc, err := ParseWorkflowDocument([]byte(`{"name":"legacy","inactive":true,"definition":{"nodes":[{"id":"a","type":"Card.Read"}]}}`))
	require.NoError(t, err)
	wf := doc.Workflow()
	assert.False(t, wf.IsActive)
	assert.False(t, wf.Definition.IsStandard())
}

func TestParseWorkflowDocumentRejectsEmpty(t *testing.T) {
	_, err := ParseWorkflowDocument([]byte("   "))
	assert.Error(t, err)

	_, err = ParseWorkflowDocument([]byte("description: nameless"))
	assert.Error(t, err)
}

func TestCardField(t *testing.T) {
	c := &Card{ID: "c1", Title: "Rin", Content: map[string]any{"age": 17}}
	v, ok := c.Field("title")
	assert.True(t, ok)
	assert.Equal(t, "Rin", v)

	_, ok = c.Field("missing")
	assert.False(t, ok)
}

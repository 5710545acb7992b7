package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/flow"
)

func TestCreateRunActiveKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &flow.Run{WorkflowID: "w1", Status: flow.RunQueued, IdempotencyKey: "k"}
	require.NoError(t, s.CreateRun(ctx, first))

	tests := []struct {
		name    string
		run     *flow.Run
		wantErr error
	}{
		{"same workflow and key", &flow.Run{WorkflowID: "w1", Status: flow.RunQueued, IdempotencyKey: "k"}, flow.ErrActiveRunExists},
		{"other workflow", &flow.Run{WorkflowID: "w2", Status: flow.RunQueued, IdempotencyKey: "k"}, nil},
		{"other key", &flow.Run{WorkflowID: "w1", Status: flow.RunQueued, IdempotencyKey: "k2"}, nil},
		{"empty key", &flow.Run{WorkflowID: "w1", Status: flow.RunQueued}, nil},
		{"terminal run", &flow.Run{WorkflowID: "w1", Status: flow.RunSucceeded, IdempotencyKey: "k"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CreateRun(ctx, tt.run)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, tt.run.ID)
				return
			}
			require.NoError(t, err)
		})
	}

	first.Status = flow.RunFailed
	require.NoError(t, s.UpdateRun(ctx, first))
	require.NoError(t, s.CreateRun(ctx, &flow.Run{WorkflowID: "w1", Status: flow.RunQueued, IdempotencyKey: "k"}),
		"a terminal run releases its key")
}

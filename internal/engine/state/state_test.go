package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveflow-go/internal/domain/workflow"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from workflow.Status
		to   workflow.Status
		want bool
	}{
		{workflow.StatusPending, workflow.StatusRunning, true},
		{workflow.StatusRunning, workflow.StatusCompleted, true},
		{workflow.StatusRunning, workflow.StatusFailed, true},
		{workflow.StatusRunning, workflow.StatusCancelled, true},
		{workflow.StatusRunning, workflow.StatusPendingApproval, true},
		{workflow.StatusPendingApproval, workflow.StatusRunning, true},
		{workflow.StatusPendingApproval, workflow.StatusCancelled, true},

		{workflow.StatusPending, workflow.StatusCompleted, false},
		{workflow.StatusPending, workflow.StatusCancelled, false},
		{workflow.StatusPendingApproval, workflow.StatusCompleted, false},
		{workflow.StatusCompleted, workflow.StatusRunning, false},
		{workflow.StatusFailed, workflow.StatusRunning, false},
		{workflow.StatusCancelled, workflow.StatusRunning, false},
		{workflow.StatusCompleted, workflow.StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestGuard(t *testing.T) {
	require.NoError(t, Guard(workflow.StatusPending, workflow.StatusRunning))

	err := Guard(workflow.StatusCompleted, workflow.StatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal status transition")
}

package executors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waveflow-go/internal/domain/workflow"
)

func TestDelayWaitsConfiguredInterval(t *testing.T) {
	executor := NewDelayExecutor()
	node := testNode("wait", workflow.NodeTypeDelay, map[string]interface{}{
		"duration": 20,
		"unit":     "milliseconds",
	})
	execCtx := testContext(nil, map[string]interface{}{"carried": "along"})

	start := time.Now()
	result, err := executor.Execute(context.Background(), node, execCtx)

	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Equal(t, int64(20), result.Output["waitedMs"])
	require.Equal(t, "along", result.Output["carried"])
}

func TestDelayAbortsWhenRunIsCancelled(t *testing.T) {
	executor := NewDelayExecutor()
	node := testNode("wait", workflow.NodeTypeDelay, map[string]interface{}{
		"duration": 5,
		"unit":     "seconds",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := executor.Execute(ctx, node, testContext(nil, nil))

	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestDelayValidate(t *testing.T) {
	executor := NewDelayExecutor()

	err := executor.Validate(testNode("wait", workflow.NodeTypeDelay, map[string]interface{}{}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duration")

	err = executor.Validate(testNode("wait", workflow.NodeTypeDelay, map[string]interface{}{
		"duration": 1,
		"unit":     "fortnights",
	}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "fortnights")

	err = executor.Validate(testNode("wait", workflow.NodeTypeDelay, map[string]interface{}{
		"duration": 1.5,
	}))
	require.NoError(t, err)
}

package executors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/enginerr"
)

func TestConditionRoutesTrueBranch(t *testing.T) {
	executor := NewConditionExecutor()
	execCtx := testContext(nil, map[string]interface{}{"total": 120})
	execCtx.Connections = []workflow.Connection{
		{Source: "route", Target: "expedite", Handle: workflow.HandleTrue},
		{Source: "route", Target: "standard", Handle: workflow.HandleFalse},
	}
	node := testNode("route", workflow.NodeTypeCondition, map[string]interface{}{
		"expression": "total > 100",
	})

	result, err := executor.Execute(context.Background(), node, execCtx)

	require.NoError(t, err)
	require.Equal(t, "expedite", result.NextNodeID)
	require.Equal(t, true, result.Output["result"])
	require.Equal(t, workflow.HandleTrue, result.Output["branch"])
	require.Equal(t, 120, result.Output["total"])
}

func TestConditionRoutesFalseBranch(t *testing.T) {
	executor := NewConditionExecutor()
	execCtx := testContext(nil, map[string]interface{}{"total": 40})
	execCtx.Connections = []workflow.Connection{
		{Source: "route", Target: "expedite", Handle: workflow.HandleTrue},
		{Source: "route", Target: "standard", Handle: workflow.HandleFalse},
	}
	node := testNode("route", workflow.NodeTypeCondition, map[string]interface{}{
		"expression": "total > 100",
	})

	result, err := executor.Execute(context.Background(), node, execCtx)

	require.NoError(t, err)
	require.Equal(t, "standard", result.NextNodeID)
	require.Equal(t, workflow.HandleFalse, result.Output["branch"])
}

func TestConditionMissingBranchEdgeIsConfigurationError(t *testing.T) {
	executor := NewConditionExecutor()
	execCtx := testContext(nil, map[string]interface{}{"total": 40})
	execCtx.Connections = []workflow.Connection{
		{Source: "route", Target: "expedite", Handle: workflow.HandleTrue},
	}
	node := testNode("route", workflow.NodeTypeCondition, map[string]interface{}{
		"expression": "total > 100",
	})

	_, err := executor.Execute(context.Background(), node, execCtx)

	require.Error(t, err)
	require.Contains(t, err.Error(), `"false"`)
	require.True(t, enginerr.IsTerminal(err))
}

func TestConditionWithoutEdgesJustRecordsDecision(t *testing.T) {
	executor := NewConditionExecutor()
	execCtx := testContext(nil, map[string]interface{}{"total": 40})
	execCtx.Connections = []workflow.Connection{
		{Source: "other", Target: "sink"},
	}
	node := testNode("route", workflow.NodeTypeCondition, map[string]interface{}{
		"expression": "total > 100",
	})

	result, err := executor.Execute(context.Background(), node, execCtx)

	require.NoError(t, err)
	require.Empty(t, result.NextNodeID)
	require.Equal(t, false, result.Output["result"])
}

func TestConditionValidateRequiresExpression(t *testing.T) {
	executor := NewConditionExecutor()

	err := executor.Validate(testNode("route", workflow.NodeTypeCondition, map[string]interface{}{
		"expression": "  ",
	}))

	require.Error(t, err)
	require.Contains(t, err.Error(), "expression")
}

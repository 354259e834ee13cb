package executors

import (
	"context"
	"fmt"
	"strings"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
	"github.com/waveflow-go/internal/engine/enginerr"
	"github.com/waveflow-go/internal/engine/expr"
)

// ConditionExecutor evaluates a branch expression and routes the run
// down the matching labeled edge.
type ConditionExecutor struct{}

type conditionParams struct {
	Expression string `json:"expression"`
}

func NewConditionExecutor() *ConditionExecutor {
	return &ConditionExecutor{}
}

// Execute evaluates the expression against the run scope and emits the
// target of the matching true/false edge as NextNodeID. The upstream
// payload passes through with result and branch added on top. A node
// with outgoing edges but none labeled for the chosen branch is a
// configuration error, never a silent fan-out into the wrong branch; a
// node with no outgoing edges at all just records its decision.
func (e *ConditionExecutor) Execute(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
	var params conditionParams
	if err := parseParams(node, &params); err != nil {
		return nil, fmt.Errorf("invalid condition parameters: %w", err)
	}

	result, err := expr.Evaluate(params.Expression, scope(execCtx))
	if err != nil {
		return nil, enginerr.NewConfiguration(node.ID, "invalid expression: %v", err)
	}

	branch := workflow.HandleFalse
	if result {
		branch = workflow.HandleTrue
	}

	var target string
	outgoing := 0
	for _, connection := range execCtx.Connections {
		if connection.Source != node.ID {
			continue
		}
		outgoing++
		if connection.Handle == branch && target == "" {
			target = connection.Target
		}
	}
	if target == "" && outgoing > 0 {
		return nil, enginerr.NewConfiguration(node.ID, "no outgoing connection labeled %q", branch)
	}

	output := copyMap(execCtx.PreviousNodeOutput)
	output["result"] = result
	output["branch"] = branch

	return &dispatch.Result{Output: output, NextNodeID: target}, nil
}

func (e *ConditionExecutor) Validate(node *workflow.Node) error {
	var params conditionParams
	if err := parseParams(node, &params); err != nil {
		return fmt.Errorf("invalid condition parameters: %w", err)
	}
	if strings.TrimSpace(params.Expression) == "" {
		return fmt.Errorf("expression is required")
	}
	return nil
}

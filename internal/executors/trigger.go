package executors

import (
	"context"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
)

// TriggerExecutor is the run entry point. It hands the run input through
// untouched so the first real node sees exactly what the caller
// submitted.
type TriggerExecutor struct{}

func NewTriggerExecutor() *TriggerExecutor {
	return &TriggerExecutor{}
}

func (e *TriggerExecutor) Execute(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
	return &dispatch.Result{Output: copyMap(execCtx.Input)}, nil
}

func (e *TriggerExecutor) Validate(node *workflow.Node) error {
	return nil
}

package executors

import (
	"context"
	"fmt"
	"strings"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
)

// ApprovalExecutor pauses the run for a human decision. The engine
// checkpoints the run when it sees RequiresApproval, so the output here
// becomes both the prompt shown to the operator and the seed input for
// the nodes that run after a positive decision.
type ApprovalExecutor struct{}

type approvalParams struct {
	Prompt   string                 `json:"prompt"`
	Metadata map[string]interface{} `json:"metadata"`
}

func NewApprovalExecutor() *ApprovalExecutor {
	return &ApprovalExecutor{}
}

func (e *ApprovalExecutor) Execute(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
	var params approvalParams
	if err := parseParams(node, &params); err != nil {
		return nil, fmt.Errorf("invalid approval parameters: %w", err)
	}

	vars := scope(execCtx)
	output := make(map[string]interface{}, len(params.Metadata)+2)
	for key, value := range params.Metadata {
		output[key] = interpolateValue(value, vars)
	}
	output["prompt"] = interpolate(params.Prompt, vars)
	output["payload"] = execCtx.PreviousNodeOutput

	return &dispatch.Result{Output: output, RequiresApproval: true}, nil
}

func (e *ApprovalExecutor) Validate(node *workflow.Node) error {
	var params approvalParams
	if err := parseParams(node, &params); err != nil {
		return fmt.Errorf("invalid approval parameters: %w", err)
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

package executors

import (
	"context"
	"fmt"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
)

// TransformExecutor reshapes the upstream payload with an ordered list
// of operations.
type TransformExecutor struct{}

type transformParams struct {
	Operations []transformOperation `json:"operations"`
}

type transformOperation struct {
	Op     string      `json:"op"` // set, rename, remove, pick
	Field  string      `json:"field,omitempty"`
	Value  interface{} `json:"value,omitempty"`
	From   string      `json:"from,omitempty"`
	To     string      `json:"to,omitempty"`
	Fields []string    `json:"fields,omitempty"`
}

func NewTransformExecutor() *TransformExecutor {
	return &TransformExecutor{}
}

// Execute applies the operations in order to a copy of the upstream
// payload. Set values go through placeholder interpolation, so a value
// of "{{user.id}}" copies a field instead of storing the literal text.
func (e *TransformExecutor) Execute(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
	params, err := e.parseParams(node)
	if err != nil {
		return nil, err
	}

	vars := scope(execCtx)
	output := copyMap(execCtx.PreviousNodeOutput)
	for _, op := range params.Operations {
		switch op.Op {
		case "set":
			output[op.Field] = interpolateValue(op.Value, vars)
		case "rename":
			if value, ok := output[op.From]; ok {
				delete(output, op.From)
				output[op.To] = value
			}
		case "remove":
			delete(output, op.Field)
		case "pick":
			picked := make(map[string]interface{}, len(op.Fields))
			for _, field := range op.Fields {
				if value, ok := output[field]; ok {
					picked[field] = value
				}
			}
			output = picked
		}
	}

	return &dispatch.Result{Output: output}, nil
}

func (e *TransformExecutor) Validate(node *workflow.Node) error {
	params, err := e.parseParams(node)
	if err != nil {
		return err
	}
	if len(params.Operations) == 0 {
		return fmt.Errorf("at least one operation is required")
	}
	for i, op := range params.Operations {
		switch op.Op {
		case "set", "remove":
			if op.Field == "" {
				return fmt.Errorf("operation %d: field is required", i)
			}
		case "rename":
			if op.From == "" || op.To == "" {
				return fmt.Errorf("operation %d: from and to are required", i)
			}
		case "pick":
			if len(op.Fields) == 0 {
				return fmt.Errorf("operation %d: fields is required", i)
			}
		default:
			return fmt.Errorf("operation %d: unknown op %q", i, op.Op)
		}
	}
	return nil
}

func (e *TransformExecutor) parseParams(node *workflow.Node) (*transformParams, error) {
	var params transformParams
	if err := parseParams(node, &params); err != nil {
		return nil, fmt.Errorf("invalid transform parameters: %w", err)
	}
	return &params, nil
}

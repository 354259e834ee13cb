package executors

import (
	"context"
	"fmt"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
	"github.com/waveflow-go/pkg/logger"
)

// LogExecutor writes a line to the process log and passes the upstream
// payload through unchanged, so it can sit anywhere in a pipeline.
type LogExecutor struct {
	logger logger.Logger
}

type logParams struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

func NewLogExecutor(log logger.Logger) *LogExecutor {
	return &LogExecutor{logger: log}
}

func (e *LogExecutor) Execute(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
	var params logParams
	if err := parseParams(node, &params); err != nil {
		return nil, fmt.Errorf("invalid log parameters: %w", err)
	}

	message := interpolate(params.Message, scope(execCtx))
	fields := []interface{}{"execution_id", execCtx.ExecutionID, "node_id", node.ID}
	switch params.Level {
	case "debug":
		e.logger.Debug(message, fields...)
	case "warn":
		e.logger.Warn(message, fields...)
	case "error":
		e.logger.Error(message, fields...)
	default:
		e.logger.Info(message, fields...)
	}

	return &dispatch.Result{Output: copyMap(execCtx.PreviousNodeOutput)}, nil
}

func (e *LogExecutor) Validate(node *workflow.Node) error {
	var params logParams
	if err := parseParams(node, &params); err != nil {
		return fmt.Errorf("invalid log parameters: %w", err)
	}
	switch params.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("unknown level %q", params.Level)
}

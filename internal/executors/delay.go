package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
)

// DelayExecutor holds a run for a configured interval.
type DelayExecutor struct{}

type delayParams struct {
	Duration float64 `json:"duration"`
	Unit     string  `json:"unit"`
}

var delayUnits = map[string]time.Duration{
	"":             time.Second,
	"milliseconds": time.Millisecond,
	"seconds":      time.Second,
	"minutes":      time.Minute,
	"hours":        time.Hour,
}

func NewDelayExecutor() *DelayExecutor {
	return &DelayExecutor{}
}

// Execute waits for the configured interval or until the run is
// cancelled, whichever comes first.
func (e *DelayExecutor) Execute(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
	params, err := e.parseParams(node)
	if err != nil {
		return nil, err
	}

	wait := time.Duration(params.Duration * float64(delayUnits[params.Unit]))
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	output := copyMap(execCtx.PreviousNodeOutput)
	output["waitedMs"] = wait.Milliseconds()
	return &dispatch.Result{Output: output}, nil
}

func (e *DelayExecutor) Validate(node *workflow.Node) error {
	params, err := e.parseParams(node)
	if err != nil {
		return err
	}
	if params.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if _, ok := delayUnits[params.Unit]; !ok {
		return fmt.Errorf("unknown unit %q", params.Unit)
	}
	return nil
}

func (e *DelayExecutor) parseParams(node *workflow.Node) (*delayParams, error) {
	var params delayParams
	if err := parseParams(node, &params); err != nil {
		return nil, fmt.Errorf("invalid delay parameters: %w", err)
	}
	return &params, nil
}

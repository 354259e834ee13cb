// Package driver runs workflow executions. One Engine owns every live run
// in the process: it validates the definition up front, walks the graph in
// dependency waves, hands each node to the retry policy and records every
// transition durably before acting on it. The in-memory cancel map is a
// soft hint; the store is what decides whether a run is still alive.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/approval"
	"github.com/waveflow-go/internal/engine/dispatch"
	"github.com/waveflow-go/internal/engine/enginerr"
	"github.com/waveflow-go/internal/engine/graph"
	"github.com/waveflow-go/internal/engine/retry"
	"github.com/waveflow-go/internal/store"
	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/metrics"
	"github.com/waveflow-go/pkg/telemetry"
)

const defaultNodeTimeout = 30 * time.Second

// Engine coordinates workflow runs.
type Engine struct {
	registry    *dispatch.Registry
	policy      *retry.Policy
	executions  *store.ExecutionStore
	controller  *approval.Controller
	eventBus    events.EventBus
	telemetry   *telemetry.Telemetry
	logger      logger.Logger
	nodeTimeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewEngine(
	registry *dispatch.Registry,
	policy *retry.Policy,
	executions *store.ExecutionStore,
	controller *approval.Controller,
	eventBus events.EventBus,
	tel *telemetry.Telemetry,
	log logger.Logger,
	nodeTimeout time.Duration,
) *Engine {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if nodeTimeout <= 0 {
		nodeTimeout = defaultNodeTimeout
	}
	return &Engine{
		registry:    registry,
		policy:      policy,
		executions:  executions,
		controller:  controller,
		eventBus:    eventBus,
		telemetry:   tel,
		logger:      log,
		nodeTimeout: nodeTimeout,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// seed is where a run enters the scheduling loop: the trigger node with
// the run input for a fresh run, the approval node's children with the
// approval data for a resumed one.
type seed struct {
	nodeIDs  []string
	input    map[string]interface{}
	executed map[string]bool
}

type waveResult struct {
	node   *workflow.Node
	result *dispatch.Result
	err    error
}

// StartRun validates the definition, creates the durable record and starts
// the run in the background. Validation failures surface before any record
// exists.
func (e *Engine) StartRun(ctx context.Context, definition *workflow.Workflow, userID string, input map[string]interface{}) (*workflow.Execution, error) {
	idx, err := graph.New(definition)
	if err != nil {
		return nil, err
	}

	execution := workflow.NewExecution(definition, userID, input)
	if err := e.executions.Create(ctx, execution); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	// The run outlives the request that triggered it.
	runCtx, cancel := context.WithCancel(context.Background())
	e.track(execution.ID, cancel)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.untrack(execution.ID)
		defer cancel()

		metrics.ActiveExecutions.Inc()
		defer metrics.ActiveExecutions.Dec()

		started, err := e.executions.UpdateStatus(context.Background(), execution.ID, workflow.StatusRunning, nil)
		if err != nil {
			e.logger.Error("Failed to mark execution running", "executionId", execution.ID, "error", err)
			return
		}

		e.publish(runCtx, events.NewEventBuilder(events.ExecutionStarted).
			WithAggregateID(execution.ID).
			WithAggregateType("execution").
			WithUserID(userID).
			WithPayload("workflowId", execution.WorkflowID).
			Build())
		e.publish(runCtx, events.StateChange(execution.ID, string(workflow.StatusPending), string(workflow.StatusRunning)))
		e.logger.Info("Execution started", "executionId", execution.ID, "workflowId", execution.WorkflowID)

		e.run(runCtx, started, idx, seed{
			nodeIDs:  []string{idx.TriggerNodeID},
			input:    input,
			executed: map[string]bool{},
		})
	}()

	return execution, nil
}

// Resume applies an approval decision. A rejection finalizes the run as
// cancelled inside the controller; an approval restarts the scheduling
// loop from the approval node's children.
func (e *Engine) Resume(ctx context.Context, executionID string, approved bool, comment string) (*workflow.Execution, error) {
	resumeSeed, err := e.controller.Decide(ctx, executionID, approved, comment)
	if err != nil {
		return nil, err
	}
	if resumeSeed == nil {
		return e.executions.GetByID(ctx, executionID)
	}

	idx, err := graph.New(resumeSeed.Execution.Definition)
	if err != nil {
		// The snapshot was valid when the run started, so this is data
		// corruption, not user error.
		e.finalizeFailed(resumeSeed.Execution, fmt.Errorf("resume %s: %w", executionID, err))
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.track(executionID, cancel)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.untrack(executionID)
		defer cancel()

		metrics.ActiveExecutions.Inc()
		defer metrics.ActiveExecutions.Dec()

		e.logger.Info("Execution resumed", "executionId", executionID, "seedNodes", resumeSeed.SeedNodeIDs)

		e.run(runCtx, resumeSeed.Execution, idx, seed{
			nodeIDs:  resumeSeed.SeedNodeIDs,
			input:    resumeSeed.SeedInput,
			executed: resumeSeed.Executed,
		})
	}()

	return resumeSeed.Execution, nil
}

// Cancel requests cooperative cancellation. A run owned by this process is
// cancelled at its next wave boundary; in-flight node calls run to
// completion and their results are discarded. A RUNNING row no live
// goroutine owns is failed directly. The stored status, not the cancel
// map, decides whether there is anything left to cancel.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	switch execution.Status {
	case workflow.StatusPending, workflow.StatusRunning:
	case workflow.StatusPendingApproval:
		return fmt.Errorf("execution %s is pending approval, resolve it with a decision instead", executionID)
	default:
		return fmt.Errorf("execution %s is already %s", executionID, execution.Status)
	}

	e.mu.Lock()
	cancel, tracked := e.cancels[executionID]
	e.mu.Unlock()

	if tracked {
		cancel()
		e.publish(ctx, events.NewEventBuilder(events.ExecutionCancelled).
			WithAggregateID(executionID).
			WithAggregateType("execution").
			WithPayload("reason", "cancellation requested").
			Build())
		e.logger.Info("Cancellation requested", "executionId", executionID)
		return nil
	}

	if execution.Status != workflow.StatusRunning {
		return fmt.Errorf("execution %s has not started", executionID)
	}

	cause := enginerr.NewCancellation("execution cancelled")
	updated, err := e.executions.UpdateStatus(ctx, executionID, workflow.StatusFailed, &store.StatusUpdate{Error: cause.Error()})
	if err != nil {
		return err
	}
	metrics.RecordExecution("failed", updated.Duration().Seconds())
	e.publish(ctx, events.NewEventBuilder(events.ExecutionCancelled).
		WithAggregateID(executionID).
		WithAggregateType("execution").
		WithPayload("reason", "cancellation requested").
		Build())
	e.publish(ctx, events.NewEventBuilder(events.ExecutionFailed).
		WithAggregateID(executionID).
		WithAggregateType("execution").
		WithPayload("error", cause.Error()).
		Build())
	e.publish(ctx, events.StateChange(executionID, string(workflow.StatusRunning), string(workflow.StatusFailed)))
	e.logger.Warn("Failed orphaned execution on cancel", "executionId", executionID)
	return nil
}

// RecoverStale fails RUNNING rows whose owning process died. Runs tracked
// by this process are left alone.
func (e *Engine) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	running, err := e.executions.GetRunning(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	recovered := 0
	for _, execution := range running {
		if e.tracked(execution.ID) || execution.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := e.executions.UpdateStatus(ctx, execution.ID, workflow.StatusFailed, &store.StatusUpdate{
			Error: "execution orphaned by process restart",
		}); err != nil {
			e.logger.Error("Failed to recover stale execution", "executionId", execution.ID, "error", err)
			continue
		}
		e.publish(ctx, events.NewEventBuilder(events.ExecutionFailed).
			WithAggregateID(execution.ID).
			WithAggregateType("execution").
			WithPayload("error", "execution orphaned by process restart").
			Build())
		e.publish(ctx, events.StateChange(execution.ID, string(workflow.StatusRunning), string(workflow.StatusFailed)))
		e.logger.Warn("Recovered stale execution", "executionId", execution.ID, "updatedAt", execution.UpdatedAt)
		recovered++
	}
	return recovered, nil
}

// Shutdown cancels every live run and waits for their goroutines, bounded
// by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the scheduling loop shared by fresh and resumed runs. Each
// iteration executes one wave: every queued node whose dependencies have
// all executed. Record writes use a background context so a cancelled run
// can still be finalized.
func (e *Engine) run(ctx context.Context, execution *workflow.Execution, idx *graph.Index, s seed) {
	ctx, span := e.telemetry.StartSpan(ctx, "workflow.run", trace.WithAttributes(
		telemetry.ExecutionIDAttribute(execution.ID),
		telemetry.WorkflowIDAttribute(execution.WorkflowID),
	))
	defer span.End()

	executed := s.executed
	if executed == nil {
		executed = map[string]bool{}
	}
	seen := make(map[string]bool, len(s.nodeIDs))
	seedSet := make(map[string]bool, len(s.nodeIDs))
	outputs := make(map[string]map[string]interface{})

	var queue []string
	for _, id := range s.nodeIDs {
		seedSet[id] = true
		if !executed[id] && !seen[id] {
			queue = append(queue, id)
			seen[id] = true
		}
	}

	var lastOutput map[string]interface{}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			e.finalizeFailed(execution, enginerr.NewCancellation("execution cancelled"))
			return
		}

		// Nodes still waiting on a branch that was never taken stay
		// behind; an empty ready set means no further progress is
		// possible and the run completes with what it has.
		var ready, waiting []string
		for _, id := range queue {
			if e.depsSatisfied(idx, id, executed) {
				ready = append(ready, id)
			} else {
				waiting = append(waiting, id)
			}
		}
		if len(ready) == 0 {
			break
		}
		queue = waiting

		metrics.WaveSize.Observe(float64(len(ready)))
		results := e.executeWave(ctx, execution, idx, ready, seedSet, s.input, outputs)

		for _, r := range results {
			if r.err != nil {
				e.finalizeFailed(execution, r.err)
				return
			}
		}

		// Every wave success is durable before any continuation decision,
		// so a pause checkpoint covers the whole wave. Results arrive in
		// completion order, which makes the final run output literally
		// the most recently completed node's output.
		for _, r := range results {
			executed[r.node.ID] = true
			outputs[r.node.ID] = r.result.Output
			lastOutput = r.result.Output
		}

		for _, r := range results {
			if r.result.RequiresApproval {
				if err := e.controller.Pause(context.Background(), execution.ID, r.node.ID, r.result.Output, executed); err != nil {
					e.finalizeFailed(execution, fmt.Errorf("pause for approval at node %s: %w", r.node.ID, err))
				}
				return
			}
		}

		for _, r := range results {
			if r.result.NextNodeID != "" {
				if idx.Node(r.result.NextNodeID) == nil {
					e.finalizeFailed(execution, enginerr.NewConfiguration(r.node.ID, "next node %q does not exist", r.result.NextNodeID))
					return
				}
				if !executed[r.result.NextNodeID] && !seen[r.result.NextNodeID] {
					queue = append(queue, r.result.NextNodeID)
					seen[r.result.NextNodeID] = true
				}
				continue
			}
			for _, child := range idx.Children(r.node.ID) {
				if !executed[child] && !seen[child] {
					queue = append(queue, child)
					seen[child] = true
				}
			}
		}
	}

	if ctx.Err() != nil {
		e.finalizeFailed(execution, enginerr.NewCancellation("execution cancelled"))
		return
	}

	e.finalizeCompleted(execution, lastOutput)
}

func (e *Engine) depsSatisfied(idx *graph.Index, nodeID string, executed map[string]bool) bool {
	for _, dep := range idx.Dependencies(nodeID) {
		if !executed[dep] {
			return false
		}
	}
	return true
}

// executeWave runs every ready node concurrently and waits for all of
// them. Results are appended in completion order.
func (e *Engine) executeWave(ctx context.Context, execution *workflow.Execution, idx *graph.Index, ready []string, seedSet map[string]bool, seedInput map[string]interface{}, outputs map[string]map[string]interface{}) []*waveResult {
	var (
		mu      sync.Mutex
		results []*waveResult
		wg      sync.WaitGroup
	)

	for _, nodeID := range ready {
		node := idx.Node(nodeID)
		if node == nil {
			// Graph validation makes this unreachable; if it happens the
			// definition snapshot is corrupt and the run must not guess.
			mu.Lock()
			results = append(results, &waveResult{err: fmt.Errorf("node %s missing from definition", nodeID)})
			mu.Unlock()
			continue
		}

		input := e.resolveInput(execution, idx, node.ID, seedSet, seedInput, outputs)

		wg.Add(1)
		go func(node *workflow.Node, input map[string]interface{}) {
			defer wg.Done()
			r := e.executeNode(ctx, execution, node, input)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(node, input)
	}

	wg.Wait()
	return results
}

// resolveInput picks a node's input: the seed input for seed nodes, the
// run input for dependency-free nodes, otherwise the output of its first
// dependency. After a resume that output may only exist durably, so the
// store is the fallback.
func (e *Engine) resolveInput(execution *workflow.Execution, idx *graph.Index, nodeID string, seedSet map[string]bool, seedInput map[string]interface{}, outputs map[string]map[string]interface{}) map[string]interface{} {
	if seedSet[nodeID] {
		return seedInput
	}
	deps := idx.Dependencies(nodeID)
	if len(deps) == 0 {
		return execution.Input
	}
	if out, ok := outputs[deps[0]]; ok {
		return out
	}
	record, err := e.executions.GetNodeExecution(context.Background(), execution.ID, deps[0])
	if err != nil {
		e.logger.Warn("No recorded output for dependency, falling back to run input",
			"executionId", execution.ID, "nodeId", nodeID, "dependency", deps[0], "error", err)
		return execution.Input
	}
	return record.Output
}

// executeNode opens the durable node record, runs the node through the
// retry policy and closes the record with the outcome.
func (e *Engine) executeNode(ctx context.Context, execution *workflow.Execution, node *workflow.Node, input map[string]interface{}) *waveResult {
	nodeCtx, span := e.telemetry.StartSpan(ctx, "workflow.node", trace.WithAttributes(
		telemetry.NodeIDAttribute(node.ID),
		telemetry.NodeTypeAttribute(node.Type),
	))
	defer span.End()

	record := workflow.NewNodeExecution(execution.ID, node, input)
	if err := e.executions.CreateNodeExecution(context.Background(), record); err != nil {
		return &waveResult{node: node, err: fmt.Errorf("create node record for %s: %w", node.ID, err)}
	}

	execContext := &dispatch.ExecutionContext{
		ExecutionID:        execution.ID,
		WorkflowID:         execution.WorkflowID,
		UserID:             execution.UserID,
		Variables:          execution.Definition.Variables,
		PreviousNodeOutput: input,
		Input:              execution.Input,
		Connections:        execution.Definition.Connections,
	}

	result, attempts, err := e.policy.Execute(nodeCtx, execution.ID, node, func(attemptCtx context.Context) (*dispatch.Result, error) {
		// Resolution happens inside the attempt so an unknown type or bad
		// config flows through the same classification as any failure.
		capability, resolveErr := e.registry.Resolve(node.Type)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if validateErr := capability.Validate(node); validateErr != nil {
			return nil, enginerr.NewConfiguration(node.ID, "invalid parameters: %v", validateErr)
		}

		attemptCtx, cancelAttempt := context.WithTimeout(attemptCtx, e.nodeTimeout)
		defer cancelAttempt()

		out, execErr := capability.Execute(attemptCtx, node, execContext)
		if execErr != nil {
			switch {
			case errors.Is(execErr, context.Canceled):
				return nil, enginerr.NewCancellation("execution cancelled")
			case errors.Is(execErr, context.DeadlineExceeded):
				return nil, &enginerr.TransientInfraError{Op: "node timeout", Err: execErr}
			}
			return nil, execErr
		}
		return out, nil
	})

	finished := time.Now().UTC()
	record.FinishedAt = &finished
	if attempts > 0 {
		record.Attempts = attempts
	}
	if err != nil {
		record.Status = workflow.NodeStatusFailed
		record.Error = err.Error()
	} else {
		record.Status = workflow.NodeStatusCompleted
		record.Output = result.Output
	}
	if updateErr := e.executions.UpdateNodeExecution(context.Background(), record); updateErr != nil {
		e.logger.Error("Failed to update node record", "executionId", execution.ID, "nodeId", node.ID, "error", updateErr)
	}

	if err != nil {
		return &waveResult{node: node, err: fmt.Errorf("node %s: %w", node.ID, err)}
	}
	return &waveResult{node: node, result: result}
}

func (e *Engine) finalizeCompleted(execution *workflow.Execution, output map[string]interface{}) {
	updated, err := e.executions.UpdateStatus(context.Background(), execution.ID, workflow.StatusCompleted, &store.StatusUpdate{Output: output})
	if err != nil {
		e.logger.Error("Failed to finalize execution as completed", "executionId", execution.ID, "error", err)
		return
	}

	metrics.RecordExecution("completed", updated.Duration().Seconds())
	e.publish(context.Background(), events.NewEventBuilder(events.ExecutionCompleted).
		WithAggregateID(execution.ID).
		WithAggregateType("execution").
		WithPayload("workflowId", execution.WorkflowID).
		WithPayload("durationMs", updated.Duration().Milliseconds()).
		Build())
	e.publish(context.Background(), events.StateChange(execution.ID, string(workflow.StatusRunning), string(workflow.StatusCompleted)))
	e.logger.Info("Execution completed", "executionId", execution.ID, "durationMs", updated.Duration().Milliseconds())
}

func (e *Engine) finalizeFailed(execution *workflow.Execution, cause error) {
	updated, err := e.executions.UpdateStatus(context.Background(), execution.ID, workflow.StatusFailed, &store.StatusUpdate{Error: cause.Error()})
	if err != nil {
		// Lost a race with Cancel failing the row directly; the stored
		// outcome stands.
		e.logger.Warn("Failed to finalize execution as failed", "executionId", execution.ID, "cause", cause, "error", err)
		return
	}

	metrics.RecordExecution("failed", updated.Duration().Seconds())
	e.publish(context.Background(), events.NewEventBuilder(events.ExecutionFailed).
		WithAggregateID(execution.ID).
		WithAggregateType("execution").
		WithPayload("error", cause.Error()).
		Build())
	e.publish(context.Background(), events.StateChange(execution.ID, string(workflow.StatusRunning), string(workflow.StatusFailed)))
	e.logger.Error("Execution failed", "executionId", execution.ID, "error", cause)
}

func (e *Engine) track(executionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[executionID] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(executionID string) {
	e.mu.Lock()
	delete(e.cancels, executionID)
	e.mu.Unlock()
}

func (e *Engine) tracked(executionID string) bool {
	e.mu.Lock()
	_, ok := e.cancels[executionID]
	e.mu.Unlock()
	return ok
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if err := e.eventBus.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish event", "eventType", event.Type, "error", err)
	}
}

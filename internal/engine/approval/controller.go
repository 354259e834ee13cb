package approval

import (
	"context"
	"fmt"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/graph"
	"github.com/waveflow-go/internal/store"
	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/metrics"
)

// ResumeSeed is everything the driver needs to continue an approved run:
// the nodes to enqueue, their shared input, and the set of nodes that
// must not run again.
type ResumeSeed struct {
	Execution   *workflow.Execution
	SeedNodeIDs []string
	SeedInput   map[string]interface{}
	Executed    map[string]bool
}

// Controller owns the pause and resume halves of the approval gate.
type Controller struct {
	executions  *store.ExecutionStore
	checkpoints *CheckpointStore
	eventBus    events.EventBus
	logger      logger.Logger
}

func NewController(executions *store.ExecutionStore, checkpoints *CheckpointStore, bus events.EventBus, log logger.Logger) *Controller {
	return &Controller{
		executions:  executions,
		checkpoints: checkpoints,
		eventBus:    bus,
		logger:      log,
	}
}

// Pause checkpoints the run and parks it in PENDING_APPROVAL. The
// approval node's output becomes the approvalData shown to the approver
// and, on approval, the seed input of the node's children.
func (c *Controller) Pause(ctx context.Context, executionID, nodeID string, approvalData map[string]interface{}, executed map[string]bool) error {
	executedIDs := make([]string, 0, len(executed))
	for id := range executed {
		executedIDs = append(executedIDs, id)
	}

	checkpoint := &Checkpoint{
		ExecutionID:     executionID,
		NodeID:          nodeID,
		ApprovalData:    approvalData,
		ExecutedNodeIDs: executedIDs,
	}
	if err := c.checkpoints.Save(ctx, checkpoint); err != nil {
		return fmt.Errorf("failed to checkpoint execution %s: %w", executionID, err)
	}

	execution, err := c.executions.UpdateStatus(ctx, executionID, workflow.StatusPendingApproval, &store.StatusUpdate{
		ApprovalData: approvalData,
	})
	if err != nil {
		return err
	}

	metrics.ApprovalsPending.Inc()
	c.publish(ctx, events.NewEventBuilder(events.ExecutionPendingApproval).
		WithAggregateID(executionID).
		WithAggregateType("execution").
		WithUserID(execution.UserID).
		WithPayload("nodeId", nodeID).
		WithPayload("approvalData", approvalData).
		Build())
	c.publish(ctx, events.StateChange(executionID, string(workflow.StatusRunning), string(workflow.StatusPendingApproval)))

	c.logger.Info("execution paused for approval",
		"execution_id", executionID,
		"node_id", nodeID)
	return nil
}

// Decide applies an approval decision. Only PENDING_APPROVAL runs accept
// one; a second call finds the run already moved on and fails without
// side effects. A rejection terminates the run and returns a nil seed; an
// approval returns the seed for re-entering the scheduling loop.
func (c *Controller) Decide(ctx context.Context, executionID string, approved bool, comment string) (*ResumeSeed, error) {
	execution, err := c.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if execution.Status != workflow.StatusPendingApproval {
		return nil, fmt.Errorf("execution %s is not pending approval (status %s)", executionID, execution.Status)
	}

	if !approved {
		return nil, c.reject(ctx, execution, comment)
	}
	return c.approve(ctx, execution, comment)
}

func (c *Controller) reject(ctx context.Context, execution *workflow.Execution, comment string) error {
	errMsg := comment
	if errMsg == "" {
		errMsg = "approval rejected"
	}

	updated, err := c.executions.UpdateStatus(ctx, execution.ID, workflow.StatusCancelled, &store.StatusUpdate{
		Error: errMsg,
	})
	if err != nil {
		return err
	}

	if err := c.checkpoints.Delete(ctx, execution.ID); err != nil {
		c.logger.Warn("failed to delete checkpoint after rejection", "execution_id", execution.ID, "error", err)
	}

	metrics.ApprovalsPending.Dec()
	metrics.RecordExecution("cancelled", updated.Duration().Seconds())
	c.publish(ctx, events.NewEventBuilder(events.ExecutionRejected).
		WithAggregateID(execution.ID).
		WithAggregateType("execution").
		WithUserID(execution.UserID).
		WithPayload("comment", comment).
		Build())
	c.publish(ctx, events.NewEventBuilder(events.ExecutionCancelled).
		WithAggregateID(execution.ID).
		WithAggregateType("execution").
		WithPayload("reason", errMsg).
		Build())
	c.publish(ctx, events.StateChange(execution.ID, string(workflow.StatusPendingApproval), string(workflow.StatusCancelled)))

	c.logger.Info("execution rejected", "execution_id", execution.ID, "comment", comment)
	return nil
}

func (c *Controller) approve(ctx context.Context, execution *workflow.Execution, comment string) (*ResumeSeed, error) {
	nodeID, approvalData, err := c.checkpointState(ctx, execution)
	if err != nil {
		return nil, err
	}

	idx, err := graph.New(execution.Definition)
	if err != nil {
		return nil, fmt.Errorf("snapshotted definition for execution %s no longer indexes: %w", execution.ID, err)
	}
	children := idx.Children(nodeID)
	if len(children) == 0 {
		c.logger.Warn("approval node has no children, run will complete immediately",
			"execution_id", execution.ID,
			"node_id", nodeID)
	}

	// The executed set comes from durable node records, never from
	// whatever in-memory state survived the pause.
	executed, err := c.executions.CompletedNodeIDs(ctx, execution.ID)
	if err != nil {
		return nil, err
	}

	updated, err := c.executions.UpdateStatus(ctx, execution.ID, workflow.StatusRunning, nil)
	if err != nil {
		return nil, err
	}

	if err := c.checkpoints.Delete(ctx, execution.ID); err != nil {
		c.logger.Warn("failed to delete consumed checkpoint", "execution_id", execution.ID, "error", err)
	}

	metrics.ApprovalsPending.Dec()
	c.publish(ctx, events.NewEventBuilder(events.ExecutionApproved).
		WithAggregateID(execution.ID).
		WithAggregateType("execution").
		WithUserID(execution.UserID).
		WithPayload("comment", comment).
		WithPayload("nodeId", nodeID).
		Build())
	c.publish(ctx, events.StateChange(execution.ID, string(workflow.StatusPendingApproval), string(workflow.StatusRunning)))

	c.logger.Info("execution approved, resuming",
		"execution_id", execution.ID,
		"node_id", nodeID,
		"children", len(children))

	return &ResumeSeed{
		Execution:   updated,
		SeedNodeIDs: children,
		SeedInput:   approvalData,
		Executed:    executed,
	}, nil
}

// checkpointState recovers the paused node and approval data. The
// checkpoint row is preferred; if it expired, the execution record's
// approvalData mirror plus the node records reconstruct the same state.
func (c *Controller) checkpointState(ctx context.Context, execution *workflow.Execution) (string, map[string]interface{}, error) {
	checkpoint, err := c.checkpoints.Get(ctx, execution.ID)
	if err == nil {
		return checkpoint.NodeID, checkpoint.ApprovalData, nil
	}

	records, err := c.executions.GetNodeExecutions(ctx, execution.ID)
	if err != nil {
		return "", nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		if record.NodeType == workflow.NodeTypeApproval && record.Status == workflow.NodeStatusCompleted {
			return record.NodeID, execution.ApprovalData, nil
		}
	}
	return "", nil, fmt.Errorf("no checkpoint or completed approval node for execution %s", execution.ID)
}

func (c *Controller) publish(ctx context.Context, event events.Event) {
	if c.eventBus == nil {
		return
	}
	if err := c.eventBus.Publish(ctx, event); err != nil {
		c.logger.Error("failed to publish approval event", "type", event.Type, "error", err)
	}
}

// Package store is the durable persistence layer. Every status write goes
// through the transition guard inside a row-locked transaction, which
// makes the database the arbiter for concurrent drivers, controllers and
// API handlers touching the same run.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/state"
	"github.com/waveflow-go/pkg/database"
)

var ErrExecutionNotFound = errors.New("execution not found")

// StatusUpdate carries the optional fields written together with a status
// change. Nil maps and empty strings leave the stored values untouched.
type StatusUpdate struct {
	Output       map[string]interface{}
	Error        string
	ApprovalData map[string]interface{}
}

// ExecutionFilter narrows List queries.
type ExecutionFilter struct {
	WorkflowID    string
	UserID        string
	Status        workflow.Status
	StartedAfter  time.Time
	StartedBefore time.Time
}

type ExecutionStore struct {
	db *database.DB
}

func NewExecutionStore(db *database.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) Create(ctx context.Context, execution *workflow.Execution) error {
	return s.db.WithContext(ctx).Create(execution).Error
}

func (s *ExecutionStore) GetByID(ctx context.Context, id string) (*workflow.Execution, error) {
	var execution workflow.Execution
	err := s.db.WithContext(ctx).
		Preload("NodeExecutions").
		Where("id = ?", id).
		First(&execution).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

// UpdateStatus transitions a run to a new status inside a row-locked
// transaction. The current status is read under the lock and checked
// against the transition table, so two racing writers cannot both move
// the same run. Returns the post-update record.
func (s *ExecutionStore) UpdateStatus(ctx context.Context, id string, to workflow.Status, upd *StatusUpdate) (*workflow.Execution, error) {
	var execution workflow.Execution

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&execution).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrExecutionNotFound
			}
			return err
		}

		if err := state.Guard(execution.Status, to); err != nil {
			return fmt.Errorf("execution %s: %w", id, err)
		}

		now := time.Now().UTC()
		execution.Status = to
		execution.UpdatedAt = now

		switch to {
		case workflow.StatusRunning:
			if execution.StartedAt == nil {
				execution.StartedAt = &now
			}
		case workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusCancelled:
			if execution.FinishedAt == nil {
				execution.FinishedAt = &now
			}
		}

		if upd != nil {
			if upd.Output != nil {
				execution.Output = upd.Output
			}
			if upd.Error != "" {
				execution.Error = upd.Error
			}
			if upd.ApprovalData != nil {
				execution.ApprovalData = upd.ApprovalData
			}
		}

		return tx.Save(&execution).Error
	})
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

func (s *ExecutionStore) List(ctx context.Context, filter ExecutionFilter, pagination *database.Pagination) ([]*workflow.Execution, error) {
	query := s.db.WithContext(ctx).Model(&workflow.Execution{})

	if filter.WorkflowID != "" {
		query = query.Where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if !filter.StartedAfter.IsZero() {
		query = query.Where("started_at >= ?", filter.StartedAfter)
	}
	if !filter.StartedBefore.IsZero() {
		query = query.Where("started_at <= ?", filter.StartedBefore)
	}

	var executions []*workflow.Execution
	err := s.db.Paginate(ctx, &executions, pagination, query)
	return executions, err
}

// GetRunning returns runs currently marked RUNNING, used by startup
// recovery to detect runs orphaned by a crash.
func (s *ExecutionStore) GetRunning(ctx context.Context) ([]*workflow.Execution, error) {
	var executions []*workflow.Execution
	err := s.db.WithContext(ctx).
		Where("status = ?", workflow.StatusRunning).
		Find(&executions).Error
	return executions, err
}

// PendingApprovals returns runs waiting on a resume decision, newest
// first.
func (s *ExecutionStore) PendingApprovals(ctx context.Context, userID string) ([]*workflow.Execution, error) {
	query := s.db.WithContext(ctx).
		Where("status = ?", workflow.StatusPendingApproval).
		Order("updated_at DESC")
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var executions []*workflow.Execution
	err := query.Find(&executions).Error
	return executions, err
}

// CountByStatus returns run counts keyed by status.
func (s *ExecutionStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&workflow.Execution{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

// FinishedBefore returns terminal runs older than the cutoff, used by the
// archiver to select batches.
func (s *ExecutionStore) FinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*workflow.Execution, error) {
	var executions []*workflow.Execution
	err := s.db.WithContext(ctx).
		Preload("NodeExecutions").
		Where("status IN ?", []workflow.Status{workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusCancelled}).
		Where("finished_at < ?", cutoff).
		Order("finished_at ASC").
		Limit(limit).
		Find(&executions).Error
	return executions, err
}

// Delete removes a run and its node records, used after archival.
func (s *ExecutionStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("execution_id = ?", id).Delete(&workflow.NodeExecution{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&workflow.Execution{}).Error
	})
}

func (s *ExecutionStore) CreateNodeExecution(ctx context.Context, record *workflow.NodeExecution) error {
	return s.db.WithContext(ctx).Create(record).Error
}

func (s *ExecutionStore) UpdateNodeExecution(ctx context.Context, record *workflow.NodeExecution) error {
	return s.db.WithContext(ctx).Save(record).Error
}

// GetNodeExecution returns the most recent record for one node of a run.
func (s *ExecutionStore) GetNodeExecution(ctx context.Context, executionID, nodeID string) (*workflow.NodeExecution, error) {
	var record workflow.NodeExecution
	err := s.db.WithContext(ctx).
		Where("execution_id = ? AND node_id = ?", executionID, nodeID).
		Order("started_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("node execution not found for node %s", nodeID)
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *ExecutionStore) GetNodeExecutions(ctx context.Context, executionID string) ([]*workflow.NodeExecution, error) {
	var records []*workflow.NodeExecution
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("started_at ASC").
		Find(&records).Error
	return records, err
}

// CompletedNodeIDs rebuilds the executed-node set for a run from its
// durable records. Resume paths rely on this, never on in-memory state.
func (s *ExecutionStore) CompletedNodeIDs(ctx context.Context, executionID string) (map[string]bool, error) {
	var nodeIDs []string
	err := s.db.WithContext(ctx).
		Model(&workflow.NodeExecution{}).
		Where("execution_id = ? AND status = ?", executionID, workflow.NodeStatusCompleted).
		Pluck("node_id", &nodeIDs).Error
	if err != nil {
		return nil, err
	}

	executed := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		executed[id] = true
	}
	return executed, nil
}

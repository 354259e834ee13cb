package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Status of an execution record.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusPendingApproval Status = "pending_approval"
)

// IsTerminal reports whether no further transition can leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NodeStatus of a node execution record.
type NodeStatus string

const (
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// Execution is the durable record of one run. It is created when the run
// is triggered and mutated only by the engine; everything needed to resume
// a paused run lives here or in its node records.
type Execution struct {
	ID           string                 `json:"id" gorm:"primaryKey"`
	WorkflowID   string                 `json:"workflowId" gorm:"not null;index"`
	UserID       string                 `json:"userId" gorm:"index"`
	Status       Status                 `json:"status" gorm:"not null;index;default:'pending'"`
	Input        map[string]interface{} `json:"input" gorm:"serializer:json"`
	Output       map[string]interface{} `json:"output" gorm:"serializer:json"`
	Error        string                 `json:"error"`
	ApprovalData map[string]interface{} `json:"approvalData" gorm:"serializer:json"`
	Definition   *Workflow              `json:"definition,omitempty" gorm:"serializer:json"`
	StartedAt    *time.Time             `json:"startedAt"`
	FinishedAt   *time.Time             `json:"finishedAt"`

	NodeExecutions []NodeExecution `json:"nodeExecutions,omitempty" gorm:"foreignKey:ExecutionID"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NodeExecution is the durable record of one node within a run. Retries
// update the record in place; there is one terminal record per node per
// run.
type NodeExecution struct {
	ID          string                 `json:"id" gorm:"primaryKey"`
	ExecutionID string                 `json:"executionId" gorm:"not null;index"`
	NodeID      string                 `json:"nodeId" gorm:"not null;index"`
	NodeType    string                 `json:"nodeType"`
	Status      NodeStatus             `json:"status"`
	Input       map[string]interface{} `json:"input" gorm:"serializer:json"`
	Output      map[string]interface{} `json:"output" gorm:"serializer:json"`
	Error       string                 `json:"error"`
	Attempts    int                    `json:"attempts"`
	StartedAt   time.Time              `json:"startedAt"`
	FinishedAt  *time.Time             `json:"finishedAt"`
}

// NewExecution snapshots the definition and returns a pending record.
func NewExecution(definition *Workflow, userID string, input map[string]interface{}) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:         uuid.New().String(),
		WorkflowID: definition.ID,
		UserID:     userID,
		Status:     StatusPending,
		Input:      input,
		Definition: definition.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewNodeExecution opens the record for a node's first attempt.
func NewNodeExecution(executionID string, node *Node, input map[string]interface{}) *NodeExecution {
	return &NodeExecution{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      NodeStatusRunning,
		Input:       input,
		Attempts:    1,
		StartedAt:   time.Now().UTC(),
	}
}

// Duration of the run, zero until it has both started and finished.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(*e.StartedAt)
}

package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Workflow is a graph of typed nodes connected by directed edges. The
// engine snapshots it onto every execution, so a running or paused run is
// never affected by later edits.
type Workflow struct {
	ID          string                 `json:"id" gorm:"primaryKey"`
	Name        string                 `json:"name" gorm:"not null"`
	Description string                 `json:"description"`
	UserID      string                 `json:"userId" gorm:"not null;index"`
	Nodes       []Node                 `json:"nodes" gorm:"serializer:json"`
	Connections []Connection           `json:"connections" gorm:"serializer:json"`
	Variables   map[string]interface{} `json:"variables" gorm:"serializer:json"`
	IsActive    bool                   `json:"isActive" gorm:"default:true"`
	Version     int                    `json:"version" gorm:"default:1"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// Node is a typed step with an opaque parameter payload interpreted by its
// executor capability.
type Node struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Position   Position               `json:"position"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Connection is a directed edge. Handle labels conditional branches, for
// example "true" and "false" out of a condition node.
type Connection struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Handle string `json:"handle,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node types with built-in capabilities.
const (
	NodeTypeTrigger     = "trigger"
	NodeTypeHTTPRequest = "http-request"
	NodeTypeCondition   = "condition"
	NodeTypeDelay       = "delay"
	NodeTypeTransform   = "transform"
	NodeTypeDatabase    = "database"
	NodeTypeApproval    = "approval"
	NodeTypeLog         = "log"
)

// Branch handles emitted by condition nodes.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

func NewWorkflow(name, description, userID string) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		UserID:      userID,
		Nodes:       []Node{},
		Connections: []Connection{},
		Variables:   map[string]interface{}{},
		IsActive:    true,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Clone deep-copies the definition. Executions snapshot through it so that
// the stored definition shares nothing with the caller's value.
func (w *Workflow) Clone() *Workflow {
	clone := *w
	clone.Nodes = make([]Node, len(w.Nodes))
	copy(clone.Nodes, w.Nodes)
	clone.Connections = make([]Connection, len(w.Connections))
	copy(clone.Connections, w.Connections)
	if w.Variables != nil {
		clone.Variables = make(map[string]interface{}, len(w.Variables))
		for k, v := range w.Variables {
			clone.Variables[k] = v
		}
	}
	return &clone
}

func (w *Workflow) ToJSON() (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

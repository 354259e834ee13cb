// Package dispatch maps node types to the capabilities that execute them.
// The registry is built once at process start and handed to the driver by
// reference, so tests and embedded deployments can run disjoint sets of
// capabilities side by side.
package dispatch

import (
	"context"
	"sync"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/enginerr"
	"github.com/waveflow-go/pkg/logger"
)

// Result is what a capability hands back on success. A nil NextNodeID
// means normal fan-out; RequiresApproval pauses the run before any child
// executes.
type Result struct {
	Output           map[string]interface{} `json:"output"`
	NextNodeID       string                 `json:"nextNodeId,omitempty"`
	RequiresApproval bool                   `json:"requiresApproval,omitempty"`
}

// ExecutionContext carries per-run data into a capability. Connections is
// the definition's edge list; routing capabilities use it to turn a branch
// decision into a concrete NextNodeID.
type ExecutionContext struct {
	ExecutionID        string                 `json:"executionId"`
	WorkflowID         string                 `json:"workflowId"`
	UserID             string                 `json:"userId"`
	Variables          map[string]interface{} `json:"variables"`
	PreviousNodeOutput map[string]interface{} `json:"previousNodeOutput"`
	Input              map[string]interface{} `json:"input"`
	Connections        []workflow.Connection  `json:"connections,omitempty"`
}

// Capability executes one node type. Execute must honor ctx cancellation;
// a non-nil error is the failure channel and Result is ignored alongside it.
type Capability interface {
	Execute(ctx context.Context, node *workflow.Node, execCtx *ExecutionContext) (*Result, error)
	Validate(node *workflow.Node) error
}

// Registry resolves node types to capabilities.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	logger       logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
		logger:       log,
	}
}

// Register binds a capability to a node type, replacing any previous
// binding for that type.
func (r *Registry) Register(nodeType string, capability Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[nodeType] = capability
	if r.logger != nil {
		r.logger.Debug("capability registered", "node_type", nodeType)
	}
}

// Resolve returns the capability for a node type. An unknown type is a
// ConfigurationError; its message carries "not found" so retry
// classification treats it as terminal.
func (r *Registry) Resolve(nodeType string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capability, ok := r.capabilities[nodeType]
	if !ok {
		return nil, enginerr.NewConfiguration("", "executor not found for node type %q", nodeType)
	}
	return capability, nil
}

// Types returns all registered node types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.capabilities))
	for t := range r.capabilities {
		types = append(types, t)
	}
	return types
}

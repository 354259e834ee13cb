package graph

import (
	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/enginerr"
)

// Index is the dependency structure of one definition. Adjacency lists
// keep connection declaration order, so "first dependency" is stable for
// a given definition.
type Index struct {
	Nodes            map[string]*workflow.Node
	Adjacency        map[string][]string
	ReverseAdjacency map[string][]string
	TriggerNodeID    string
}

// New validates the definition and builds its index. It fails with a
// ValidationError on duplicate node ids, connections referencing unknown
// nodes, a trigger count other than one, or a cycle.
func New(def *workflow.Workflow) (*Index, error) {
	idx := &Index{
		Nodes:            make(map[string]*workflow.Node, len(def.Nodes)),
		Adjacency:        make(map[string][]string),
		ReverseAdjacency: make(map[string][]string),
	}

	triggers := 0
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if _, exists := idx.Nodes[node.ID]; exists {
			return nil, enginerr.NewValidation("duplicate node id %q", node.ID)
		}
		idx.Nodes[node.ID] = node
		if node.Type == workflow.NodeTypeTrigger {
			triggers++
			idx.TriggerNodeID = node.ID
		}
	}

	if triggers != 1 {
		return nil, enginerr.NewValidation("definition must have exactly one trigger node, found %d", triggers)
	}

	for _, conn := range def.Connections {
		if _, ok := idx.Nodes[conn.Source]; !ok {
			return nil, enginerr.NewValidation("connection references unknown source node %q", conn.Source)
		}
		if _, ok := idx.Nodes[conn.Target]; !ok {
			return nil, enginerr.NewValidation("connection references unknown target node %q", conn.Target)
		}
		idx.Adjacency[conn.Source] = append(idx.Adjacency[conn.Source], conn.Target)
		idx.ReverseAdjacency[conn.Target] = append(idx.ReverseAdjacency[conn.Target], conn.Source)
	}

	if idx.hasCycle() {
		return nil, enginerr.NewValidation("definition contains a cycle")
	}

	return idx, nil
}

// Children of a node in connection order.
func (idx *Index) Children(nodeID string) []string {
	return idx.Adjacency[nodeID]
}

// Dependencies of a node in connection order. The first entry is the
// node's primary input source.
func (idx *Index) Dependencies(nodeID string) []string {
	return idx.ReverseAdjacency[nodeID]
}

// Node returns the indexed node, or nil for an unknown id.
func (idx *Index) Node(nodeID string) *workflow.Node {
	return idx.Nodes[nodeID]
}

func (idx *Index) hasCycle() bool {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var dfs func(nodeID string) bool
	dfs = func(nodeID string) bool {
		visited[nodeID] = true
		recStack[nodeID] = true

		for _, neighbor := range idx.Adjacency[nodeID] {
			if !visited[neighbor] {
				if dfs(neighbor) {
					return true
				}
			} else if recStack[neighbor] {
				return true
			}
		}

		recStack[nodeID] = false
		return false
	}

	for nodeID := range idx.Nodes {
		if !visited[nodeID] {
			if dfs(nodeID) {
				return true
			}
		}
	}

	return false
}

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/enginerr"
)

func linearDefinition() *workflow.Workflow {
	return &workflow.Workflow{
		ID:   "wf-1",
		Name: "linear",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "fetch", Type: workflow.NodeTypeHTTPRequest},
			{ID: "log", Type: workflow.NodeTypeLog},
		},
		Connections: []workflow.Connection{
			{Source: "start", Target: "fetch"},
			{Source: "fetch", Target: "log"},
		},
	}
}

func TestNewBuildsAdjacency(t *testing.T) {
	idx, err := New(linearDefinition())
	require.NoError(t, err)

	assert.Equal(t, "start", idx.TriggerNodeID)
	assert.Equal(t, []string{"fetch"}, idx.Children("start"))
	assert.Equal(t, []string{"log"}, idx.Children("fetch"))
	assert.Empty(t, idx.Children("log"))
	assert.Equal(t, []string{"fetch"}, idx.Dependencies("log"))
	assert.Empty(t, idx.Dependencies("start"))
	require.NotNil(t, idx.Node("fetch"))
	assert.Equal(t, workflow.NodeTypeHTTPRequest, idx.Node("fetch").Type)
	assert.Nil(t, idx.Node("missing"))
}

func TestNewPreservesConnectionOrder(t *testing.T) {
	def := &workflow.Workflow{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "a", Type: workflow.NodeTypeLog},
			{ID: "b", Type: workflow.NodeTypeLog},
			{ID: "join", Type: workflow.NodeTypeLog},
		},
		Connections: []workflow.Connection{
			{Source: "start", Target: "b"},
			{Source: "start", Target: "a"},
			{Source: "b", Target: "join"},
			{Source: "a", Target: "join"},
		},
	}

	idx, err := New(def)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a"}, idx.Children("start"))
	assert.Equal(t, []string{"b", "a"}, idx.Dependencies("join"))
}

func TestNewRejectsDuplicateNodeID(t *testing.T) {
	def := &workflow.Workflow{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "start", Type: workflow.NodeTypeLog},
		},
	}

	_, err := New(def)
	require.Error(t, err)
	assert.True(t, enginerr.IsValidation(err))
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestNewRejectsDanglingConnection(t *testing.T) {
	def := linearDefinition()
	def.Connections = append(def.Connections, workflow.Connection{Source: "log", Target: "ghost"})

	_, err := New(def)
	require.Error(t, err)
	assert.True(t, enginerr.IsValidation(err))
	assert.Contains(t, err.Error(), "unknown target")

	def = linearDefinition()
	def.Connections = append(def.Connections, workflow.Connection{Source: "ghost", Target: "log"})

	_, err = New(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestNewRequiresExactlyOneTrigger(t *testing.T) {
	def := linearDefinition()
	def.Nodes[0].Type = workflow.NodeTypeLog

	_, err := New(def)
	require.Error(t, err)
	assert.True(t, enginerr.IsValidation(err))
	assert.Contains(t, err.Error(), "exactly one trigger")

	def = linearDefinition()
	def.Nodes = append(def.Nodes, workflow.Node{ID: "start2", Type: workflow.NodeTypeTrigger})

	_, err = New(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "found 2")
}

func TestNewRejectsCycle(t *testing.T) {
	def := linearDefinition()
	def.Connections = append(def.Connections, workflow.Connection{Source: "log", Target: "fetch"})

	_, err := New(def)
	require.Error(t, err)
	assert.True(t, enginerr.IsValidation(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestNewAllowsDiamond(t *testing.T) {
	def := &workflow.Workflow{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "left", Type: workflow.NodeTypeLog},
			{ID: "right", Type: workflow.NodeTypeLog},
			{ID: "join", Type: workflow.NodeTypeLog},
		},
		Connections: []workflow.Connection{
			{Source: "start", Target: "left"},
			{Source: "start", Target: "right"},
			{Source: "left", Target: "join"},
			{Source: "right", Target: "join"},
		},
	}

	idx, err := New(def)
	require.NoError(t, err)
	assert.Len(t, idx.Dependencies("join"), 2)
}

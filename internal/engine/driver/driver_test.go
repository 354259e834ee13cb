package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/approval"
	"github.com/waveflow-go/internal/engine/dispatch"
	"github.com/waveflow-go/internal/engine/enginerr"
	"github.com/waveflow-go/internal/engine/retry"
	"github.com/waveflow-go/internal/store"
	"github.com/waveflow-go/pkg/database"
	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/telemetry"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type stubCapability struct {
	execute func(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error)
}

func (s *stubCapability) Execute(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
	return s.execute(ctx, node, execCtx)
}

func (s *stubCapability) Validate(*workflow.Node) error { return nil }

type engineFixture struct {
	engine     *Engine
	executions *store.ExecutionStore
	registry   *dispatch.Registry
	recorder   *eventRecorder
	db         *gorm.DB
}

func setup(t *testing.T) *engineFixture {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	rawDB, err := gormDB.DB()
	require.NoError(t, err)
	// Wave workers hit the store from several goroutines; one connection
	// keeps the in-memory database shared between all of them.
	rawDB.SetMaxOpenConns(1)

	require.NoError(t, gormDB.AutoMigrate(&workflow.Execution{}, &workflow.NodeExecution{}))
	_, err = rawDB.Exec(`
		CREATE TABLE execution_checkpoints (
			execution_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			approval_data TEXT,
			executed_node_ids TEXT,
			created_at TIMESTAMP
		)`)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	bus := events.NewMemoryEventBus()
	recorder := &eventRecorder{}
	require.NoError(t, bus.Subscribe("*", recorder.handle))

	log := logger.NewNop()
	executions := store.NewExecutionStore(database.Wrap(gormDB))
	checkpoints := approval.NewCheckpointStore(rawDB, redisClient, time.Hour, log)
	controller := approval.NewController(executions, checkpoints, bus, log)
	registry := dispatch.NewRegistry(log)
	policy := retry.NewPolicy(time.Millisecond, false, bus, log)

	engine := NewEngine(registry, policy, executions, controller, bus, telemetry.NewNop(), log, 5*time.Second)

	return &engineFixture{
		engine:     engine,
		executions: executions,
		registry:   registry,
		recorder:   recorder,
		db:         gormDB,
	}
}

func (f *engineFixture) register(nodeType string, fn func(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error)) {
	f.registry.Register(nodeType, &stubCapability{execute: fn})
}

func (f *engineFixture) registerTrigger() {
	f.register(workflow.NodeTypeTrigger, func(_ context.Context, _ *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
		return &dispatch.Result{Output: execCtx.PreviousNodeOutput}, nil
	})
}

func (f *engineFixture) waitForStatus(t *testing.T, executionID string, status workflow.Status) *workflow.Execution {
	t.Helper()
	var latest *workflow.Execution
	require.Eventually(t, func() bool {
		execution, err := f.executions.GetByID(context.Background(), executionID)
		if err != nil {
			return false
		}
		latest = execution
		return execution.Status == status
	}, 5*time.Second, 5*time.Millisecond, "waiting for status %s", status)
	return latest
}

func (f *engineFixture) waitForEvent(t *testing.T, eventType string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, typ := range f.recorder.types() {
			if typ == eventType {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "waiting for event %s", eventType)
}

func (f *engineFixture) records(t *testing.T, executionID string) map[string]*workflow.NodeExecution {
	t.Helper()
	records, err := f.executions.GetNodeExecutions(context.Background(), executionID)
	require.NoError(t, err)
	byNode := make(map[string]*workflow.NodeExecution, len(records))
	for _, record := range records {
		byNode[record.NodeID] = record
	}
	return byNode
}

func pipeline(nodes []workflow.Node, connections []workflow.Connection) *workflow.Workflow {
	wf := workflow.NewWorkflow("order-pipeline", "", "user-1")
	wf.Nodes = nodes
	wf.Connections = connections
	return wf
}

func TestRunLinearPipelineCompletes(t *testing.T) {
	f := setup(t)
	f.registerTrigger()
	f.register("charge", func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		return &dispatch.Result{Output: map[string]interface{}{"charged": true}}, nil
	})
	f.register("notify", func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		return &dispatch.Result{Output: map[string]interface{}{"notified": "ops"}}, nil
	})

	def := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "charge", Type: "charge"},
			{ID: "notify", Type: "notify"},
		},
		[]workflow.Connection{
			{Source: "start", Target: "charge"},
			{Source: "charge", Target: "notify"},
		},
	)

	execution, err := f.engine.StartRun(context.Background(), def, "user-1", map[string]interface{}{"orderId": "o-42"})
	require.NoError(t, err)

	final := f.waitForStatus(t, execution.ID, workflow.StatusCompleted)
	assert.Equal(t, map[string]interface{}{"notified": "ops"}, final.Output)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.FinishedAt)

	records := f.records(t, execution.ID)
	require.Len(t, records, 3)
	for _, record := range records {
		assert.Equal(t, workflow.NodeStatusCompleted, record.Status)
		assert.Equal(t, 1, record.Attempts)
	}

	f.waitForEvent(t, events.ExecutionCompleted)
	assert.Contains(t, f.recorder.types(), events.ExecutionStarted)
}

func TestStartRunRejectsInvalidDefinition(t *testing.T) {
	f := setup(t)

	def := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "a", Type: "work"},
			{ID: "b", Type: "work"},
		},
		[]workflow.Connection{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	)

	_, err := f.engine.StartRun(context.Background(), def, "user-1", nil)
	require.Error(t, err)
	assert.True(t, enginerr.IsValidation(err))
	assert.Contains(t, err.Error(), "cycle")

	// A run rejected by validation leaves no record behind.
	counts, err := f.executions.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestConditionRoutesOnlyChosenBranch(t *testing.T) {
	f := setup(t)
	f.registerTrigger()
	f.register(workflow.NodeTypeCondition, func(_ context.Context, _ *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
		return &dispatch.Result{Output: execCtx.PreviousNodeOutput, NextNodeID: "expedite"}, nil
	})

	var standardRan atomic.Bool
	f.register("expedite", func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		return &dispatch.Result{Output: map[string]interface{}{"path": "expedite"}}, nil
	})
	f.register("standard", func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		standardRan.Store(true)
		return &dispatch.Result{Output: map[string]interface{}{"path": "standard"}}, nil
	})

	def := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "route", Type: workflow.NodeTypeCondition},
			{ID: "expedite", Type: "expedite"},
			{ID: "standard", Type: "standard"},
		},
		[]workflow.Connection{
			{Source: "start", Target: "route"},
			{Source: "route", Target: "expedite", Handle: workflow.HandleTrue},
			{Source: "route", Target: "standard", Handle: workflow.HandleFalse},
		},
	)

	execution, err := f.engine.StartRun(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	final := f.waitForStatus(t, execution.ID, workflow.StatusCompleted)
	assert.Equal(t, map[string]interface{}{"path": "expedite"}, final.Output)
	assert.False(t, standardRan.Load())

	records := f.records(t, execution.ID)
	assert.Len(t, records, 3)
	assert.NotContains(t, records, "standard")
}

func TestDiamondJoinWaitsForBothBranches(t *testing.T) {
	f := setup(t)
	f.registerTrigger()

	var (
		mu         sync.Mutex
		order      []string
		mergeInput map[string]interface{}
	)
	f.register("work", func(_ context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
		mu.Lock()
		order = append(order, node.ID)
		if node.ID == "merge" {
			mergeInput = execCtx.PreviousNodeOutput
		}
		mu.Unlock()
		return &dispatch.Result{Output: map[string]interface{}{"node": node.ID}}, nil
	})

	def := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "left", Type: "work"},
			{ID: "right", Type: "work"},
			{ID: "merge", Type: "work"},
		},
		[]workflow.Connection{
			{Source: "start", Target: "left"},
			{Source: "start", Target: "right"},
			{Source: "left", Target: "merge"},
			{Source: "right", Target: "merge"},
		},
	)

	execution, err := f.engine.StartRun(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	final := f.waitForStatus(t, execution.ID, workflow.StatusCompleted)
	assert.Equal(t, map[string]interface{}{"node": "merge"}, final.Output)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "merge", order[2])

	// The join's input is its first-listed dependency's output.
	assert.Equal(t, map[string]interface{}{"node": "left"}, mergeInput)

	records := f.records(t, execution.ID)
	assert.Len(t, records, 4)
}

func TestNodeFailureFailsRunAndSkipsDownstream(t *testing.T) {
	f := setup(t)
	f.registerTrigger()
	f.register("broken", func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		return nil, errors.New("upstream exploded")
	})

	var downstreamRan atomic.Bool
	f.register("after", func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		downstreamRan.Store(true)
		return &dispatch.Result{Output: nil}, nil
	})

	def := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "broken", Type: "broken"},
			{ID: "after", Type: "after"},
		},
		[]workflow.Connection{
			{Source: "start", Target: "broken"},
			{Source: "broken", Target: "after"},
		},
	)

	execution, err := f.engine.StartRun(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	final := f.waitForStatus(t, execution.ID, workflow.StatusFailed)
	assert.Contains(t, final.Error, "upstream exploded")
	assert.False(t, downstreamRan.Load())

	records := f.records(t, execution.ID)
	require.Len(t, records, 2)
	assert.Equal(t, workflow.NodeStatusFailed, records["broken"].Status)
	assert.Equal(t, retry.MaxAttempts, records["broken"].Attempts)
	f.waitForEvent(t, events.ExecutionFailed)
}

func TestTransientFailureRetriesToSuccess(t *testing.T) {
	f := setup(t)
	f.registerTrigger()

	var calls atomic.Int32
	f.register("wobbly", func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return &dispatch.Result{Output: map[string]interface{}{"ok": true}}, nil
	})

	def := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "wobbly", Type: "wobbly"},
		},
		[]workflow.Connection{
			{Source: "start", Target: "wobbly"},
		},
	)

	execution, err := f.engine.StartRun(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	final := f.waitForStatus(t, execution.ID, workflow.StatusCompleted)
	assert.Equal(t, map[string]interface{}{"ok": true}, final.Output)
	assert.Equal(t, int32(3), calls.Load())

	records := f.records(t, execution.ID)
	require.Contains(t, records, "wobbly")
	assert.Equal(t, 3, records["wobbly"].Attempts)
	assert.Equal(t, workflow.NodeStatusCompleted, records["wobbly"].Status)
}

func TestTerminalErrorIsNotRetried(t *testing.T) {
	f := setup(t)
	f.registerTrigger()

	var calls atomic.Int32
	f.register("lookup", func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		calls.Add(1)
		return nil, errors.New("customer not found")
	})

	def := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "lookup", Type: "lookup"},
		},
		[]workflow.Connection{
			{Source: "start", Target: "lookup"},
		},
	)

	execution, err := f.engine.StartRun(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	final := f.waitForStatus(t, execution.ID, workflow.StatusFailed)
	assert.Contains(t, final.Error, "customer not found")
	assert.Equal(t, int32(1), calls.Load())

	records := f.records(t, execution.ID)
	require.Contains(t, records, "lookup")
	assert.Equal(t, 1, records["lookup"].Attempts)
}

func TestUnknownNodeTypeFailsRun(t *testing.T) {
	f := setup(t)
	f.registerTrigger()

	def := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "mystery", Type: "mystery"},
		},
		[]workflow.Connection{
			{Source: "start", Target: "mystery"},
		},
	)

	execution, err := f.engine.StartRun(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	final := f.waitForStatus(t, execution.ID, workflow.StatusFailed)
	assert.Contains(t, final.Error, "executor not found")

	records := f.records(t, execution.ID)
	require.Contains(t, records, "mystery")
	assert.Equal(t, 1, records["mystery"].Attempts)
}

func approvalPipeline() *workflow.Workflow {
	return pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "gate", Type: workflow.NodeTypeApproval},
			{ID: "deploy", Type: "deploy"},
		},
		[]workflow.Connection{
			{Source: "start", Target: "gate"},
			{Source: "gate", Target: "deploy"},
		},
	)
}

func TestApprovalPausesRunAndResumeContinuesIt(t *testing.T) {
	f := setup(t)
	f.registerTrigger()
	f.register(workflow.NodeTypeApproval, func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		return &dispatch.Result{
			Output:           map[string]interface{}{"prompt": "deploy v2?"},
			RequiresApproval: true,
		}, nil
	})

	var (
		mu          sync.Mutex
		deployInput map[string]interface{}
	)
	f.register("deploy", func(_ context.Context, _ *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
		mu.Lock()
		deployInput = execCtx.PreviousNodeOutput
		mu.Unlock()
		return &dispatch.Result{Output: map[string]interface{}{"deployed": true}}, nil
	})

	execution, err := f.engine.StartRun(context.Background(), approvalPipeline(), "user-1", nil)
	require.NoError(t, err)

	paused := f.waitForStatus(t, execution.ID, workflow.StatusPendingApproval)
	assert.Equal(t, "deploy v2?", paused.ApprovalData["prompt"])

	// Nothing past the gate has run yet.
	records := f.records(t, execution.ID)
	require.Len(t, records, 2)
	assert.Equal(t, workflow.NodeStatusCompleted, records["gate"].Status)

	resumed, err := f.engine.Resume(context.Background(), execution.ID, true, "ship it")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, resumed.Status)

	final := f.waitForStatus(t, execution.ID, workflow.StatusCompleted)
	assert.Equal(t, map[string]interface{}{"deployed": true}, final.Output)

	// The node after the gate receives the approval payload as input.
	mu.Lock()
	assert.Equal(t, map[string]interface{}{"prompt": "deploy v2?"}, deployInput)
	mu.Unlock()

	// The decision is consumed; a second one has nothing to act on.
	_, err = f.engine.Resume(context.Background(), execution.ID, true, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pending approval")
}

func TestApprovalRejectionCancelsRun(t *testing.T) {
	f := setup(t)
	f.registerTrigger()
	f.register(workflow.NodeTypeApproval, func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		return &dispatch.Result{
			Output:           map[string]interface{}{"prompt": "deploy v2?"},
			RequiresApproval: true,
		}, nil
	})

	var deployRan atomic.Bool
	f.register("deploy", func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		deployRan.Store(true)
		return &dispatch.Result{Output: nil}, nil
	})

	execution, err := f.engine.StartRun(context.Background(), approvalPipeline(), "user-1", nil)
	require.NoError(t, err)
	f.waitForStatus(t, execution.ID, workflow.StatusPendingApproval)

	rejected, err := f.engine.Resume(context.Background(), execution.ID, false, "not safe to ship")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, rejected.Status)
	assert.Contains(t, rejected.Error, "not safe to ship")
	assert.False(t, deployRan.Load())
}

func TestCancelFailsRunWithCancellationError(t *testing.T) {
	f := setup(t)
	f.registerTrigger()

	started := make(chan struct{}, 1)
	f.register("wait", func(ctx context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var downstreamRan atomic.Bool
	f.register("after", func(_ context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		downstreamRan.Store(true)
		return &dispatch.Result{Output: nil}, nil
	})

	def := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "wait", Type: "wait"},
			{ID: "after", Type: "after"},
		},
		[]workflow.Connection{
			{Source: "start", Target: "wait"},
			{Source: "wait", Target: "after"},
		},
	)

	execution, err := f.engine.StartRun(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking node never started")
	}

	require.NoError(t, f.engine.Cancel(context.Background(), execution.ID))

	final := f.waitForStatus(t, execution.ID, workflow.StatusFailed)
	assert.Contains(t, final.Error, "cancelled")
	assert.False(t, downstreamRan.Load())
	f.waitForEvent(t, events.ExecutionCancelled)
	f.waitForEvent(t, events.ExecutionFailed)
}

func TestCancelRejectsFinishedRun(t *testing.T) {
	f := setup(t)
	f.registerTrigger()

	def := pipeline(
		[]workflow.Node{{ID: "start", Type: workflow.NodeTypeTrigger}},
		nil,
	)

	execution, err := f.engine.StartRun(context.Background(), def, "user-1", nil)
	require.NoError(t, err)
	f.waitForStatus(t, execution.ID, workflow.StatusCompleted)

	err = f.engine.Cancel(context.Background(), execution.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")
}

func TestCancelFailsUntrackedRunningRowDirectly(t *testing.T) {
	f := setup(t)

	// A RUNNING row without a live goroutine, as left behind by a dead
	// process.
	def := pipeline([]workflow.Node{{ID: "start", Type: workflow.NodeTypeTrigger}}, nil)
	orphan := workflow.NewExecution(def, "user-1", nil)
	require.NoError(t, f.executions.Create(context.Background(), orphan))
	_, err := f.executions.UpdateStatus(context.Background(), orphan.ID, workflow.StatusRunning, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(context.Background(), orphan.ID))

	stored, err := f.executions.GetByID(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "cancelled")
}

func TestRecoverStaleFailsOrphanedRuns(t *testing.T) {
	f := setup(t)
	f.registerTrigger()

	def := pipeline([]workflow.Node{{ID: "start", Type: workflow.NodeTypeTrigger}}, nil)
	orphan := workflow.NewExecution(def, "user-1", nil)
	require.NoError(t, f.executions.Create(context.Background(), orphan))
	_, err := f.executions.UpdateStatus(context.Background(), orphan.ID, workflow.StatusRunning, nil)
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.db.Model(&workflow.Execution{}).
		Where("id = ?", orphan.ID).
		UpdateColumn("updated_at", stale).Error)

	// A live run owned by this process is not an orphan even when its row
	// looks old.
	started := make(chan struct{}, 1)
	f.register("wait", func(ctx context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	liveDef := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "wait", Type: "wait"},
		},
		[]workflow.Connection{{Source: "start", Target: "wait"}},
	)
	live, err := f.engine.StartRun(context.Background(), liveDef, "user-1", nil)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("live run never started")
	}
	require.NoError(t, f.db.Model(&workflow.Execution{}).
		Where("id = ?", live.ID).
		UpdateColumn("updated_at", stale).Error)

	recovered, err := f.engine.RecoverStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	storedOrphan, err := f.executions.GetByID(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, storedOrphan.Status)
	assert.Contains(t, storedOrphan.Error, "orphaned by process restart")

	storedLive, err := f.executions.GetByID(context.Background(), live.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, storedLive.Status)

	require.NoError(t, f.engine.Cancel(context.Background(), live.ID))
	f.waitForStatus(t, live.ID, workflow.StatusFailed)
}

func TestShutdownCancelsLiveRuns(t *testing.T) {
	f := setup(t)
	f.registerTrigger()

	started := make(chan struct{}, 1)
	f.register("wait", func(ctx context.Context, _ *workflow.Node, _ *dispatch.ExecutionContext) (*dispatch.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := pipeline(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "wait", Type: "wait"},
		},
		[]workflow.Connection{{Source: "start", Target: "wait"}},
	)

	execution, err := f.engine.StartRun(context.Background(), def, "user-1", nil)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking node never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	// Shutdown waits for the run goroutine, so the outcome is already
	// durable.
	stored, err := f.executions.GetByID(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "cancelled")
}

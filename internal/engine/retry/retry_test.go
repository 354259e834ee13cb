package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
	"github.com/waveflow-go/internal/engine/enginerr"
	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
)

type eventRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *eventRecorder) handle(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, event.Type)
	return nil
}

func (r *eventRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.types...)
}

func newTestPolicy(t *testing.T, breakers bool) (*Policy, *eventRecorder) {
	t.Helper()
	bus := events.NewMemoryEventBus()
	recorder := &eventRecorder{}
	require.NoError(t, bus.Subscribe("node.*", recorder.handle))
	return NewPolicy(time.Millisecond, breakers, bus, logger.NewNop()), recorder
}

func testNode(nodeType string) *workflow.Node {
	return &workflow.Node{ID: "n1", Name: "n1", Type: nodeType}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	policy, recorder := newTestPolicy(t, false)

	result, attempts, err := policy.Execute(context.Background(), "exec-1", testNode("http-request"), func(_ context.Context) (*dispatch.Result, error) {
		return &dispatch.Result{Output: map[string]interface{}{"ok": true}}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, true, result.Output["ok"])
	assert.Equal(t, []string{events.NodeStarted, events.NodeCompleted}, recorder.recorded())
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	policy, recorder := newTestPolicy(t, false)

	calls := 0
	result, attempts, err := policy.Execute(context.Background(), "exec-1", testNode("http-request"), func(_ context.Context) (*dispatch.Result, error) {
		calls++
		if calls < 3 {
			return nil, &enginerr.TransientInfraError{Op: "http", Err: errors.New("connection refused")}
		}
		return &dispatch.Result{Output: map[string]interface{}{"call": calls}}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, result.Output["call"])
	assert.Equal(t, []string{
		events.NodeStarted,
		events.NodeRetry,
		events.NodeRetry,
		events.NodeCompleted,
	}, recorder.recorded())
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	policy, recorder := newTestPolicy(t, false)

	calls := 0
	_, attempts, err := policy.Execute(context.Background(), "exec-1", testNode("http-request"), func(_ context.Context) (*dispatch.Result, error) {
		calls++
		return nil, &enginerr.ExecutorError{NodeID: "n1", Err: errors.New("upstream 500")}
	})

	require.Error(t, err)
	assert.Equal(t, MaxAttempts, calls)
	assert.Equal(t, MaxAttempts, attempts)
	assert.Equal(t, []string{
		events.NodeStarted,
		events.NodeRetry,
		events.NodeRetry,
		events.NodeFailed,
	}, recorder.recorded())
}

func TestExecuteTerminalKeywordNotRetried(t *testing.T) {
	for _, keyword := range []string{"not found", "Forbidden", "UNAUTHORIZED"} {
		t.Run(keyword, func(t *testing.T) {
			policy, recorder := newTestPolicy(t, false)

			calls := 0
			_, attempts, err := policy.Execute(context.Background(), "exec-1", testNode("http-request"), func(_ context.Context) (*dispatch.Result, error) {
				calls++
				return nil, &enginerr.ExecutorError{NodeID: "n1", Err: fmt.Errorf("request rejected: %s", keyword)}
			})

			require.Error(t, err)
			assert.Equal(t, 1, calls, "terminal errors must not be retried")
			assert.Equal(t, 1, attempts)
			assert.Equal(t, []string{events.NodeStarted, events.NodeFailed}, recorder.recorded())
		})
	}
}

func TestExecuteConfigurationErrorNotRetried(t *testing.T) {
	policy, _ := newTestPolicy(t, false)

	calls := 0
	_, attempts, err := policy.Execute(context.Background(), "exec-1", testNode("teleport"), func(_ context.Context) (*dispatch.Result, error) {
		calls++
		return nil, enginerr.NewConfiguration("n1", "executor not found for node type %q", "teleport")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	bus := events.NewMemoryEventBus()
	policy := NewPolicy(time.Minute, false, bus, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var attempts int
	var execErr error

	go func() {
		defer close(done)
		_, attempts, execErr = policy.Execute(ctx, "exec-1", testNode("http-request"), func(_ context.Context) (*dispatch.Result, error) {
			return nil, &enginerr.TransientInfraError{Op: "http", Err: errors.New("timeout")}
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not abort its backoff wait on cancellation")
	}

	require.Error(t, execErr)
	assert.True(t, enginerr.IsCancellation(execErr))
	assert.Equal(t, 1, attempts, "cancellation during backoff must not consume another attempt")
}

func TestExecuteCancelledBeforeFirstAttempt(t *testing.T) {
	policy, _ := newTestPolicy(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, attempts, err := policy.Execute(ctx, "exec-1", testNode("http-request"), func(_ context.Context) (*dispatch.Result, error) {
		calls++
		return nil, nil
	})

	require.Error(t, err)
	assert.True(t, enginerr.IsCancellation(err))
	assert.Zero(t, calls)
	assert.Zero(t, attempts)
}

func TestExecuteBreakerOpensAfterRepeatedFailures(t *testing.T) {
	policy, _ := newTestPolicy(t, true)

	failing := func(_ context.Context) (*dispatch.Result, error) {
		return nil, &enginerr.TransientInfraError{Op: "http", Err: errors.New("connection reset")}
	}

	for i := 0; i < 2; i++ {
		_, _, err := policy.Execute(context.Background(), "exec-1", testNode("flaky"), failing)
		require.Error(t, err)
	}

	// Enough failures have accumulated that the breaker rejects outright.
	_, _, err := policy.Execute(context.Background(), "exec-1", testNode("flaky"), failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker")
	assert.False(t, enginerr.IsTerminal(err), "an open breaker must stay retryable")
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingBreakerConfig() BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.MinRequests = 2
	cfg.FailureRatio = 1.0
	cfg.Timeout = time.Hour
	return cfg
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	breaker := NewBreaker("endpoint", failingBreakerConfig())

	calls := 0
	fail := func() (interface{}, error) {
		calls++
		return nil, errBoom
	}

	for i := 0; i < 2; i++ {
		_, err := breaker.Execute(fail)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, 2, calls)

	_, err := breaker.Execute(fail)
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, 2, calls)
}

func TestBreakerPassesResultsThrough(t *testing.T) {
	breaker := NewBreaker("endpoint", DefaultBreakerConfig())

	result, err := breaker.Execute(func() (interface{}, error) {
		return 204, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 204, result)

	result, err = breaker.Execute(func() (interface{}, error) {
		return 503, errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 503, result)
}

func TestRegistrySharesBreakersByName(t *testing.T) {
	registry := NewRegistry(failingBreakerConfig())

	first := registry.Get("sub-1")
	assert.Same(t, first, registry.Get("sub-1"))
	assert.NotSame(t, first, registry.Get("sub-2"))

	for i := 0; i < 2; i++ {
		_, _ = first.Execute(func() (interface{}, error) { return nil, errBoom })
	}

	states := registry.States()
	assert.Equal(t, "open", states["sub-1"])
	assert.Equal(t, "closed", states["sub-2"])
}

func TestRetryStopsOnSuccess(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryReturnsLastError(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsShouldRetry(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.ShouldRetry = func(err error) bool { return false }

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, func() error {
			calls++
			return errBoom
		})
	}()

	// Let the first attempt fail, then cancel during the long backoff.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop after cancellation")
	}
}

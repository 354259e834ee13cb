// Package retry wraps a single node attempt in bounded retry with linear
// backoff. Classification is message-driven: failures carrying "not found",
// "forbidden" or "unauthorized" are terminal and never retried, as are
// cancellations and configuration errors. Everything else retries until
// MaxAttempts is exhausted.
package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
	"github.com/waveflow-go/internal/engine/enginerr"
	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/metrics"
)

// MaxAttempts is the maximum total attempts per node, first try included.
const MaxAttempts = 3

// Attempt runs one try of a node. The retry policy owns when and how often
// it is called.
type Attempt func(ctx context.Context) (*dispatch.Result, error)

// Policy retries node attempts with linear backoff. One circuit breaker
// per node type sits around the attempt; an open breaker fails the attempt
// fast with a retryable error so the backoff schedule still applies.
type Policy struct {
	baseDelay       time.Duration
	breakersEnabled bool

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	eventBus events.EventBus
	logger   logger.Logger
}

func NewPolicy(baseDelay time.Duration, breakersEnabled bool, bus events.EventBus, log logger.Logger) *Policy {
	return &Policy{
		baseDelay:       baseDelay,
		breakersEnabled: breakersEnabled,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
		eventBus:        bus,
		logger:          log,
	}
}

// Execute drives a node through up to MaxAttempts tries and returns the
// last observed result together with the number of attempts consumed.
// Waits between attempts are delay = baseDelay * attemptNumber and abort
// on context cancellation, which surfaces as a CancellationError. A zero
// attempt count means cancellation preempted the first try.
func (p *Policy) Execute(ctx context.Context, executionID string, node *workflow.Node, attempt Attempt) (*dispatch.Result, int, error) {
	p.publish(ctx, events.NodeStarted, executionID, map[string]interface{}{
		"nodeId":   node.ID,
		"nodeType": node.Type,
	})

	start := time.Now()
	attempts := 0
	var lastErr error

	for attemptNum := 1; attemptNum <= MaxAttempts; attemptNum++ {
		if err := ctx.Err(); err != nil {
			lastErr = enginerr.NewCancellation(err.Error())
			break
		}

		attempts = attemptNum
		result, err := p.runAttempt(ctx, node, attempt)
		if err == nil {
			p.publish(ctx, events.NodeCompleted, executionID, map[string]interface{}{
				"nodeId":   node.ID,
				"nodeType": node.Type,
				"attempts": attempts,
				"duration": time.Since(start).Milliseconds(),
			})
			metrics.RecordNodeExecution(node.Type, "completed", time.Since(start).Seconds())
			return result, attempts, nil
		}

		lastErr = err
		if enginerr.IsTerminal(err) || attemptNum == MaxAttempts {
			break
		}

		delay := p.baseDelay * time.Duration(attemptNum)
		p.publish(ctx, events.NodeRetry, executionID, map[string]interface{}{
			"nodeId":   node.ID,
			"nodeType": node.Type,
			"attempt":  attemptNum,
			"max":      MaxAttempts,
			"delay":    delay.Milliseconds(),
			"error":    err.Error(),
		})
		metrics.RecordNodeRetry(node.Type)
		p.logger.Warn("node attempt failed, retrying",
			"execution_id", executionID,
			"node_id", node.ID,
			"attempt", attemptNum,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			lastErr = enginerr.NewCancellation(ctx.Err().Error())
		case <-time.After(delay):
			continue
		}
		break
	}

	p.publish(ctx, events.NodeFailed, executionID, map[string]interface{}{
		"nodeId":   node.ID,
		"nodeType": node.Type,
		"attempts": attempts,
		"error":    lastErr.Error(),
	})
	metrics.RecordNodeExecution(node.Type, "failed", time.Since(start).Seconds())
	return nil, attempts, lastErr
}

// runAttempt executes one try, through the node type's circuit breaker
// when enabled.
func (p *Policy) runAttempt(ctx context.Context, node *workflow.Node, attempt Attempt) (*dispatch.Result, error) {
	if !p.breakersEnabled {
		return attempt(ctx)
	}

	breaker := p.breakerFor(node.Type)
	out, err := breaker.Execute(func() (interface{}, error) {
		return attempt(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &enginerr.TransientInfraError{Op: "circuit breaker " + node.Type, Err: err}
		}
		return nil, err
	}
	result, _ := out.(*dispatch.Result)
	return result, nil
}

func (p *Policy) breakerFor(nodeType string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[nodeType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        nodeType,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state changed",
				"node_type", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	p.breakers[nodeType] = cb
	return cb
}

func (p *Policy) publish(ctx context.Context, eventType, executionID string, payload map[string]interface{}) {
	if p.eventBus == nil {
		return
	}
	builder := events.NewEventBuilder(eventType).
		WithAggregateID(executionID).
		WithAggregateType("execution")
	for k, v := range payload {
		builder = builder.WithPayload(k, v)
	}
	if err := p.eventBus.Publish(ctx, builder.Build()); err != nil {
		p.logger.Error("failed to publish node event", "type", eventType, "error", err)
	}
}

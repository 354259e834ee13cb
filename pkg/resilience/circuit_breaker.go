// Package resilience wraps failure handling for outbound dependencies:
// circuit breakers that shed load from endpoints that keep failing, and
// bounded retry with backoff for transient errors.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes when a circuit opens and how it probes recovery.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval resets the failure counts while closed.
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// FailureRatio trips the breaker once MinRequests have been seen.
	FailureRatio float64
	MinRequests  uint32
	// OnStateChange observes transitions, keyed by breaker name.
	OnStateChange func(name, from, to string)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// Breaker guards calls to one dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
	}
	if cfg.OnStateChange != nil {
		notify := cfg.OnStateChange
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			notify(name, from.String(), to.String())
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn under the breaker. While the circuit is open the call
// fails immediately without invoking fn.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// IsCircuitOpen reports whether the error came from the breaker itself
// rather than the guarded call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Registry lazily creates one breaker per dependency name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   BreakerConfig
}

func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	breaker, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if breaker, ok = r.breakers[name]; ok {
		return breaker
	}
	breaker = NewBreaker(name, r.config)
	r.breakers[name] = breaker
	return breaker
}

// States reports every breaker's state, for operational surfaces.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]string, len(r.breakers))
	for name, breaker := range r.breakers {
		states[name] = breaker.State().String()
	}
	return states
}

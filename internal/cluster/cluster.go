// Package cluster keeps a membership registry of running engine
// instances. Each instance announces itself under a TTL and renews the
// entry on a heartbeat, so peers and operators see a live view of the
// fleet; an instance that dies simply ages out.
package cluster

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waveflow-go/pkg/config"
	"github.com/waveflow-go/pkg/logger"
)

const (
	defaultTTL     = 15 * time.Second
	refreshTimeout = 5 * time.Second
)

// Instance describes one engine process in the cluster.
type Instance struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
}

// NewInstance builds the announcement record for this process. An empty
// host falls back to the OS hostname.
func NewInstance(host string, port int) *Instance {
	if host == "" || host == "0.0.0.0" {
		if name, err := os.Hostname(); err == nil {
			host = name
		}
	}
	return &Instance{
		ID:        uuid.New().String(),
		Host:      host,
		Port:      port,
		StartedAt: time.Now().UTC(),
	}
}

// Backend stores instance records with a TTL.
type Backend interface {
	// Register writes or overwrites the record under the given TTL.
	Register(ctx context.Context, instance *Instance, ttl time.Duration) error
	// Refresh extends the TTL of an existing record. It returns an
	// error when the record is gone, which tells the caller to
	// register again.
	Refresh(ctx context.Context, instanceID string, ttl time.Duration) error
	// Unregister removes the record.
	Unregister(ctx context.Context, instanceID string) error
	// List returns all live instances.
	List(ctx context.Context) ([]*Instance, error)
}

// Registry announces one instance and keeps its record alive.
type Registry struct {
	backend Backend
	self    *Instance
	ttl     time.Duration
	logger  logger.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewRegistry wires a registry for the given instance.
func NewRegistry(cfg *config.ClusterConfig, backend Backend, self *Instance, log logger.Logger) *Registry {
	ttl := defaultTTL
	if cfg != nil && cfg.TTLSec > 0 {
		ttl = cfg.TTL()
	}
	return &Registry{
		backend: backend,
		self:    self,
		ttl:     ttl,
		logger:  log.With("component", "cluster"),
		stop:    make(chan struct{}),
	}
}

// Self returns this instance's announcement record.
func (r *Registry) Self() *Instance {
	return r.self
}

// Start registers the instance and begins renewing its record.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.backend.Register(ctx, r.self, r.ttl); err != nil {
		return err
	}
	r.logger.Info("Instance registered", "instance", r.self.ID, "host", r.self.Host, "port", r.self.Port)

	r.wg.Add(1)
	go r.heartbeatLoop()
	return nil
}

// Stop withdraws the instance from the registry. Peers see it leave
// immediately instead of waiting out the TTL.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.backend.Unregister(ctx, r.self.ID); err != nil {
		r.logger.Warn("Failed to unregister instance", "instance", r.self.ID, "error", err)
	}
	r.logger.Info("Instance unregistered", "instance", r.self.ID)
}

// Instances lists the engines currently alive in the cluster.
func (r *Registry) Instances(ctx context.Context) ([]*Instance, error) {
	return r.backend.List(ctx)
}

// heartbeatLoop renews the record at a third of the TTL, so two renewals
// can fail before the entry expires.
func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	interval := r.ttl / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

// heartbeat extends the record, falling back to a fresh registration
// when the backend no longer knows the instance. That covers backend
// restarts and entries that expired while this process was stalled.
func (r *Registry) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	err := r.backend.Refresh(ctx, r.self.ID, r.ttl)
	if err == nil {
		return
	}
	r.logger.Warn("Instance refresh failed, re-registering", "instance", r.self.ID, "error", err)

	if err := r.backend.Register(ctx, r.self, r.ttl); err != nil {
		r.logger.Error("Failed to re-register instance", "instance", r.self.ID, "error", err)
	}
}

package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps instance records in process memory. It serves
// single-node deployments and tests; expiry is checked lazily on reads.
type MemoryBackend struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	deadlines map[string]time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		instances: make(map[string]*Instance),
		deadlines: make(map[string]time.Time),
	}
}

func (b *MemoryBackend) Register(_ context.Context, instance *Instance, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instances[instance.ID] = instance
	b.deadlines[instance.ID] = time.Now().Add(ttl)
	return nil
}

func (b *MemoryBackend) Refresh(_ context.Context, instanceID string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	deadline, ok := b.deadlines[instanceID]
	if !ok || time.Now().After(deadline) {
		delete(b.instances, instanceID)
		delete(b.deadlines, instanceID)
		return fmt.Errorf("instance %s is not registered", instanceID)
	}
	b.deadlines[instanceID] = time.Now().Add(ttl)
	return nil
}

func (b *MemoryBackend) Unregister(_ context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.instances, instanceID)
	delete(b.deadlines, instanceID)
	return nil
}

func (b *MemoryBackend) List(_ context.Context) ([]*Instance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	instances := make([]*Instance, 0, len(b.instances))
	for id, instance := range b.instances {
		if now.After(b.deadlines[id]) {
			continue
		}
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

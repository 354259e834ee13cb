package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/waveflow-go/pkg/config"
)

const instancePrefix = "/waveflow/instances/"

// EtcdBackend stores instance records as lease-bound keys. The lease ID
// granted at registration is kept, so a refresh is a cheap keep-alive
// on the existing lease rather than a re-registration.
type EtcdBackend struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdBackend connects to the configured etcd endpoints.
func NewEtcdBackend(cfg *config.ClusterConfig) (*EtcdBackend, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdBackend{
		client: client,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (b *EtcdBackend) Register(ctx context.Context, instance *Instance, ttl time.Duration) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	lease, err := b.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	key := instancePrefix + instance.ID
	if _, err := b.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}

	b.mu.Lock()
	b.leases[instance.ID] = lease.ID
	b.mu.Unlock()
	return nil
}

func (b *EtcdBackend) Refresh(ctx context.Context, instanceID string, _ time.Duration) error {
	b.mu.Lock()
	lease, ok := b.leases[instanceID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no lease held for instance %s", instanceID)
	}

	if _, err := b.client.KeepAliveOnce(ctx, lease); err != nil {
		// The lease is gone; forget it so the next registration
		// grants a fresh one.
		b.mu.Lock()
		delete(b.leases, instanceID)
		b.mu.Unlock()
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	return nil
}

func (b *EtcdBackend) Unregister(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	lease, ok := b.leases[instanceID]
	delete(b.leases, instanceID)
	b.mu.Unlock()

	if ok {
		// Revoking the lease deletes the key with it.
		if _, err := b.client.Revoke(ctx, lease); err == nil {
			return nil
		}
	}
	if _, err := b.client.Delete(ctx, instancePrefix+instanceID); err != nil {
		return fmt.Errorf("failed to unregister instance: %w", err)
	}
	return nil
}

func (b *EtcdBackend) List(ctx context.Context) ([]*Instance, error) {
	resp, err := b.client.Get(ctx, instancePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	instances := make([]*Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue
		}
		instances = append(instances, &instance)
	}
	return instances, nil
}

// Close releases the etcd connection.
func (b *EtcdBackend) Close() error {
	return b.client.Close()
}

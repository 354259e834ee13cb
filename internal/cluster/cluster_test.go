package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveflow-go/pkg/config"
	"github.com/waveflow-go/pkg/logger"
)

func newTestRegistry(t *testing.T, backend Backend, self *Instance, ttl time.Duration) *Registry {
	t.Helper()
	registry := NewRegistry(&config.ClusterConfig{Enabled: true, TTLSec: 1}, backend, self, logger.NewNop())
	registry.ttl = ttl
	return registry
}

func TestRegistryAnnouncesAndWithdrawsInstances(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	first := newTestRegistry(t, backend, NewInstance("node-a", 8080), time.Second)
	second := newTestRegistry(t, backend, NewInstance("node-b", 8080), time.Second)

	require.NoError(t, first.Start(ctx))
	require.NoError(t, second.Start(ctx))

	instances, err := first.Instances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	hosts := []string{instances[0].Host, instances[1].Host}
	assert.Contains(t, hosts, "node-a")
	assert.Contains(t, hosts, "node-b")

	second.Stop()

	instances, err = first.Instances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, first.Self().ID, instances[0].ID)

	first.Stop()
}

func TestRegistryHeartbeatOutlivesTTL(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	registry := newTestRegistry(t, backend, NewInstance("node-a", 8080), 40*time.Millisecond)
	require.NoError(t, registry.Start(ctx))
	defer registry.Stop()

	// Several TTLs pass; the heartbeat must keep the record alive.
	time.Sleep(150 * time.Millisecond)

	instances, err := registry.Instances(ctx)
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestRegistryReregistersLostRecord(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	registry := newTestRegistry(t, backend, NewInstance("node-a", 8080), 60*time.Millisecond)
	require.NoError(t, registry.Start(ctx))
	defer registry.Stop()

	// Drop the record behind the registry's back, as a backend restart
	// would. The next heartbeat notices and registers again.
	require.NoError(t, backend.Unregister(ctx, registry.Self().ID))

	assert.Eventually(t, func() bool {
		instances, err := registry.Instances(ctx)
		return err == nil && len(instances) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBackendExpiresStaleRecords(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	instance := NewInstance("node-a", 8080)
	require.NoError(t, backend.Register(ctx, instance, 20*time.Millisecond))

	instances, err := backend.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	time.Sleep(40 * time.Millisecond)

	instances, err = backend.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, instances)

	err = backend.Refresh(ctx, instance.ID, time.Second)
	assert.Error(t, err)
}

func TestNewInstanceFillsDefaults(t *testing.T) {
	instance := NewInstance("", 9090)

	assert.NotEmpty(t, instance.ID)
	assert.NotEmpty(t, instance.Host)
	assert.Equal(t, 9090, instance.Port)
	assert.False(t, instance.StartedAt.IsZero())
}

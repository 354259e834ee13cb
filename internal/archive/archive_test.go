package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/pkg/config"
	"github.com/waveflow-go/pkg/database"
	"github.com/waveflow-go/pkg/logger"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Upload(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStorage) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *memStorage) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func archiveFixture(t *testing.T) (*Archiver, *memStorage, *database.DB) {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&workflow.Execution{}, &workflow.NodeExecution{}, &Record{}))
	db := database.Wrap(gormDB)

	storage := newMemStorage()
	cfg := &config.ArchiveConfig{Enabled: true, Bucket: "waveflow-archive", RetentionDays: 30}
	archiver := New(cfg, db, storage, logger.NewNop())
	return archiver, storage, db
}

func seedFinished(t *testing.T, db *database.DB, id string, status workflow.Status, finishedAt time.Time) {
	t.Helper()

	execution := &workflow.Execution{
		ID:         id,
		WorkflowID: "wf-1",
		UserID:     "user-1",
		Status:     status,
		Input:      map[string]interface{}{"seed": id},
		Output:     map[string]interface{}{"done": true},
		FinishedAt: &finishedAt,
		CreatedAt:  finishedAt.Add(-time.Minute),
	}
	require.NoError(t, db.Create(execution).Error)

	node := &workflow.NodeExecution{
		ID:          id + "-node",
		ExecutionID: id,
		NodeID:      "step",
		NodeType:    workflow.NodeTypeLog,
		Status:      workflow.NodeStatusCompleted,
	}
	require.NoError(t, db.Create(node).Error)
}

func TestArchiverMovesFinishedExecutionsToStorage(t *testing.T) {
	archiver, storage, db := archiveFixture(t)
	ctx := context.Background()

	// Pin the batch to mid-day so both rows land on one calendar date.
	oldFinish := time.Now().Add(-40 * 24 * time.Hour).Truncate(24 * time.Hour).Add(12 * time.Hour)
	seedFinished(t, db, "old-1", workflow.StatusCompleted, oldFinish)
	seedFinished(t, db, "old-2", workflow.StatusFailed, oldFinish.Add(time.Minute))
	seedFinished(t, db, "recent", workflow.StatusCompleted, time.Now().Add(-24*time.Hour))

	running := &workflow.Execution{ID: "running", WorkflowID: "wf-1", Status: workflow.StatusRunning}
	require.NoError(t, db.Create(running).Error)

	archived, err := archiver.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, archived)

	keys, err := storage.List(ctx, "archive/executions/")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	var record Record
	require.NoError(t, db.First(&record).Error)
	assert.Equal(t, 2, record.ExecutionCount)
	assert.Equal(t, oldFinish.Format("2006-01-02"), record.Date)
	assert.Equal(t, keys[0], record.StorageKey)
	assert.Greater(t, record.OriginalSize, int64(0))
	assert.Greater(t, record.CompressedSize, int64(0))

	// Archived rows and their node records are gone, the rest stay.
	var gone workflow.Execution
	err = db.Where("id = ?", "old-1").First(&gone).Error
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	var nodeCount int64
	require.NoError(t, db.Model(&workflow.NodeExecution{}).
		Where("execution_id IN ?", []string{"old-1", "old-2"}).
		Count(&nodeCount).Error)
	assert.Zero(t, nodeCount)

	var kept workflow.Execution
	require.NoError(t, db.Where("id = ?", "recent").First(&kept).Error)
	require.NoError(t, db.Where("id = ?", "running").First(&kept).Error)
}

func TestArchiverRestoreFindsExecutionInBundle(t *testing.T) {
	archiver, _, db := archiveFixture(t)
	ctx := context.Background()

	oldFinish := time.Now().Add(-45 * 24 * time.Hour)
	seedFinished(t, db, "old-7", workflow.StatusCompleted, oldFinish)

	archived, err := archiver.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, archived)

	restored, err := archiver.Restore(ctx, "old-7", oldFinish.Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, "old-7", restored.ID)
	assert.Equal(t, workflow.StatusCompleted, restored.Status)
	assert.Equal(t, map[string]interface{}{"seed": "old-7"}, restored.Input)
	require.Len(t, restored.NodeExecutions, 1)
	assert.Equal(t, "step", restored.NodeExecutions[0].NodeID)

	_, err = archiver.Restore(ctx, "never-existed", oldFinish.Format("2006-01-02"))
	assert.ErrorIs(t, err, ErrNotArchived)
}

func TestArchiverCleanupDropsExpiredBundles(t *testing.T) {
	archiver, storage, db := archiveFixture(t)
	ctx := context.Background()

	expired := &Record{
		ID:             "bundle-old",
		Date:           "2025-01-01",
		ExecutionCount: 3,
		OriginalSize:   100,
		CompressedSize: 40,
		StorageKey:     "archive/executions/2025-01-01/bundle-old.gz",
		CreatedAt:      time.Now().Add(-90 * 24 * time.Hour),
	}
	fresh := &Record{
		ID:             "bundle-new",
		Date:           time.Now().Format("2006-01-02"),
		ExecutionCount: 1,
		OriginalSize:   50,
		CompressedSize: 20,
		StorageKey:     "archive/executions/today/bundle-new.gz",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, db.Create(expired).Error)
	require.NoError(t, db.Create(fresh).Error)
	require.NoError(t, storage.Upload(ctx, expired.StorageKey, []byte("x")))
	require.NoError(t, storage.Upload(ctx, fresh.StorageKey, []byte("y")))

	require.NoError(t, archiver.CleanupExpired(ctx))

	assert.False(t, storage.has(expired.StorageKey))
	assert.True(t, storage.has(fresh.StorageKey))

	var remaining []Record
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "bundle-new", remaining[0].ID)
}

func TestArchiverStats(t *testing.T) {
	archiver, _, db := archiveFixture(t)
	ctx := context.Background()

	empty, err := archiver.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Bundles)

	oldFinish := time.Now().Add(-60 * 24 * time.Hour).Truncate(24 * time.Hour).Add(12 * time.Hour)
	seedFinished(t, db, "stat-1", workflow.StatusCompleted, oldFinish)
	seedFinished(t, db, "stat-2", workflow.StatusCancelled, oldFinish.Add(2*time.Minute))

	_, err = archiver.Run(ctx)
	require.NoError(t, err)

	stats, err := archiver.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Bundles)
	assert.Equal(t, int64(2), stats.Executions)
	assert.Greater(t, stats.OriginalBytes, stats.CompressedBytes)
}

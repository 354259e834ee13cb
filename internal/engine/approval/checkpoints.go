// Package approval pauses runs that hit an approval gate and resumes them
// on a decision. The checkpoint written at pause time is durable: the
// database row is authoritative, Redis only fronts it for fast reads.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waveflow-go/pkg/logger"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is the state needed to continue a paused run: which node
// paused it, the data the approver sees, and which nodes already ran.
type Checkpoint struct {
	ExecutionID     string                 `json:"execution_id"`
	NodeID          string                 `json:"node_id"`
	ApprovalData    map[string]interface{} `json:"approval_data"`
	ExecutedNodeIDs []string               `json:"executed_node_ids"`
	CreatedAt       time.Time              `json:"created_at"`
}

// CheckpointStore persists checkpoints in the database with a Redis
// read-through cache. A background loop expires rows past their TTL.
type CheckpointStore struct {
	db     *sql.DB
	redis  *redis.Client
	ttl    time.Duration
	logger logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewCheckpointStore(db *sql.DB, redisClient *redis.Client, ttl time.Duration, log logger.Logger) *CheckpointStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CheckpointStore{
		db:     db,
		redis:  redisClient,
		ttl:    ttl,
		logger: log,
		stopCh: make(chan struct{}),
	}
}

// Start launches the expiry loop.
func (s *CheckpointStore) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
}

// Stop terminates the expiry loop and waits for it.
func (s *CheckpointStore) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Save upserts the checkpoint row, one per execution, and refreshes the
// cache. A cache write failure is logged, never surfaced: the row is the
// source of truth.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	checkpoint.CreatedAt = time.Now().UTC()

	approvalJSON, err := json.Marshal(checkpoint.ApprovalData)
	if err != nil {
		return fmt.Errorf("failed to marshal approval data: %w", err)
	}
	executedJSON, err := json.Marshal(checkpoint.ExecutedNodeIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal executed node ids: %w", err)
	}

	query := `
		INSERT INTO execution_checkpoints
		(execution_id, node_id, approval_data, executed_node_ids, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (execution_id) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			approval_data = EXCLUDED.approval_data,
			executed_node_ids = EXCLUDED.executed_node_ids,
			created_at = EXCLUDED.created_at
	`
	if _, err := s.db.ExecContext(ctx, query,
		checkpoint.ExecutionID,
		checkpoint.NodeID,
		approvalJSON,
		executedJSON,
		checkpoint.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := s.cacheSet(ctx, checkpoint); err != nil {
		s.logger.Warn("failed to cache checkpoint", "execution_id", checkpoint.ExecutionID, "error", err)
	}
	return nil
}

// Get reads the checkpoint, cache first, database on miss.
func (s *CheckpointStore) Get(ctx context.Context, executionID string) (*Checkpoint, error) {
	if checkpoint, err := s.cacheGet(ctx, executionID); err == nil {
		return checkpoint, nil
	}

	query := `
		SELECT execution_id, node_id, approval_data, executed_node_ids, created_at
		FROM execution_checkpoints
		WHERE execution_id = $1
	`
	var checkpoint Checkpoint
	var approvalJSON, executedJSON []byte

	err := s.db.QueryRowContext(ctx, query, executionID).Scan(
		&checkpoint.ExecutionID,
		&checkpoint.NodeID,
		&approvalJSON,
		&executedJSON,
		&checkpoint.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	if err := json.Unmarshal(approvalJSON, &checkpoint.ApprovalData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval data: %w", err)
	}
	if err := json.Unmarshal(executedJSON, &checkpoint.ExecutedNodeIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal executed node ids: %w", err)
	}
	return &checkpoint, nil
}

// Delete removes a consumed checkpoint from row and cache.
func (s *CheckpointStore) Delete(ctx context.Context, executionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_checkpoints WHERE execution_id = $1`, executionID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if s.redis != nil {
		s.redis.Del(ctx, s.cacheKey(executionID))
	}
	return nil
}

func (s *CheckpointStore) cacheKey(executionID string) string {
	return "checkpoint:" + executionID
}

func (s *CheckpointStore) cacheSet(ctx context.Context, checkpoint *Checkpoint) error {
	if s.redis == nil {
		return nil
	}
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, s.cacheKey(checkpoint.ExecutionID), data, s.ttl).Err()
}

func (s *CheckpointStore) cacheGet(ctx context.Context, executionID string) (*Checkpoint, error) {
	if s.redis == nil {
		return nil, redis.Nil
	}
	data, err := s.redis.Get(ctx, s.cacheKey(executionID)).Result()
	if err != nil {
		return nil, err
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (s *CheckpointStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.deleteExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *CheckpointStore) deleteExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.ttl)
	result, err := s.db.ExecContext(ctx, `DELETE FROM execution_checkpoints WHERE created_at < $1`, cutoff)
	if err != nil {
		s.logger.Error("failed to expire checkpoints", "error", err)
		return
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		s.logger.Info("expired checkpoints", "count", rows)
	}
}

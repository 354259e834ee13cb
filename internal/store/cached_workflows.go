package store

import (
	"context"
	"time"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/pkg/cache"
	"github.com/waveflow-go/pkg/database"
)

// CachedWorkflowStore fronts workflow reads with a cache. Definitions
// are read on every run start but change rarely, so single lookups are
// cached; lists stay uncached to avoid stale pagination.
type CachedWorkflowStore struct {
	store *WorkflowStore
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedWorkflowStore(db *database.DB, c cache.Cache) *CachedWorkflowStore {
	return &CachedWorkflowStore{
		store: NewWorkflowStore(db),
		cache: c,
		ttl:   5 * time.Minute,
	}
}

func (s *CachedWorkflowStore) GetByID(ctx context.Context, id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := s.cache.Get(ctx, s.key(id), &wf); err == nil {
		return &wf, nil
	}

	stored, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// A failed cache write only costs the next read a database trip.
	_ = s.cache.Set(ctx, s.key(id), stored, s.ttl)
	return stored, nil
}

func (s *CachedWorkflowStore) Create(ctx context.Context, wf *workflow.Workflow) error {
	if err := s.store.Create(ctx, wf); err != nil {
		return err
	}
	_ = s.cache.Set(ctx, s.key(wf.ID), wf, s.ttl)
	return nil
}

func (s *CachedWorkflowStore) Update(ctx context.Context, wf *workflow.Workflow) error {
	if err := s.store.Update(ctx, wf); err != nil {
		return err
	}
	_ = s.cache.Set(ctx, s.key(wf.ID), wf, s.ttl)
	return nil
}

func (s *CachedWorkflowStore) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, s.key(id))
	return nil
}

func (s *CachedWorkflowStore) List(ctx context.Context, userID string, pagination *database.Pagination) ([]*workflow.Workflow, error) {
	return s.store.List(ctx, userID, pagination)
}

func (s *CachedWorkflowStore) key(id string) string {
	return "workflow:" + id
}

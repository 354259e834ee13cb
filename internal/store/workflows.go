package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/pkg/database"
)

var ErrWorkflowNotFound = errors.New("workflow not found")

type WorkflowStore struct {
	db *database.DB
}

func NewWorkflowStore(db *database.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

func (s *WorkflowStore) Create(ctx context.Context, wf *workflow.Workflow) error {
	return s.db.WithContext(ctx).Create(wf).Error
}

func (s *WorkflowStore) Update(ctx context.Context, wf *workflow.Workflow) error {
	wf.Version++
	return s.db.WithContext(ctx).Save(wf).Error
}

func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&workflow.Workflow{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *WorkflowStore) GetByID(ctx context.Context, id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&wf).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *WorkflowStore) List(ctx context.Context, userID string, pagination *database.Pagination) ([]*workflow.Workflow, error) {
	query := s.db.WithContext(ctx).Model(&workflow.Workflow{})
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var workflows []*workflow.Workflow
	err := s.db.Paginate(ctx, &workflows, pagination, query)
	return workflows, err
}

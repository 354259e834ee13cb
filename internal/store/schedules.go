package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/waveflow-go/internal/domain/schedule"
	"github.com/waveflow-go/pkg/database"
)

var ErrScheduleNotFound = errors.New("schedule not found")

type ScheduleStore struct {
	db *database.DB
}

func NewScheduleStore(db *database.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

func (s *ScheduleStore) Create(ctx context.Context, sched *schedule.Schedule) error {
	return s.db.WithContext(ctx).Create(sched).Error
}

func (s *ScheduleStore) Update(ctx context.Context, sched *schedule.Schedule) error {
	sched.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Save(sched).Error
}

func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&schedule.Schedule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *ScheduleStore) GetByID(ctx context.Context, id string) (*schedule.Schedule, error) {
	var sched schedule.Schedule
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sched).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// ListActive returns every enabled schedule; the scheduler reloads its
// cron entries from this on leadership change and on schedule writes.
func (s *ScheduleStore) ListActive(ctx context.Context) ([]*schedule.Schedule, error) {
	var schedules []*schedule.Schedule
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&schedules).Error
	return schedules, err
}

func (s *ScheduleStore) List(ctx context.Context, userID string, pagination *database.Pagination) ([]*schedule.Schedule, error) {
	query := s.db.WithContext(ctx).Model(&schedule.Schedule{})
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var schedules []*schedule.Schedule
	err := s.db.Paginate(ctx, &schedules, pagination, query)
	return schedules, err
}

// RecordRun persists the run stamp after a fire.
func (s *ScheduleStore) RecordRun(ctx context.Context, sched *schedule.Schedule, at time.Time) error {
	sched.RecordRun(at)
	return s.db.WithContext(ctx).
		Model(&schedule.Schedule{}).
		Where("id = ?", sched.ID).
		Updates(map[string]interface{}{
			"last_run_at": sched.LastRunAt,
			"next_run_at": sched.NextRunAt,
			"updated_at":  sched.UpdatedAt,
		}).Error
}

package schedule

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Misfire policies decide what happens with runs missed while the
// scheduler was not leading (or down).
const (
	MisfirePolicySkip    = "skip"
	MisfirePolicyRunOnce = "run_once"
	MisfirePolicyRunAll  = "run_all"
)

// Parser is the cron dialect schedules are validated and fired with: an
// optional seconds field plus @every style descriptors.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule triggers a workflow on a cron expression.
type Schedule struct {
	ID             string                 `json:"id" gorm:"primaryKey"`
	Name           string                 `json:"name" gorm:"not null"`
	WorkflowID     string                 `json:"workflowId" gorm:"not null;index"`
	UserID         string                 `json:"userId" gorm:"not null;index"`
	CronExpression string                 `json:"cronExpression" gorm:"not null"`
	Timezone       string                 `json:"timezone" gorm:"default:'UTC'"`
	Input          map[string]interface{} `json:"input" gorm:"serializer:json"`
	IsActive       bool                   `json:"isActive" gorm:"default:true"`
	MisfirePolicy  string                 `json:"misfirePolicy" gorm:"default:'skip'"`
	LastRunAt      *time.Time             `json:"lastRunAt"`
	NextRunAt      *time.Time             `json:"nextRunAt"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

func NewSchedule(name, workflowID, userID, cronExpression string) *Schedule {
	return &Schedule{
		ID:             uuid.New().String(),
		Name:           name,
		WorkflowID:     workflowID,
		UserID:         userID,
		CronExpression: cronExpression,
		Timezone:       "UTC",
		IsActive:       true,
		MisfirePolicy:  MisfirePolicySkip,
		Input:          make(map[string]interface{}),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
}

// Validate checks the schedule is well formed, including parsing the cron
// expression with the same parser the scheduler runs with.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return errors.New("schedule name is required")
	}
	if s.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	if _, err := Parser.Parse(s.CronExpression); err != nil {
		return errors.New("invalid cron expression: " + err.Error())
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return errors.New("invalid timezone")
	}
	switch s.MisfirePolicy {
	case MisfirePolicySkip, MisfirePolicyRunOnce, MisfirePolicyRunAll:
	default:
		return errors.New("invalid misfire policy")
	}
	return nil
}

// NextRun computes the next fire time after t in the schedule's timezone.
func (s *Schedule) NextRun(t time.Time) (time.Time, error) {
	sched, err := Parser.Parse(s.CronExpression)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t.In(s.Location())), nil
}

// RecordRun stamps a completed fire and advances NextRunAt.
func (s *Schedule) RecordRun(t time.Time) {
	s.LastRunAt = &t
	if next, err := s.NextRun(t); err == nil {
		s.NextRunAt = &next
	}
	s.UpdatedAt = time.Now()
}

func (s *Schedule) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

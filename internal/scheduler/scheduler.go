// Package scheduler fires workflow runs from cron schedules. One
// instance leads at a time through a redis lease; followers keep their
// cron empty and take over when the lease lapses. Misfires, runs missed
// while nobody was leading, are settled by each schedule's policy.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/waveflow-go/internal/domain/schedule"
	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/store"
	"github.com/waveflow-go/pkg/config"
	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/metrics"
)

const leaderKey = "scheduler:leader"

// maxMisfireBackfill caps how many missed firings a run_all schedule
// replays per sweep; the rest catch up on the following sweeps.
const maxMisfireBackfill = 20

// unlockScript releases the leader key only if this instance still
// holds it.
var unlockScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) end return 0`)

// Starter launches workflow runs; the engine driver satisfies it.
type Starter interface {
	StartRun(ctx context.Context, definition *workflow.Workflow, userID string, input map[string]interface{}) (*workflow.Execution, error)
}

// Scheduler owns the cron runtime and the schedule lifecycle.
type Scheduler struct {
	cron       *cron.Cron
	schedules  *store.ScheduleStore
	workflows  *store.WorkflowStore
	starter    Starter
	eventBus   events.EventBus
	redis      *redis.Client
	logger     logger.Logger
	instanceID string

	leaderTTL       time.Duration
	misfireInterval time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
	leading atomic.Bool
	stop    chan struct{}
}

func New(
	cfg *config.SchedulerConfig,
	schedules *store.ScheduleStore,
	workflows *store.WorkflowStore,
	starter Starter,
	eventBus events.EventBus,
	redisClient *redis.Client,
	log logger.Logger,
) *Scheduler {
	leaderTTL := 10 * time.Second
	misfireInterval := time.Minute
	if cfg != nil {
		if cfg.LeaderTTL() > 0 {
			leaderTTL = cfg.LeaderTTL()
		}
		if cfg.MisfireInterval() > 0 {
			misfireInterval = cfg.MisfireInterval()
		}
	}

	return &Scheduler{
		cron:            cron.New(cron.WithParser(schedule.Parser), cron.WithLocation(time.UTC)),
		schedules:       schedules,
		workflows:       workflows,
		starter:         starter,
		eventBus:        eventBus,
		redis:           redisClient,
		logger:          log,
		instanceID:      uuid.New().String(),
		leaderTTL:       leaderTTL,
		misfireInterval: misfireInterval,
		entries:         make(map[string]cron.EntryID),
		stop:            make(chan struct{}),
	}
}

// Start takes a first shot at leadership, starts the cron runtime and
// spawns the election and misfire loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "instance", s.instanceID)

	s.tryLead(ctx)
	s.cron.Start()
	go s.electionLoop(ctx)
	go s.misfireLoop(ctx)

	return nil
}

// Stop drains the cron runtime and hands the lease back so a follower
// can lead without waiting out the TTL.
func (s *Scheduler) Stop() {
	close(s.stop)

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	if s.leading.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, s.redis, []string{leaderKey}, s.instanceID).Err(); err != nil && err != redis.Nil {
			s.logger.Warn("Failed to release leader lease", "error", err)
		}
	}
	s.logger.Info("Scheduler stopped", "instance", s.instanceID)
}

// Leading reports whether this instance currently holds the lease.
func (s *Scheduler) Leading() bool {
	return s.leading.Load()
}

// Add validates and persists a schedule, arms it on the leader and
// publishes schedule.created.
func (s *Scheduler) Add(ctx context.Context, sched *schedule.Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	if next, err := sched.NextRun(time.Now()); err == nil {
		sched.NextRunAt = &next
	}

	if err := s.schedules.Create(ctx, sched); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	if s.leading.Load() {
		if err := s.addToCron(sched); err != nil {
			return err
		}
	}

	s.publish(ctx, events.NewEventBuilder(events.ScheduleCreated).
		WithAggregateID(sched.ID).
		WithAggregateType("schedule").
		WithUserID(sched.UserID).
		WithPayload("workflowId", sched.WorkflowID).
		WithPayload("cron", sched.CronExpression).
		Build())
	return nil
}

// Update persists schedule changes and re-arms the cron entry on the
// leader, dropping it when the schedule was deactivated.
func (s *Scheduler) Update(ctx context.Context, sched *schedule.Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	if next, err := sched.NextRun(time.Now()); err == nil {
		sched.NextRunAt = &next
	}

	if err := s.schedules.Update(ctx, sched); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if s.leading.Load() {
		s.removeFromCron(sched.ID)
		if sched.IsActive {
			if err := s.addToCron(sched); err != nil {
				return err
			}
		}
	}

	s.publish(ctx, events.NewEventBuilder(events.ScheduleUpdated).
		WithAggregateID(sched.ID).
		WithAggregateType("schedule").
		Build())
	return nil
}

func (s *Scheduler) Delete(ctx context.Context, scheduleID string) error {
	s.removeFromCron(scheduleID)
	if err := s.schedules.Delete(ctx, scheduleID); err != nil {
		return err
	}

	s.publish(ctx, events.NewEventBuilder(events.ScheduleDeleted).
		WithAggregateID(scheduleID).
		WithAggregateType("schedule").
		Build())
	return nil
}

func (s *Scheduler) Pause(ctx context.Context, scheduleID string) error {
	sched, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return err
	}

	sched.IsActive = false
	sched.UpdatedAt = time.Now()
	if err := s.schedules.Update(ctx, sched); err != nil {
		return err
	}

	s.removeFromCron(scheduleID)
	return nil
}

func (s *Scheduler) Resume(ctx context.Context, scheduleID string) error {
	sched, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return err
	}

	sched.IsActive = true
	sched.UpdatedAt = time.Now()
	if next, err := sched.NextRun(time.Now()); err == nil {
		sched.NextRunAt = &next
	}
	if err := s.schedules.Update(ctx, sched); err != nil {
		return err
	}

	if s.leading.Load() {
		return s.addToCron(sched)
	}
	return nil
}

func (s *Scheduler) electionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.leaderTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tryLead(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tryLead acquires or refreshes the redis lease. The keyed value is the
// instance id, so the current leader can tell its own lease from a
// rival's and keep extending it instead of evicting itself.
func (s *Scheduler) tryLead(ctx context.Context) {
	ok, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, s.leaderTTL).Result()
	if err != nil {
		s.logger.Error("Leader lease attempt failed", "error", err)
		return
	}
	if !ok {
		holder, err := s.redis.Get(ctx, leaderKey).Result()
		if err == nil && holder == s.instanceID {
			s.redis.Expire(ctx, leaderKey, s.leaderTTL)
			ok = true
		}
	}

	was := s.leading.Swap(ok)
	switch {
	case ok && !was:
		s.logger.Info("Scheduler became leader", "instance", s.instanceID)
		if err := s.loadSchedules(ctx); err != nil {
			s.logger.Error("Failed to load schedules", "error", err)
		}
	case !ok && was:
		s.logger.Info("Scheduler lost leadership", "instance", s.instanceID)
		s.clearCron()
	}
}

func (s *Scheduler) loadSchedules(ctx context.Context) error {
	active, err := s.schedules.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active schedules: %w", err)
	}

	for _, sched := range active {
		if err := s.addToCron(sched); err != nil {
			s.logger.Error("Failed to arm schedule", "schedule_id", sched.ID, "error", err)
		}
	}
	s.logger.Info("Schedules loaded", "count", len(active))
	return nil
}

func (s *Scheduler) addToCron(sched *schedule.Schedule) error {
	spec := sched.CronExpression
	if sched.Timezone != "" && sched.Timezone != "UTC" {
		spec = "CRON_TZ=" + sched.Timezone + " " + spec
	}
	parsed, err := schedule.Parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron expression: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[sched.ID]; ok {
		s.cron.Remove(entryID)
	}
	s.entries[sched.ID] = s.cron.Schedule(parsed, &scheduleJob{scheduler: s, schedule: sched})

	s.logger.Debug("Schedule armed",
		"schedule_id", sched.ID,
		"cron", sched.CronExpression,
		"timezone", sched.Timezone,
	)
	return nil
}

func (s *Scheduler) removeFromCron(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
}

func (s *Scheduler) clearCron() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

type scheduleJob struct {
	scheduler *Scheduler
	schedule  *schedule.Schedule
}

func (j *scheduleJob) Run() {
	j.scheduler.fire(context.Background(), j.schedule, time.Now())
}

// fire starts one run for the schedule. The run clock advances whether
// or not the start succeeds, so a broken workflow cannot wedge the
// schedule into refiring forever.
func (s *Scheduler) fire(ctx context.Context, sched *schedule.Schedule, firedAt time.Time) {
	input := make(map[string]interface{}, len(sched.Input)+1)
	for k, v := range sched.Input {
		input[k] = v
	}
	input["trigger"] = map[string]interface{}{
		"source":     "schedule",
		"scheduleId": sched.ID,
		"firedAt":    firedAt.UTC().Format(time.RFC3339),
	}

	definition, err := s.workflows.GetByID(ctx, sched.WorkflowID)
	if err != nil {
		s.logger.Error("Scheduled workflow not loadable",
			"schedule_id", sched.ID,
			"workflow_id", sched.WorkflowID,
			"error", err,
		)
	} else {
		execution, err := s.starter.StartRun(ctx, definition, sched.UserID, input)
		if err != nil {
			s.logger.Error("Scheduled run failed to start",
				"schedule_id", sched.ID,
				"workflow_id", sched.WorkflowID,
				"error", err,
			)
		} else {
			metrics.SchedulesTriggered.Inc()
			s.publish(ctx, events.NewEventBuilder(events.ScheduleTriggered).
				WithAggregateID(sched.ID).
				WithAggregateType("schedule").
				WithUserID(sched.UserID).
				WithPayload("workflowId", sched.WorkflowID).
				WithPayload("executionId", execution.ID).
				WithPayload("firedAt", firedAt.UTC().Format(time.RFC3339)).
				Build())
		}
	}

	if err := s.schedules.RecordRun(ctx, sched, firedAt); err != nil {
		s.logger.Error("Failed to record schedule run", "schedule_id", sched.ID, "error", err)
	}
}

func (s *Scheduler) misfireLoop(ctx context.Context) {
	ticker := time.NewTicker(s.misfireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.CheckMisfires(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckMisfires sweeps active schedules whose next fire time lapsed
// while nobody was leading and settles each by its policy: skip just
// advances the clock, run_once fires a single catch-up run, run_all
// replays every missed slot.
func (s *Scheduler) CheckMisfires(ctx context.Context) {
	if !s.leading.Load() {
		return
	}

	active, err := s.schedules.ListActive(ctx)
	if err != nil {
		s.logger.Error("Misfire sweep failed to list schedules", "error", err)
		return
	}

	now := time.Now()
	for _, sched := range active {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		s.logger.Warn("Misfire detected",
			"schedule_id", sched.ID,
			"policy", sched.MisfirePolicy,
			"expected", sched.NextRunAt,
		)

		switch sched.MisfirePolicy {
		case schedule.MisfirePolicyRunOnce:
			s.fire(ctx, sched, now)
		case schedule.MisfirePolicyRunAll:
			for _, missedAt := range missedTimes(sched, now) {
				s.fire(ctx, sched, missedAt)
			}
		default:
			if next, err := sched.NextRun(now); err == nil {
				sched.NextRunAt = &next
				if err := s.schedules.Update(ctx, sched); err != nil {
					s.logger.Error("Failed to advance skipped schedule", "schedule_id", sched.ID, "error", err)
				}
			}
		}
	}
}

// missedTimes lists the fire times between the schedule's lapsed
// NextRunAt and now, capped at maxMisfireBackfill.
func missedTimes(sched *schedule.Schedule, now time.Time) []time.Time {
	missed := []time.Time{*sched.NextRunAt}
	t := *sched.NextRunAt
	for len(missed) < maxMisfireBackfill {
		next, err := sched.NextRun(t)
		if err != nil || next.After(now) {
			break
		}
		missed = append(missed, next)
		t = next
	}
	return missed
}

func (s *Scheduler) publish(ctx context.Context, event events.Event) {
	if err := s.eventBus.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event", "eventType", event.Type, "error", err)
	}
}

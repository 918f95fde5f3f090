package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
)

const defaultScheduleCheckInterval = 30 * time.Second

// SchedulerService fires cron-triggered workflow schedules. Each scan claims
// due schedules with a conditional UPDATE, so multiple scheduler nodes fire
// every schedule exactly once.
type SchedulerService struct {
	schedules ports.ScheduleStore
	engine    *EngineService
	clock     ports.Clock
	interval  time.Duration

	stopChan chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool // Prevents double-close of stopChan
}

// NewSchedulerService creates a new SchedulerService
func NewSchedulerService(schedules ports.ScheduleStore, engine *EngineService, clock ports.Clock) *SchedulerService {
	return &SchedulerService{
		schedules: schedules,
		engine:    engine,
		clock:     clock,
		interval:  defaultScheduleCheckInterval,
		stopChan:  make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// SetInterval overrides the scan interval, mainly for tests
func (s *SchedulerService) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Start launches the scheduler loop in a background goroutine and returns
func (s *SchedulerService) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	log.Println("⏰ Scheduler starting...")
	go s.run()
}

func (s *SchedulerService) run() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.runDueSchedules()

	for {
		select {
		case <-ticker.C:
			s.runDueSchedules()
		case <-s.stopChan:
			log.Println("⏰ Scheduler stopping...")
			s.wg.Wait() // Wait for in-flight fires to complete
			log.Println("⏰ Scheduler stopped")
			return
		}
	}
}

// Stop signals the loop to exit and blocks until in-flight fires finish
func (s *SchedulerService) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	close(s.stopChan)
	<-s.loopDone
}

// runDueSchedules scans enabled schedules and fires the due ones
func (s *SchedulerService) runDueSchedules() {
	ctx := context.Background()
	schedules, err := s.schedules.List(ctx, true)
	if err != nil {
		log.Printf("⚠️ [Scheduler] Failed to list schedules: %v", err)
		return
	}

	now := s.clock.Now()
	for _, sched := range schedules {
		if sched.EndsAt != nil && now.After(*sched.EndsAt) {
			s.disableExpired(ctx, sched, now)
			continue
		}
		if !sched.InWindow(now) {
			continue
		}

		// A schedule that has never been primed gets its first fire time
		// computed instead of firing immediately.
		if sched.NextTriggerAt == nil {
			s.primeSchedule(ctx, sched, now)
			continue
		}
		if now.Before(*sched.NextTriggerAt) {
			continue
		}

		nextFire, err := NextFireTime(sched.CronExpression, sched.Timezone, now)
		if err != nil {
			log.Printf("⚠️ [Scheduler] Schedule %s has an invalid cron expression: %v", sched.ID, err)
			continue
		}

		claimed, err := s.schedules.ClaimDue(ctx, sched.ID, now, nextFire)
		if err != nil {
			log.Printf("⚠️ [Scheduler] Failed to claim schedule %s: %v", sched.ID, err)
			continue
		}
		if !claimed {
			continue // Another node fired it
		}

		s.wg.Add(1)
		go func(sched models.WorkflowSchedule) {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("❌ [Scheduler] Panic firing schedule %s: %v", sched.ID, r)
				}
			}()
			s.fire(&sched)
		}(*sched)
	}
}

// fire starts a new instance for a claimed schedule
func (s *SchedulerService) fire(sched *models.WorkflowSchedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	inst, err := s.engine.StartInstance(ctx, StartOptions{
		DefinitionID: sched.DefinitionID,
		EntityType:   sched.EntityType,
		EntityID:     sched.EntityID,
		StartedByID:  strPtr(SystemActor),
	})
	if err != nil {
		log.Printf("❌ [Scheduler] Schedule %s failed to start definition %s: %v", sched.ID, sched.DefinitionID, err)
		return
	}
	log.Printf("⏰ [Scheduler] Schedule %s started instance %s", sched.ID, inst.ID)
}

// primeSchedule sets the first next_trigger_at for a schedule that has none
func (s *SchedulerService) primeSchedule(ctx context.Context, sched *models.WorkflowSchedule, now time.Time) {
	next, err := NextFireTime(sched.CronExpression, sched.Timezone, now)
	if err != nil {
		log.Printf("⚠️ [Scheduler] Schedule %s has an invalid cron expression: %v", sched.ID, err)
		return
	}
	sched.NextTriggerAt = &next
	if err := s.schedules.Update(ctx, sched); err != nil {
		log.Printf("⚠️ [Scheduler] Failed to prime schedule %s: %v", sched.ID, err)
	}
}

// disableExpired turns off a schedule past its validity window
func (s *SchedulerService) disableExpired(ctx context.Context, sched *models.WorkflowSchedule, now time.Time) {
	sched.IsEnabled = false
	sched.NextTriggerAt = nil
	if err := s.schedules.Update(ctx, sched); err != nil {
		log.Printf("⚠️ [Scheduler] Failed to disable expired schedule %s: %v", sched.ID, err)
		return
	}
	log.Printf("🧹 [Scheduler] Disabled schedule %s (window ended %s)", sched.ID, sched.EndsAt.Format(time.RFC3339))
}

// NextFireTime returns the next execution time after the given instant for a
// five-field cron expression, evaluated in the schedule's timezone and
// returned in UTC.
func NextFireTime(cronExpr, timezone string, after time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" && timezone != "UTC" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			log.Printf("⚠️ [Scheduler] Invalid timezone %s, falling back to UTC", timezone)
			loc = time.UTC
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	return schedule.Next(after.In(loc)).UTC(), nil
}

// ValidateCronExpression reports whether the expression parses
func ValidateCronExpression(cronExpr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
)

func TestNextFireTime(t *testing.T) {
	// Sunday, June 1st 2025, noon UTC.
	after := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("weekly expression", func(t *testing.T) {
		next, err := NextFireTime("0 9 * * 1", "UTC", after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("interval expression", func(t *testing.T) {
		next, err := NextFireTime("*/15 * * * *", "UTC", after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC), next)
	})

	t.Run("evaluates in schedule timezone, returns UTC", func(t *testing.T) {
		// 9:00 in New York is 13:00 UTC during DST.
		next, err := NextFireTime("0 9 * * *", "America/New_York", after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), next)
		assert.Equal(t, time.UTC, next.Location())
	})

	t.Run("unknown timezone falls back to UTC", func(t *testing.T) {
		next, err := NextFireTime("0 9 * * *", "Mars/Olympus_Mons", after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("invalid expression", func(t *testing.T) {
		_, err := NextFireTime("not a cron", "UTC", after)
		assert.Error(t, err)
	})
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("0 9 * * 1"))
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.Error(t, ValidateCronExpression("banana"))
	// Six-field (seconds) expressions are not accepted.
	assert.Error(t, ValidateCronExpression("0 0 9 * * 1"))
}

type schedulerHarness struct {
	*engineHarness
	schedules *fakeScheduleStore
	scheduler *SchedulerService
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	t.Helper()
	h := newEngineHarness(t)
	schedules := newFakeScheduleStore()
	return &schedulerHarness{
		engineHarness: h,
		schedules:     schedules,
		scheduler:     NewSchedulerService(schedules, h.engine, h.clock),
	}
}

func (h *schedulerHarness) addSchedule(t *testing.T, sched *models.WorkflowSchedule) *models.WorkflowSchedule {
	t.Helper()
	require.NoError(t, h.schedules.Create(context.Background(), sched))
	return sched
}

func trivialDefinition(t *testing.T, h *engineHarness) *models.WorkflowDefinition {
	t.Helper()
	return h.publishedDefinition(t, "nightly-sweep", []*models.Step{
		startStep("start", to("end")),
		step("end", models.StepTypeEnd, nil),
	})
}

func TestSchedulerPrimesUnseededSchedule(t *testing.T) {
	h := newSchedulerHarness(t)
	def := trivialDefinition(t, h.engineHarness)

	sched := h.addSchedule(t, &models.WorkflowSchedule{
		DefinitionID:   def.ID,
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		EntityType:     "Deal",
		EntityID:       "deal-1",
		IsEnabled:      true,
	})

	h.scheduler.runDueSchedules()

	got, err := h.schedules.Get(context.Background(), sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextTriggerAt)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), got.NextTriggerAt.UTC())
	assert.Equal(t, int64(0), got.ExecutionCount)

	// Priming never fires an instance.
	instances, err := h.instances.List(context.Background(), ports.InstanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestSchedulerFiresDueScheduleOnce(t *testing.T) {
	h := newSchedulerHarness(t)
	def := trivialDefinition(t, h.engineHarness)

	due := h.clock.Now().Add(-time.Minute)
	sched := h.addSchedule(t, &models.WorkflowSchedule{
		DefinitionID:   def.ID,
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		EntityType:     "Deal",
		EntityID:       "deal-7",
		IsEnabled:      true,
		NextTriggerAt:  &due,
	})

	h.scheduler.runDueSchedules()

	// StartInstance runs on the scheduler's fire goroutine; wait for the
	// instance and its first step job to both exist before draining.
	require.Eventually(t, func() bool {
		instances, err := h.instances.List(context.Background(), ports.InstanceFilter{})
		if err != nil || len(instances) != 1 {
			return false
		}
		active, err := h.queue.HasActive(context.Background(), models.JobTypeExecuteStep)
		return err == nil && active
	}, 2*time.Second, 10*time.Millisecond, "due schedule should start an instance")

	instances, err := h.instances.List(context.Background(), ports.InstanceFilter{})
	require.NoError(t, err)
	inst := instances[0]
	assert.Equal(t, def.ID, inst.DefinitionID)
	assert.Equal(t, "deal-7", inst.EntityID)
	require.NotNil(t, inst.StartedByID)
	assert.Equal(t, SystemActor, *inst.StartedByID)

	got, err := h.schedules.Get(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ExecutionCount)
	require.NotNil(t, got.LastTriggeredAt)
	require.NotNil(t, got.NextTriggerAt)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), got.NextTriggerAt.UTC())

	// A second scan before the next fire time does nothing.
	h.scheduler.runDueSchedules()
	got, err = h.schedules.Get(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ExecutionCount)

	h.drain(t)
	final, err := h.instances.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
}

func TestSchedulerStartRunsInBackground(t *testing.T) {
	h := newSchedulerHarness(t)
	def := trivialDefinition(t, h.engineHarness)

	due := h.clock.Now().Add(-time.Minute)
	h.addSchedule(t, &models.WorkflowSchedule{
		DefinitionID:   def.ID,
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		EntityType:     "Deal",
		EntityID:       "deal-9",
		IsEnabled:      true,
		NextTriggerAt:  &due,
	})

	h.scheduler.SetInterval(10 * time.Millisecond)

	returned := make(chan struct{})
	go func() {
		h.scheduler.Start()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Start blocked; the scan loop must run on its own goroutine")
	}

	require.Eventually(t, func() bool {
		instances, err := h.instances.List(context.Background(), ports.InstanceFilter{})
		return err == nil && len(instances) == 1
	}, 2*time.Second, 10*time.Millisecond, "background loop should fire the due schedule")

	h.scheduler.Stop()
}

func TestSchedulerDisablesExpiredSchedule(t *testing.T) {
	h := newSchedulerHarness(t)
	def := trivialDefinition(t, h.engineHarness)

	ended := h.clock.Now().Add(-time.Hour)
	due := h.clock.Now().Add(-time.Minute)
	sched := h.addSchedule(t, &models.WorkflowSchedule{
		DefinitionID:   def.ID,
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		EntityType:     "Deal",
		EntityID:       "deal-1",
		IsEnabled:      true,
		EndsAt:         &ended,
		NextTriggerAt:  &due,
	})

	h.scheduler.runDueSchedules()

	got, err := h.schedules.Get(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)
	assert.Nil(t, got.NextTriggerAt)

	instances, err := h.instances.List(context.Background(), ports.InstanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestSchedulerSkipsScheduleBeforeWindowOpens(t *testing.T) {
	h := newSchedulerHarness(t)
	def := trivialDefinition(t, h.engineHarness)

	opens := h.clock.Now().Add(48 * time.Hour)
	sched := h.addSchedule(t, &models.WorkflowSchedule{
		DefinitionID:   def.ID,
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		EntityType:     "Deal",
		EntityID:       "deal-1",
		IsEnabled:      true,
		StartsAt:       &opens,
	})

	h.scheduler.runDueSchedules()

	got, err := h.schedules.Get(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextTriggerAt, "schedules outside their window are not primed")
	assert.True(t, got.IsEnabled)
}

func TestSchedulerSkipsDisabledSchedules(t *testing.T) {
	h := newSchedulerHarness(t)
	def := trivialDefinition(t, h.engineHarness)

	due := h.clock.Now().Add(-time.Minute)
	h.addSchedule(t, &models.WorkflowSchedule{
		DefinitionID:   def.ID,
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		EntityType:     "Deal",
		EntityID:       "deal-1",
		IsEnabled:      false,
		NextTriggerAt:  &due,
	})

	h.scheduler.runDueSchedules()

	instances, err := h.instances.List(context.Background(), ports.InstanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, instances)
}

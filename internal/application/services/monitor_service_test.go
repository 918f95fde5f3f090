package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
)

func newMonitor(h *engineHarness) *MonitorService {
	return NewMonitorService(h.instances, h.events, h.vars, h.taskStore, h.queue)
}

func TestMonitorListInstancesFilters(t *testing.T) {
	h := newEngineHarness(t)
	monitor := newMonitor(h)
	ctx := context.Background()

	def := h.publishedDefinition(t, "deal-check", []*models.Step{
		startStep("start", to("end")),
		step("end", models.StepTypeEnd, nil),
	})
	for _, entityID := range []string{"deal-1", "deal-2"} {
		_, err := h.engine.StartInstance(ctx, StartOptions{
			DefinitionID: def.ID,
			EntityType:   "Deal",
			EntityID:     entityID,
		})
		require.NoError(t, err)
	}
	h.drain(t)

	all, err := monitor.ListInstances(ctx, ports.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := monitor.ListInstances(ctx, ports.InstanceFilter{EntityID: "deal-2"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "deal-2", one[0].EntityID)

	none, err := monitor.ListInstances(ctx, ports.InstanceFilter{Status: models.InstanceStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMonitorInstanceDetailAggregates(t *testing.T) {
	h := newEngineHarness(t)
	monitor := newMonitor(h)
	ctx := context.Background()

	inst, _ := startWaitingInstance(t, h, userActionConfig())

	detail, err := monitor.GetInstanceDetail(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, detail.Instance.ID)
	assert.Equal(t, models.InstanceStatusWaitingForInput, detail.Instance.Status)
	assert.NotEmpty(t, detail.Events)
	require.Len(t, detail.Tasks, 1)
	assert.Equal(t, models.TaskStatusPending, detail.Tasks[0].Status)

	_, err = monitor.GetInstanceDetail(ctx, "missing")
	assert.Error(t, err)
}

func TestMonitorReplayFlagsDivergence(t *testing.T) {
	h := newEngineHarness(t)
	monitor := newMonitor(h)
	ctx := context.Background()

	def := h.publishedDefinition(t, "audited-flow", []*models.Step{
		startStep("start", to("end")),
		step("end", models.StepTypeEnd, nil),
	})
	inst, err := h.engine.StartInstance(ctx, StartOptions{
		DefinitionID: def.ID,
		EntityType:   "Deal",
		EntityID:     "deal-1",
	})
	require.NoError(t, err)
	h.drain(t)

	report, err := monitor.Replay(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, models.InstanceStatusCompleted, report.Replayed.Status)
	assert.Greater(t, report.EventCount, 0)

	// Corrupt the stored row behind the event log's back.
	stored, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	stored.Status = models.InstanceStatusRunning
	require.NoError(t, h.instances.Update(ctx, stored))

	report, err = monitor.Replay(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, models.InstanceStatusRunning, report.Stored.Status)
	assert.Equal(t, models.InstanceStatusCompleted, report.Replayed.Status)
}

func TestMonitorDeadLettersAndJobLookup(t *testing.T) {
	h := newEngineHarness(t)
	monitor := newMonitor(h)
	ctx := context.Background()

	def := h.publishedDefinition(t, "doomed-script", []*models.Step{
		startStep("start", to("xf")),
		step("xf", models.StepTypeScript, map[string]interface{}{
			"mode":       "Transform",
			"expression": "1 +++",
			"output_key": "out",
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})
	_, err := h.engine.StartInstance(ctx, StartOptions{
		DefinitionID: def.ID,
		EntityType:   "Deal",
		EntityID:     "deal-1",
	})
	require.NoError(t, err)
	h.drainAll(t, 10)

	letters, err := monitor.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, models.JobStatusDeadLetter, letters[0].Status)
	assert.NotNil(t, letters[0].LastError)

	job, err := monitor.GetJob(ctx, letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, letters[0].ID, job.ID)
}

func TestStatesMatchIgnoresActiveKeyOrder(t *testing.T) {
	current := "merge"
	a := models.ReplayedState{
		Status:         models.InstanceStatusRunning,
		CurrentStepKey: &current,
		ActiveStepKeys: []string{"credit_check", "fraud_check"},
	}
	b := models.ReplayedState{
		Status:         models.InstanceStatusRunning,
		CurrentStepKey: strPtr("merge"),
		ActiveStepKeys: []string{"fraud_check", "credit_check"},
	}
	assert.True(t, statesMatch(a, b))

	b.ActiveStepKeys = []string{"fraud_check"}
	assert.False(t, statesMatch(a, b))

	b.ActiveStepKeys = []string{"fraud_check", "credit_check"}
	b.Status = models.InstanceStatusCompleted
	assert.False(t, statesMatch(a, b))
}

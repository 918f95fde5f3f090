package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
)

func TestStartInstanceRunsToCompletion(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "hello-flow", []*models.Step{
		startStep("start", to("greet")),
		step("greet", models.StepTypeSetVariable, map[string]interface{}{
			"assignments": map[string]interface{}{"greeting": `"hello"`},
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{
		DefinitionID: def.ID,
		EntityType:   "Deal",
		EntityID:     "deal-1",
	})
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusRunning, inst.Status)

	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, "hello", h.contextValue(t, inst.ID, "greeting"))

	assert.Equal(t, []string{
		"WorkflowStarted",
		"StepStarted", "StepCompleted", // start
		"StepStarted", "VariableSet", "StepCompleted", // greet
		"StepStarted", "StepCompleted", // end
		"WorkflowCompleted",
	}, h.events.typesFor(inst.ID, ""))
}

func TestStartInstanceRejectsDraftDefinition(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := &models.WorkflowDefinition{
		Name:        "draft-flow",
		Status:      models.DefinitionStatusDraft,
		TriggerType: models.TriggerTypeManual,
		Steps:       []*models.Step{startStep("start", to("end")), step("end", models.StepTypeEnd, nil)},
	}
	require.NoError(t, h.defs.Create(ctx, def))

	_, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestSelectTransitionPrefersLowestPriority(t *testing.T) {
	h := newEngineHarness(t)
	route := &models.Step{
		StepKey: "route",
		Transitions: []models.Transition{
			{Condition: "x > 10", TargetStepKey: "big", Priority: 2},
			{Condition: "x > 0", TargetStepKey: "small", Priority: 1},
			{TargetStepKey: "fallback", Priority: 9, IsDefault: true},
		},
	}

	// x=15 matches both conditions and the always-true default; priority 1 wins
	next, err := h.engine.selectTransition(route, map[string]interface{}{"x": 15})
	require.NoError(t, err)
	assert.Equal(t, "small", next)

	// Nothing matches except the default
	next, err = h.engine.selectTransition(route, map[string]interface{}{"x": -1})
	require.NoError(t, err)
	assert.Equal(t, "fallback", next)
}

func TestSelectTransitionFallsBackToDefaultWhoseConditionFailed(t *testing.T) {
	h := newEngineHarness(t)
	route := &models.Step{
		StepKey: "route",
		Transitions: []models.Transition{
			{Condition: "x > 10", TargetStepKey: "big", Priority: 1},
			{Condition: "x > 100", TargetStepKey: "huge", Priority: 0, IsDefault: true},
		},
	}

	next, err := h.engine.selectTransition(route, map[string]interface{}{"x": 3})
	require.NoError(t, err)
	assert.Equal(t, "huge", next)

	noDefault := &models.Step{
		StepKey:     "route",
		Transitions: []models.Transition{{Condition: "x > 10", TargetStepKey: "big"}},
	}
	_, err = h.engine.selectTransition(noDefault, map[string]interface{}{"x": 3})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestConditionalRoutesByAmount(t *testing.T) {
	steps := func() []*models.Step {
		return []*models.Step{
			startStep("start", to("check")),
			step("check", models.StepTypeConditional, map[string]interface{}{
				"branches": []interface{}{
					map[string]interface{}{"expression": "amount > 1000", "next_step_key": "review_end", "priority": 1},
					map[string]interface{}{"next_step_key": "auto_end", "is_default": true, "priority": 2},
				},
			}),
			step("review_end", models.StepTypeEnd, nil),
			step("auto_end", models.StepTypeEnd, nil),
		}
	}

	cases := []struct {
		name    string
		amount  float64
		wantEnd string
	}{
		{"small amount auto-approves", 500, "auto_end"},
		{"large amount goes to review", 5000, "review_end"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newEngineHarness(t)
			def := h.publishedDefinition(t, "approval-routing", steps())

			inst, err := h.engine.StartInstance(context.Background(), StartOptions{
				DefinitionID:   def.ID,
				EntityType:     "Invoice",
				EntityID:       "inv-1",
				InitialContext: map[string]interface{}{"amount": tc.amount},
			})
			require.NoError(t, err)
			h.drain(t)

			final, err := h.instances.Get(context.Background(), inst.ID)
			require.NoError(t, err)
			assert.Equal(t, models.InstanceStatusCompleted, final.Status)
			require.NotNil(t, final.CurrentStepKey)
			assert.Equal(t, tc.wantEnd, *final.CurrentStepKey)
		})
	}
}

func TestApprovalWorkflowEndToEnd(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "manual-approval", []*models.Step{
		startStep("start", to("approve")),
		step("approve", models.StepTypeUserAction, map[string]interface{}{
			"title":             "Approve invoice {{entityName}}",
			"assignment_type":   models.AssignmentTypeUser,
			"assigned_to":       "mgr-7",
			"available_actions": []string{"Approve", "Reject"},
		},
			models.Transition{Condition: `approve.actionTaken == "Approve"`, TargetStepKey: "approved_end", Priority: 1},
			models.Transition{TargetStepKey: "rejected_end", Priority: 2, IsDefault: true},
		),
		step("approved_end", models.StepTypeEnd, nil),
		step("rejected_end", models.StepTypeEnd, nil),
	})

	actor := "user-1"
	inst, err := h.engine.StartInstance(ctx, StartOptions{
		DefinitionID:   def.ID,
		EntityType:     "Invoice",
		EntityID:       "inv-9",
		InitialContext: map[string]interface{}{"entityName": "INV-9"},
		StartedByID:    &actor,
	})
	require.NoError(t, err)
	h.drain(t)

	// Parked on the human task
	waiting, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusWaitingForInput, waiting.Status)

	task := h.taskStore.firstOpen(inst.ID)
	require.NotNil(t, task)
	assert.Equal(t, "Approve invoice INV-9", task.Title)
	require.NotNil(t, task.AssignedTo)
	assert.Equal(t, "mgr-7", *task.AssignedTo)

	// The event log independently reconstructs the same state
	events, err := h.events.ForInstance(ctx, inst.ID)
	require.NoError(t, err)
	replayed := models.ReplayInstance(events)
	assert.Equal(t, waiting.Status, replayed.Status)
	require.NotNil(t, replayed.CurrentStepKey)
	assert.Equal(t, *waiting.CurrentStepKey, *replayed.CurrentStepKey)

	_, err = h.tasks.Claim(ctx, task.ID, "mgr-7")
	require.NoError(t, err)
	require.NoError(t, h.tasks.Complete(ctx, task.ID, "mgr-7", "Approve",
		map[string]interface{}{"comment": "looks good"}))
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	require.NotNil(t, final.CurrentStepKey)
	assert.Equal(t, "approved_end", *final.CurrentStepKey)
	assert.Equal(t, "Approve", h.contextValue(t, inst.ID, "approve.actionTaken"))
	assert.Equal(t, "looks good", h.contextValue(t, inst.ID, "approve.comment"))

	events, err = h.events.ForInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, models.ReplayInstance(events).Status)
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventTaskClaimed))
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventTaskCompleted))
}

func TestParallelJoinAllFiresExactlyOnce(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "fan-out-in", []*models.Step{
		startStep("start", to("fan")),
		step("fan", models.StepTypeParallel, map[string]interface{}{
			"branch_step_keys": []string{"credit_check", "fraud_check"},
		}),
		step("credit_check", models.StepTypeSetVariable, map[string]interface{}{
			"assignments": map[string]interface{}{"credit": "true"},
		}, to("merge")),
		step("fraud_check", models.StepTypeSetVariable, map[string]interface{}{
			"assignments": map[string]interface{}{"fraud": "false"},
		}, to("merge")),
		step("merge", models.StepTypeJoin, map[string]interface{}{
			"join_mode":    models.JoinModeAll,
			"branch_count": 2,
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Order", EntityID: "o-1"})
	require.NoError(t, err)
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Empty(t, final.ActiveStepKeys)

	assert.Equal(t, 2, h.events.countType(inst.ID, models.EventBranchActivated))
	assert.Equal(t, 2, h.events.countType(inst.ID, models.EventJoinArrived))
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventJoinSatisfied))
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventWorkflowCompleted))

	assert.Equal(t, "true", h.contextValue(t, inst.ID, "credit"))
	assert.Equal(t, "false", h.contextValue(t, inst.ID, "fraud"))
}

func threeBranchJoinDefinition(t *testing.T, h *engineHarness) *models.WorkflowDefinition {
	t.Helper()
	return h.publishedDefinition(t, "triple-fan", []*models.Step{
		startStep("start", to("fan")),
		step("fan", models.StepTypeParallel, map[string]interface{}{
			"branch_step_keys": []string{"credit_check", "fraud_check", "inventory_check"},
		}),
		step("credit_check", models.StepTypeSetVariable, map[string]interface{}{
			"assignments": map[string]interface{}{"credit": "true"},
		}, to("merge")),
		step("fraud_check", models.StepTypeSetVariable, map[string]interface{}{
			"assignments": map[string]interface{}{"fraud": "false"},
		}, to("merge")),
		step("inventory_check", models.StepTypeSetVariable, map[string]interface{}{
			"assignments": map[string]interface{}{"stock": "12"},
		}, to("merge")),
		step("merge", models.StepTypeJoin, map[string]interface{}{
			"join_mode":    models.JoinModeAll,
			"branch_count": 3,
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})
}

func TestJoinAllThreeBranchesEveryCompletionOrder(t *testing.T) {
	orderings := [][]string{
		{"credit_check", "fraud_check", "inventory_check"},
		{"credit_check", "inventory_check", "fraud_check"},
		{"fraud_check", "credit_check", "inventory_check"},
		{"fraud_check", "inventory_check", "credit_check"},
		{"inventory_check", "credit_check", "fraud_check"},
		{"inventory_check", "fraud_check", "credit_check"},
	}

	for _, order := range orderings {
		order := order
		t.Run(strings.Join(order, "_then_"), func(t *testing.T) {
			h := newEngineHarness(t)
			ctx := context.Background()
			def := threeBranchJoinDefinition(t, h)

			inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Order", EntityID: "o-3"})
			require.NoError(t, err)

			h.runJobFor(t, "start")
			h.runJobFor(t, "fan")
			for _, branch := range order {
				h.runJobFor(t, branch)
				h.runJobFor(t, "merge")
			}
			h.drain(t)

			final, err := h.instances.Get(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, models.InstanceStatusCompleted, final.Status)
			assert.Empty(t, final.ActiveStepKeys)

			assert.Equal(t, 3, h.events.countType(inst.ID, models.EventBranchActivated))
			assert.Equal(t, 3, h.events.countType(inst.ID, models.EventJoinArrived))
			assert.Equal(t, 1, h.events.countType(inst.ID, models.EventJoinSatisfied))
			assert.Equal(t, 1, h.events.countType(inst.ID, models.EventWorkflowCompleted))
		})
	}
}

func TestJoinArrivalSurvivesLockConflict(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	def := threeBranchJoinDefinition(t, h)

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Order", EntityID: "o-4"})
	require.NoError(t, err)

	h.runJobFor(t, "start")
	h.runJobFor(t, "fan")
	h.runJobFor(t, "credit_check")
	h.runJobFor(t, "merge")
	h.runJobFor(t, "fraud_check")

	// A competing writer bumps the row between the arrival's read and write;
	// the arrival must retry against the fresh row, keeping the earlier one.
	h.instances.conflictNextUpdates = 1
	h.runJobFor(t, "merge")

	got, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, got.JoinStates["merge"])
	assert.ElementsMatch(t, []string{"credit_check", "fraud_check"}, got.JoinStates["merge"].Arrivals)

	h.runJobFor(t, "inventory_check")
	h.runJobFor(t, "merge")
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Equal(t, 3, h.events.countType(inst.ID, models.EventJoinArrived))
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventJoinSatisfied))
}

func TestJoinAnyAbsorbsLateArrival(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "first-wins", []*models.Step{
		startStep("start", to("fan")),
		step("fan", models.StepTypeParallel, map[string]interface{}{
			"branch_step_keys": []string{"fast", "slow"},
		}),
		step("fast", models.StepTypeSetVariable, map[string]interface{}{
			"assignments": map[string]interface{}{"winner": `"fast"`},
		}, to("merge")),
		step("slow", models.StepTypeSetVariable, map[string]interface{}{
			"assignments": map[string]interface{}{"loser": `"slow"`},
		}, to("merge")),
		step("merge", models.StepTypeJoin, map[string]interface{}{
			"join_mode":    models.JoinModeAny,
			"branch_count": 2,
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Order", EntityID: "o-2"})
	require.NoError(t, err)
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	// Both branches arrive, the join fires once
	assert.Equal(t, 2, h.events.countType(inst.ID, models.EventJoinArrived))
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventJoinSatisfied))
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventWorkflowCompleted))
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.caller.script = []scriptedCall{
		{resp: serverError()}, {resp: serverError()}, {resp: serverError()},
	}

	def := h.publishedDefinition(t, "flaky-call", []*models.Step{
		startStep("start", to("post")),
		step("post", models.StepTypeApiCall, map[string]interface{}{
			"method": "POST",
			"url":    "https://billing.example.com/charge",
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Invoice", EntityID: "inv-2"})
	require.NoError(t, err)
	h.drainAll(t, 10)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	require.NotNil(t, final.CompletedAt)

	assert.Equal(t, 1, h.queue.countStatus(models.JobStatusDeadLetter))
	assert.Equal(t, 3, h.events.countType(inst.ID, models.EventApiCallFailed))
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventWorkflowFailed))

	dead, err := h.queue.List(ctx, models.JobStatusDeadLetter, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, models.DefaultJobMaxAttempts, dead[0].AttemptCount)
}

func TestApiCallRetryWaitsStepBackoff(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.caller.script = []scriptedCall{{resp: serverError()}, {resp: serverError()}}

	def := h.publishedDefinition(t, "patient-call", []*models.Step{
		startStep("start", to("post")),
		step("post", models.StepTypeApiCall, map[string]interface{}{
			"method": "POST",
			"url":    "https://billing.example.com/charge",
			"retry": map[string]interface{}{
				"max_attempts":    3,
				"backoff_seconds": 60,
			},
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Invoice", EntityID: "inv-9"})
	require.NoError(t, err)

	// First failing attempt requeues the dedicated call job at the step's
	// flat 60s backoff, not the queue default.
	h.drain(t)
	assert.Equal(t, h.clock.Now().Add(60*time.Second), h.queue.earliestPending())

	// Second failing attempt waits the same flat 60s.
	h.clock.Advance(60 * time.Second)
	h.drain(t)
	assert.Equal(t, h.clock.Now().Add(60*time.Second), h.queue.earliestPending())

	// Third attempt succeeds and the workflow completes.
	h.drainAll(t, 5)
	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
}

func TestConfigurationErrorDeadLettersWithoutRetry(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "broken-script", []*models.Step{
		startStep("start", to("compute")),
		step("compute", models.StepTypeScript, map[string]interface{}{
			"mode":       "Transform",
			"expression": "1 +++",
			"output_key": "result",
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-3"})
	require.NoError(t, err)
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, final.Status)

	dead, err := h.queue.List(ctx, models.JobStatusDeadLetter, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].AttemptCount, "configuration errors must not burn retries")
}

func TestDelayStepSuspendsAndWakes(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "cooling-off", []*models.Step{
		startStep("start", to("wait")),
		step("wait", models.StepTypeDelay, map[string]interface{}{
			"duration_minutes": 30,
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-4"})
	require.NoError(t, err)
	h.drain(t)

	suspended, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusSuspended, suspended.Status)
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventWorkflowSuspended))

	// Not due yet
	h.drain(t)
	still, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusSuspended, still.Status)

	h.clock.Advance(30 * time.Minute)
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventWorkflowResumed))
}

func TestDelayArmsTimerAgainstStoredLockVersion(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "cooldown", []*models.Step{
		startStep("start", to("wait")),
		step("wait", models.StepTypeDelay, map[string]interface{}{
			"duration_minutes": 10,
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-6"})
	require.NoError(t, err)
	h.drain(t)

	stored, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusSuspended, stored.Status)

	// The wake timer must carry the lock version the suspend write produced;
	// an older one would make the wake void itself.
	pending, err := h.queue.List(ctx, models.JobStatusPending, 10)
	require.NoError(t, err)
	var timer *models.WorkflowJob
	for _, job := range pending {
		if job.JobType == models.JobTypeCheckTimeout {
			timer = job
		}
	}
	require.NotNil(t, timer)

	var payload models.ExecuteStepPayload
	require.NoError(t, json.Unmarshal([]byte(timer.Payload), &payload))
	assert.Equal(t, stored.LockVersion, payload.ArmedLockVersion)
}

func TestUserActionTimeoutFailsInstanceAndExpiresTask(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	approve := step("approve", models.StepTypeUserAction, map[string]interface{}{
		"title":             "Sign off",
		"assignment_type":   models.AssignmentTypeUser,
		"assigned_to":       "mgr-7",
		"available_actions": []string{"Approve"},
	}, to("end"))
	approve.TimeoutMinutes = 15

	def := h.publishedDefinition(t, "strict-sla", []*models.Step{
		startStep("start", to("approve")),
		approve,
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-5"})
	require.NoError(t, err)
	h.drain(t)

	task := h.taskStore.firstOpen(inst.ID)
	require.NotNil(t, task)

	h.clock.Advance(16 * time.Minute)
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, final.Status)
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventStepTimedOut))

	expired, err := h.taskStore.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusExpired, expired.Status)
}

func TestTimeoutVoidedByProgress(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	approve := step("approve", models.StepTypeUserAction, map[string]interface{}{
		"title":             "Sign off",
		"assignment_type":   models.AssignmentTypeUser,
		"assigned_to":       "mgr-7",
		"available_actions": []string{"Approve"},
	}, to("end"))
	approve.TimeoutMinutes = 15

	def := h.publishedDefinition(t, "beaten-sla", []*models.Step{
		startStep("start", to("approve")),
		approve,
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-6"})
	require.NoError(t, err)
	h.drain(t)

	task := h.taskStore.firstOpen(inst.ID)
	require.NotNil(t, task)
	require.NoError(t, h.tasks.Complete(ctx, task.ID, "mgr-7", "Approve", nil))
	h.drain(t)

	// The armed timeout fires after completion and must be a no-op
	h.clock.Advance(20 * time.Minute)
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Equal(t, 0, h.events.countType(inst.ID, models.EventStepTimedOut))
}

func TestCancelInstanceVoidsPendingWork(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "cancellable", []*models.Step{
		startStep("start", to("approve")),
		step("approve", models.StepTypeUserAction, map[string]interface{}{
			"title":             "Sign off",
			"assignment_type":   models.AssignmentTypeUser,
			"assigned_to":       "mgr-7",
			"available_actions": []string{"Approve"},
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-7"})
	require.NoError(t, err)
	h.drain(t)

	task := h.taskStore.firstOpen(inst.ID)
	require.NotNil(t, task)

	require.NoError(t, h.engine.CancelInstance(ctx, inst.ID, "admin-1"))

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventWorkflowCancelled))

	cancelled, err := h.taskStore.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)

	// Cancelling twice is a conflict, not a crash
	err = h.engine.CancelInstance(ctx, inst.ID, "admin-1")
	require.Error(t, err)
}

func TestPauseParksExecutionUntilResume(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "pausable", []*models.Step{
		startStep("start", to("greet")),
		step("greet", models.StepTypeSetVariable, map[string]interface{}{
			"assignments": map[string]interface{}{"greeting": `"hi"`},
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-8"})
	require.NoError(t, err)

	require.NoError(t, h.engine.PauseInstance(ctx, inst.ID, "admin-1"))
	h.drain(t)

	paused, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusPaused, paused.Status, "queued jobs must not advance a paused instance")

	require.NoError(t, h.engine.ResumeInstance(ctx, inst.ID, "admin-1"))
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventWorkflowPaused))
}

func TestRetryInstanceRestartsFailedStep(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.caller.script = []scriptedCall{
		{resp: serverError()}, {resp: serverError()}, {resp: serverError()},
	}

	def := h.publishedDefinition(t, "recoverable-call", []*models.Step{
		startStep("start", to("post")),
		step("post", models.StepTypeApiCall, map[string]interface{}{
			"method": "POST",
			"url":    "https://billing.example.com/charge",
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Invoice", EntityID: "inv-3"})
	require.NoError(t, err)
	h.drainAll(t, 10)

	failed, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusFailed, failed.Status)

	// The upstream recovered; an operator retries the instance
	require.NoError(t, h.engine.RetryInstance(ctx, inst.ID, "admin-1"))
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	assert.Nil(t, final.ErrorMessage)
}

func TestEntityEventTriggersMatchingDefinitions(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	entityType := "Deal"
	condition := `status == "Won"`
	def := &models.WorkflowDefinition{
		Name:              "deal-won",
		Status:            models.DefinitionStatusPublished,
		TriggerType:       models.TriggerTypeEvent,
		TriggerEntityType: &entityType,
		TriggerEvents:     []string{"record.updated"},
		TriggerCondition:  &condition,
		Steps: []*models.Step{
			startStep("start", to("end")),
			step("end", models.StepTypeEnd, nil),
		},
	}
	require.NoError(t, h.defs.Create(ctx, def))

	// Wrong entity type never matches
	n, err := h.engine.HandleEntityEvent(ctx, "Contact", "c-1", "record.updated", nil, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Matching event but failing trigger condition: evaluated, no instance
	n, err = h.engine.HandleEntityEvent(ctx, "Deal", "deal-1", "record.updated",
		map[string]interface{}{"status": "Open"}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain(t)
	instances, err := h.instances.List(ctx, ports.InstanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, instances)

	// Matching event and condition starts an instance carrying the entity data
	n, err = h.engine.HandleEntityEvent(ctx, "Deal", "deal-2", "record.updated",
		map[string]interface{}{"status": "Won", "amount": 1200.0}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain(t)

	instances, err = h.instances.List(ctx, ports.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	inst := instances[0]
	assert.Equal(t, "deal-2", inst.EntityID)
	assert.Equal(t, models.InstanceStatusCompleted, inst.Status)
	require.NotNil(t, inst.StartedByID)
	assert.Equal(t, "user-1", *inst.StartedByID)
	assert.Equal(t, "Won", h.contextValue(t, inst.ID, "status"))
}

func TestCleanupRemovesExpiredTerminalInstances(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "short-lived", []*models.Step{
		startStep("start", to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	old, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-old"})
	require.NoError(t, err)
	h.drain(t)

	h.clock.Advance(91 * 24 * time.Hour)

	fresh, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-new"})
	require.NoError(t, err)
	h.drain(t)

	require.NoError(t, h.engine.ScheduleCleanup(ctx))
	// Seeding twice must not stack a second chain
	require.NoError(t, h.engine.ScheduleCleanup(ctx))
	h.drain(t)

	_, err = h.instances.Get(ctx, old.ID)
	require.Error(t, err)

	kept, err := h.instances.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, kept.Status)

	// The chain rescheduled itself for the next pass
	active, err := h.queue.HasActive(ctx, models.JobTypeCleanupInstances)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestSubWorkflowWaitsAndMapsOutput(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	child := h.publishedDefinition(t, "risk-check", []*models.Step{
		startStep("start", to("assess")),
		step("assess", models.StepTypeScript, map[string]interface{}{
			"mode":       "Transform",
			"expression": `amount > 1000 ? "high" : "low"`,
			"output_key": "verdict",
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	parent := h.publishedDefinition(t, "order-intake", []*models.Step{
		startStep("start", to("risk")),
		step("risk", models.StepTypeSubWorkflow, map[string]interface{}{
			"definition_id":       child.ID,
			"wait_for_completion": true,
			"input_mapping":       map[string]interface{}{"amount": "amount"},
			"output_mapping":      map[string]interface{}{"risk_level": "verdict"},
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{
		DefinitionID:   parent.ID,
		EntityType:     "Order",
		EntityID:       "o-9",
		InitialContext: map[string]interface{}{"amount": 2500.0},
	})
	require.NoError(t, err)
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Equal(t, "high", h.contextValue(t, inst.ID, "risk_level"))
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventWorkflowSuspended))
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventWorkflowResumed))

	children, err := h.instances.List(ctx, ports.InstanceFilter{})
	require.NoError(t, err)
	var childInst *models.WorkflowInstance
	for _, c := range children {
		if c.ParentInstanceID != nil && *c.ParentInstanceID == inst.ID {
			childInst = c
		}
	}
	require.NotNil(t, childInst)
	assert.Equal(t, models.InstanceStatusCompleted, childInst.Status)
	assert.Equal(t, "2500", h.contextValue(t, childInst.ID, "amount"))
}

func TestUpdateInstanceRetriesLockConflicts(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "contended", []*models.Step{
		startStep("start", to("end")),
		step("end", models.StepTypeEnd, nil),
	})
	inst, err := h.engine.StartInstance(ctx, StartOptions{DefinitionID: def.ID, EntityType: "Deal", EntityID: "d-10"})
	require.NoError(t, err)

	h.instances.conflictNextUpdates = 2
	require.NoError(t, h.engine.PauseInstance(ctx, inst.ID, "admin-1"))

	paused, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusPaused, paused.Status)
}

func TestNotificationStepDeliversAsynchronously(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	def := h.publishedDefinition(t, "notify-owner", []*models.Step{
		startStep("start", to("notify")),
		step("notify", models.StepTypeNotification, map[string]interface{}{
			"channel":          "Email",
			"recipients":       []string{"{{ownerEmail}}"},
			"subject_template": "Deal {{dealName}} updated",
			"body_template":    "Amount is now {{amount}}",
		}, to("end")),
		step("end", models.StepTypeEnd, nil),
	})

	inst, err := h.engine.StartInstance(ctx, StartOptions{
		DefinitionID: def.ID,
		EntityType:   "Deal",
		EntityID:     "d-11",
		InitialContext: map[string]interface{}{
			"ownerEmail": "owner@example.com",
			"dealName":   "Acme",
			"amount":     750.0,
		},
	})
	require.NoError(t, err)
	h.drain(t)

	final, err := h.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)

	require.Len(t, h.notifier.sent, 1)
	sent := h.notifier.sent[0]
	assert.Equal(t, "Email", sent.Channel)
	assert.Equal(t, []string{"owner@example.com"}, sent.Recipients)
	assert.Equal(t, "Deal Acme updated", sent.Subject)
	assert.Equal(t, "Amount is now 750", sent.Body)
	assert.Equal(t, 1, h.events.countType(inst.ID, models.EventNotificationSent))
}

package services

import (
	"context"
	"sort"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
)

const defaultMonitorLimit = 50

// InstanceDetail aggregates everything an operator needs to inspect one
// instance: state, audit trail, context, open and closed tasks, and queue
// entries.
type InstanceDetail struct {
	Instance *models.WorkflowInstance  `json:"instance"`
	Events   []*models.WorkflowEvent   `json:"events"`
	Context  []*models.ContextVariable `json:"context"`
	Tasks    []*models.WorkflowTask    `json:"tasks"`
}

// ReplayReport compares stored instance state against the state implied by
// the event log
type ReplayReport struct {
	InstanceID string               `json:"instance_id"`
	Stored     models.ReplayedState `json:"stored"`
	Replayed   models.ReplayedState `json:"replayed"`
	Consistent bool                 `json:"consistent"`
	EventCount int                  `json:"event_count"`
}

// MonitorService serves the read-only operations dashboard
type MonitorService struct {
	instances   ports.InstanceStore
	events      ports.EventStore
	contextVars ports.ContextStore
	tasks       ports.TaskStore
	jobs        ports.JobQueue
}

// NewMonitorService creates a new MonitorService
func NewMonitorService(
	instances ports.InstanceStore,
	events ports.EventStore,
	contextVars ports.ContextStore,
	tasks ports.TaskStore,
	jobs ports.JobQueue,
) *MonitorService {
	return &MonitorService{
		instances:   instances,
		events:      events,
		contextVars: contextVars,
		tasks:       tasks,
		jobs:        jobs,
	}
}

// ListInstances returns instances matching the filter
func (s *MonitorService) ListInstances(ctx context.Context, filter ports.InstanceFilter) ([]*models.WorkflowInstance, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultMonitorLimit
	}
	return s.instances.List(ctx, filter)
}

// GetInstanceDetail returns the full picture of one instance
func (s *MonitorService) GetInstanceDetail(ctx context.Context, instanceID string) (*InstanceDetail, error) {
	inst, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	vars, err := s.contextVars.ForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.ForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &InstanceDetail{Instance: inst, Events: events, Context: vars, Tasks: tasks}, nil
}

// GetEvents returns the ordered audit trail of an instance
func (s *MonitorService) GetEvents(ctx context.Context, instanceID string) ([]*models.WorkflowEvent, error) {
	if _, err := s.instances.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.events.ForInstance(ctx, instanceID)
}

// Replay folds the instance's event stream back into state and compares it
// with what is stored. A divergence means an execution bug, not bad data.
func (s *MonitorService) Replay(ctx context.Context, instanceID string) (*ReplayReport, error) {
	inst, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	replayed := models.ReplayInstance(events)
	stored := models.ReplayedState{
		Status:         inst.Status,
		CurrentStepKey: inst.CurrentStepKey,
		ActiveStepKeys: inst.ActiveStepKeys,
	}
	return &ReplayReport{
		InstanceID: instanceID,
		Stored:     stored,
		Replayed:   replayed,
		Consistent: statesMatch(stored, replayed),
		EventCount: len(events),
	}, nil
}

// ListDeadLetters returns jobs that exhausted their retry budget
func (s *MonitorService) ListDeadLetters(ctx context.Context, limit int) ([]*models.WorkflowJob, error) {
	if limit <= 0 {
		limit = defaultMonitorLimit
	}
	return s.jobs.List(ctx, models.JobStatusDeadLetter, limit)
}

// GetJob returns a single queue entry
func (s *MonitorService) GetJob(ctx context.Context, jobID string) (*models.WorkflowJob, error) {
	return s.jobs.Get(ctx, jobID)
}

func statesMatch(a, b models.ReplayedState) bool {
	if a.Status != b.Status {
		return false
	}
	keyOf := func(k *string) string {
		if k == nil {
			return ""
		}
		return *k
	}
	if keyOf(a.CurrentStepKey) != keyOf(b.CurrentStepKey) {
		return false
	}
	as := append([]string(nil), a.ActiveStepKeys...)
	bs := append([]string(nil), b.ActiveStepKeys...)
	sort.Strings(as)
	sort.Strings(bs)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

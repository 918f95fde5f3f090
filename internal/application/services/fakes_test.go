package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	"github.com/pulsecrm/engine/internal/infrastructure/directory"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
	"github.com/pulsecrm/engine/pkg/expression"
	"github.com/pulsecrm/engine/pkg/secrets"
	"github.com/pulsecrm/engine/pkg/utils"
)

// ----------------------------------------------------------------------------
// Clock
// ----------------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ----------------------------------------------------------------------------
// Stores
// ----------------------------------------------------------------------------

type fakeDefinitionStore struct {
	mu       sync.Mutex
	defs     map[string]*models.WorkflowDefinition
	versions map[string][]*models.WorkflowDefinitionVersion
}

func newFakeDefinitionStore() *fakeDefinitionStore {
	return &fakeDefinitionStore{
		defs:     map[string]*models.WorkflowDefinition{},
		versions: map[string][]*models.WorkflowDefinitionVersion{},
	}
}

func (s *fakeDefinitionStore) Create(ctx context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.ID == "" {
		def.ID = utils.GenerateID()
	}
	if def.VersionNumber == 0 {
		def.VersionNumber = 1
	}
	cp := *def
	s.defs[def.ID] = &cp
	return nil
}

func (s *fakeDefinitionStore) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("WorkflowDefinition", id)
	}
	cp := *def
	return &cp, nil
}

func (s *fakeDefinitionStore) Update(ctx context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.ID]; !ok {
		return apperrors.NewNotFoundError("WorkflowDefinition", def.ID)
	}
	def.VersionNumber++
	cp := *def
	s.defs[def.ID] = &cp
	return nil
}

func (s *fakeDefinitionStore) List(ctx context.Context, status string) ([]*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowDefinition
	for _, def := range s.defs {
		if status != "" && def.Status != status {
			continue
		}
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeDefinitionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, id)
	return nil
}

func (s *fakeDefinitionStore) SaveVersion(ctx context.Context, v *models.WorkflowDefinitionVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = utils.GenerateID()
	}
	cp := *v
	s.versions[v.DefinitionID] = append(s.versions[v.DefinitionID], &cp)
	return nil
}

func (s *fakeDefinitionStore) ListVersions(ctx context.Context, definitionID string) ([]*models.WorkflowDefinitionVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.WorkflowDefinitionVersion, len(s.versions[definitionID]))
	copy(out, s.versions[definitionID])
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

type fakeInstanceStore struct {
	mu sync.Mutex
	m  map[string]*models.WorkflowInstance
	// When positive, the next Update calls fail with a concurrency conflict
	// without applying, decrementing per call.
	conflictNextUpdates int
}

func newFakeInstanceStore() *fakeInstanceStore {
	return &fakeInstanceStore{m: map[string]*models.WorkflowInstance{}}
}

func copyInstance(inst *models.WorkflowInstance) *models.WorkflowInstance {
	cp := *inst
	cp.ActiveStepKeys = append([]string(nil), inst.ActiveStepKeys...)
	if inst.JoinStates != nil {
		cp.JoinStates = make(map[string]*models.JoinState, len(inst.JoinStates))
		for key, state := range inst.JoinStates {
			cp.JoinStates[key] = &models.JoinState{
				Arrivals: append([]string(nil), state.Arrivals...),
				Fired:    state.Fired,
			}
		}
	}
	return &cp
}

func (s *fakeInstanceStore) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.ID == "" {
		inst.ID = utils.GenerateID()
	}
	inst.LockVersion = 0
	s.m[inst.ID] = copyInstance(inst)
	return nil
}

func (s *fakeInstanceStore) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.m[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("WorkflowInstance", id)
	}
	return copyInstance(inst), nil
}

func (s *fakeInstanceStore) Update(ctx context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.m[inst.ID]
	if !ok {
		return apperrors.NewNotFoundError("WorkflowInstance", inst.ID)
	}
	if s.conflictNextUpdates > 0 {
		s.conflictNextUpdates--
		return apperrors.NewConcurrencyConflict("WorkflowInstance", inst.ID)
	}
	if stored.LockVersion != inst.LockVersion {
		return apperrors.NewConcurrencyConflict("WorkflowInstance", inst.ID)
	}
	inst.LockVersion++
	s.m[inst.ID] = copyInstance(inst)
	return nil
}

func (s *fakeInstanceStore) List(ctx context.Context, filter ports.InstanceFilter) ([]*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowInstance
	for _, inst := range s.m {
		if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.EntityType != "" && inst.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && inst.EntityID != filter.EntityID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *fakeInstanceStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, inst := range s.m {
		if inst.IsTerminal() && inst.CompletedAt != nil && inst.CompletedAt.Before(cutoff) {
			ids = append(ids, inst.ID)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *fakeInstanceStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
	return nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []*models.WorkflowEvent
	seq    int64
}

func newFakeEventStore() *fakeEventStore { return &fakeEventStore{} }

func (s *fakeEventStore) Append(ctx context.Context, event *models.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = utils.GenerateID()
	}
	s.seq++
	event.Sequence = s.seq
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *fakeEventStore) ForInstance(ctx context.Context, instanceID string) ([]*models.WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowEvent
	for _, e := range s.events {
		if e.InstanceID == instanceID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// typesFor returns the ordered event types recorded for an instance,
// optionally filtered to the given step
func (s *fakeEventStore) typesFor(instanceID string, stepKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.InstanceID != instanceID {
			continue
		}
		if stepKey != "" && (e.StepKey == nil || *e.StepKey != stepKey) {
			continue
		}
		out = append(out, string(e.EventType))
	}
	return out
}

func (s *fakeEventStore) countType(instanceID string, eventType models.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.InstanceID == instanceID && e.EventType == eventType {
			n++
		}
	}
	return n
}

type fakeContextStore struct {
	mu sync.Mutex
	m  map[string]map[string]*models.ContextVariable
}

func newFakeContextStore() *fakeContextStore {
	return &fakeContextStore{m: map[string]map[string]*models.ContextVariable{}}
}

func (s *fakeContextStore) Set(ctx context.Context, v *models.ContextVariable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = utils.GenerateID()
	}
	if s.m[v.InstanceID] == nil {
		s.m[v.InstanceID] = map[string]*models.ContextVariable{}
	}
	cp := *v
	s.m[v.InstanceID][v.Key] = &cp
	return nil
}

func (s *fakeContextStore) Get(ctx context.Context, instanceID, key string) (*models.ContextVariable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[instanceID][key]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *fakeContextStore) ForInstance(ctx context.Context, instanceID string) ([]*models.ContextVariable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ContextVariable
	for _, v := range s.m[instanceID] {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type fakeTaskStore struct {
	mu sync.Mutex
	m  map[string]*models.WorkflowTask
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{m: map[string]*models.WorkflowTask{}}
}

func (s *fakeTaskStore) Create(ctx context.Context, task *models.WorkflowTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = utils.GenerateID()
	}
	cp := *task
	s.m[task.ID] = &cp
	return nil
}

func (s *fakeTaskStore) Get(ctx context.Context, id string) (*models.WorkflowTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.m[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("WorkflowTask", id)
	}
	cp := *task
	return &cp, nil
}

func (s *fakeTaskStore) Update(ctx context.Context, task *models.WorkflowTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[task.ID]; !ok {
		return apperrors.NewNotFoundError("WorkflowTask", task.ID)
	}
	cp := *task
	s.m[task.ID] = &cp
	return nil
}

func (s *fakeTaskStore) ClaimPending(ctx context.Context, taskID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.m[taskID]
	if !ok || task.Status != models.TaskStatusPending {
		return false, nil
	}
	task.Status = models.TaskStatusInProgress
	task.ClaimedByID = &userID
	task.ClaimedAt = &at
	return true, nil
}

func (s *fakeTaskStore) ListByAssignee(ctx context.Context, userID string, limit int) ([]*models.WorkflowTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowTask
	for _, task := range s.m {
		open := task.Status == models.TaskStatusPending || task.Status == models.TaskStatusInProgress || task.Status == models.TaskStatusEscalated
		if !open {
			continue
		}
		assigned := task.AssignedTo != nil && *task.AssignedTo == userID
		claimed := task.ClaimedByID != nil && *task.ClaimedByID == userID
		if assigned || claimed {
			cp := *task
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeTaskStore) ListOverdue(ctx context.Context, now time.Time, maxLevel int, limit int) ([]*models.WorkflowTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowTask
	for _, task := range s.m {
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusEscalated:
		default:
			continue
		}
		if task.DueAt == nil || !task.DueAt.Before(now) || task.EscalationLevel >= maxLevel {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeTaskStore) ForInstance(ctx context.Context, instanceID string) ([]*models.WorkflowTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowTask
	for _, task := range s.m {
		if task.InstanceID == instanceID {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeTaskStore) firstOpen(instanceID string) *models.WorkflowTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.m {
		if task.InstanceID == instanceID &&
			(task.Status == models.TaskStatusPending || task.Status == models.TaskStatusInProgress || task.Status == models.TaskStatusEscalated) {
			cp := *task
			return &cp
		}
	}
	return nil
}

type fakeCredentialStore struct {
	mu sync.Mutex
	m  map[string]*models.ApiCredential
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{m: map[string]*models.ApiCredential{}}
}

func (s *fakeCredentialStore) Create(ctx context.Context, c *models.ApiCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = utils.GenerateID()
	}
	cp := *c
	s.m[c.Name] = &cp
	return nil
}

func (s *fakeCredentialStore) GetByName(ctx context.Context, name string) (*models.ApiCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[name]
	if !ok {
		return nil, apperrors.NewNotFoundError("ApiCredential", name)
	}
	cp := *c
	return &cp, nil
}

func (s *fakeCredentialStore) List(ctx context.Context) ([]*models.ApiCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ApiCredential
	for _, c := range s.m {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fakeCredentialStore) Update(ctx context.Context, c *models.ApiCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.m[c.Name] = &cp
	return nil
}

func (s *fakeCredentialStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.m {
		if c.ID == id {
			delete(s.m, name)
			return nil
		}
	}
	return apperrors.NewNotFoundError("ApiCredential", id)
}

type fakeScheduleStore struct {
	mu sync.Mutex
	m  map[string]*models.WorkflowSchedule
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{m: map[string]*models.WorkflowSchedule{}}
}

func (s *fakeScheduleStore) Create(ctx context.Context, sched *models.WorkflowSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched.ID == "" {
		sched.ID = utils.GenerateID()
	}
	cp := *sched
	s.m[sched.ID] = &cp
	return nil
}

func (s *fakeScheduleStore) Get(ctx context.Context, id string) (*models.WorkflowSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.m[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("WorkflowSchedule", id)
	}
	cp := *sched
	return &cp, nil
}

func (s *fakeScheduleStore) Update(ctx context.Context, sched *models.WorkflowSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[sched.ID]; !ok {
		return apperrors.NewNotFoundError("WorkflowSchedule", sched.ID)
	}
	cp := *sched
	s.m[sched.ID] = &cp
	return nil
}

func (s *fakeScheduleStore) List(ctx context.Context, enabledOnly bool) ([]*models.WorkflowSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowSchedule
	for _, sched := range s.m {
		if enabledOnly && !sched.IsEnabled {
			continue
		}
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeScheduleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
	return nil
}

func (s *fakeScheduleStore) ClaimDue(ctx context.Context, scheduleID string, now, nextFire time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.m[scheduleID]
	if !ok || !sched.IsEnabled {
		return false, nil
	}
	if sched.NextTriggerAt == nil || sched.NextTriggerAt.After(now) {
		return false, nil
	}
	sched.LastTriggeredAt = &now
	nf := nextFire
	sched.NextTriggerAt = &nf
	sched.ExecutionCount++
	return true, nil
}

// ----------------------------------------------------------------------------
// Queue
// ----------------------------------------------------------------------------

const (
	fakeBackoffBase = 5 * time.Second
	fakeBackoffCap  = 15 * time.Minute
	fakeLease       = 5 * time.Minute
)

type fakeJobQueue struct {
	mu    sync.Mutex
	clock ports.Clock
	jobs  []*models.WorkflowJob
}

func newFakeJobQueue(clock ports.Clock) *fakeJobQueue {
	return &fakeJobQueue{clock: clock}
}

func (q *fakeJobQueue) Enqueue(ctx context.Context, job *models.WorkflowJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.ID == "" {
		job.ID = utils.GenerateID()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultJobMaxAttempts
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = q.clock.Now()
	}
	if job.Payload == "" {
		job.Payload = "{}"
	}
	cp := *job
	q.jobs = append(q.jobs, &cp)
	return nil
}

func (q *fakeJobQueue) Lease(ctx context.Context, workerID string, jobTypes []string, limit int) ([]*models.WorkflowJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()

	var candidates []*models.WorkflowJob
	for _, job := range q.jobs {
		if !containsFold(jobTypes, job.JobType) {
			continue
		}
		leasable := (job.Status == models.JobStatusPending && !job.ScheduledAt.After(now) &&
			(job.VisibilityTimeoutAt == nil || job.VisibilityTimeoutAt.Before(now))) ||
			(job.Status == models.JobStatusProcessing && job.VisibilityTimeoutAt != nil && job.VisibilityTimeoutAt.Before(now))
		if leasable {
			candidates = append(candidates, job)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	expiry := now.Add(fakeLease)
	var leased []*models.WorkflowJob
	for _, job := range candidates {
		job.Status = models.JobStatusProcessing
		job.ProcessingWorkerID = &workerID
		vt := expiry
		job.VisibilityTimeoutAt = &vt
		cp := *job
		leased = append(leased, &cp)
	}
	return leased, nil
}

func (q *fakeJobQueue) Complete(ctx context.Context, jobID string, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.find(jobID)
	if job == nil || job.Status != models.JobStatusProcessing {
		return nil
	}
	job.Status = models.JobStatusCompleted
	job.VisibilityTimeoutAt = nil
	if result != "" {
		job.Payload = result
	}
	return nil
}

func (q *fakeJobQueue) Fail(ctx context.Context, jobID string, errMsg string, retry bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.find(jobID)
	if job == nil || job.Status != models.JobStatusProcessing {
		return false, nil
	}
	job.AttemptCount++
	job.LastError = &errMsg
	job.VisibilityTimeoutAt = nil
	job.ProcessingWorkerID = nil
	if retry && job.AttemptCount < job.MaxAttempts {
		base := fakeBackoffBase
		exponential := true
		if job.BackoffSeconds > 0 {
			base = time.Duration(job.BackoffSeconds) * time.Second
			exponential = job.BackoffExponential
		}
		delay := base
		if exponential {
			delay = base << uint(job.AttemptCount)
		}
		if delay > fakeBackoffCap {
			delay = fakeBackoffCap
		}
		job.Status = models.JobStatusPending
		job.ScheduledAt = q.clock.Now().Add(delay)
		return false, nil
	}
	job.Status = models.JobStatusDeadLetter
	return true, nil
}

func (q *fakeJobQueue) Heartbeat(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.find(jobID)
	if job == nil || job.Status != models.JobStatusProcessing {
		return apperrors.NewNotFoundError("WorkflowJob", jobID)
	}
	vt := q.clock.Now().Add(fakeLease)
	job.VisibilityTimeoutAt = &vt
	return nil
}

func (q *fakeJobQueue) CancelForInstance(ctx context.Context, instanceID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, job := range q.jobs {
		if job.InstanceID != nil && *job.InstanceID == instanceID && job.Status == models.JobStatusPending {
			job.Status = models.JobStatusCancelled
			n++
		}
	}
	return n, nil
}

func (q *fakeJobQueue) Get(ctx context.Context, jobID string) (*models.WorkflowJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.find(jobID)
	if job == nil {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (q *fakeJobQueue) List(ctx context.Context, status string, limit int) ([]*models.WorkflowJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.WorkflowJob
	for _, job := range q.jobs {
		if job.Status == status {
			cp := *job
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *fakeJobQueue) HasActive(ctx context.Context, jobType string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.JobType == jobType &&
			(job.Status == models.JobStatusPending || job.Status == models.JobStatusProcessing) {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeJobQueue) find(jobID string) *models.WorkflowJob {
	for _, job := range q.jobs {
		if job.ID == jobID {
			return job
		}
	}
	return nil
}

func (q *fakeJobQueue) countStatus(status string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.jobs {
		if job.Status == status {
			n++
		}
	}
	return n
}

// takeFor leases the single due Pending job for a step key, letting tests fix
// the interleaving of parallel branches instead of taking queue order.
func (q *fakeJobQueue) takeFor(workerID, stepKey string) *models.WorkflowJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for _, job := range q.jobs {
		if job.Status != models.JobStatusPending || job.ScheduledAt.After(now) {
			continue
		}
		if job.StepKey == nil || *job.StepKey != stepKey {
			continue
		}
		job.Status = models.JobStatusProcessing
		job.ProcessingWorkerID = &workerID
		vt := now.Add(fakeLease)
		job.VisibilityTimeoutAt = &vt
		cp := *job
		return &cp
	}
	return nil
}

// earliestPending returns the soonest ScheduledAt among runnable jobs, or zero
func (q *fakeJobQueue) earliestPending() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	var earliest time.Time
	for _, job := range q.jobs {
		if job.Status != models.JobStatusPending {
			continue
		}
		if earliest.IsZero() || job.ScheduledAt.Before(earliest) {
			earliest = job.ScheduledAt
		}
	}
	return earliest
}

// ----------------------------------------------------------------------------
// Collaborators
// ----------------------------------------------------------------------------

type scriptedCall struct {
	resp ports.ApiResponse
	err  error
}

type fakeCaller struct {
	mu       sync.Mutex
	script   []scriptedCall
	requests []ports.ApiRequest
}

func (c *fakeCaller) Do(ctx context.Context, req *ports.ApiRequest) (*ports.ApiResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, *req)
	if len(c.script) == 0 {
		return &ports.ApiResponse{StatusCode: 200, Body: "{}"}, nil
	}
	call := c.script[0]
	c.script = c.script[1:]
	if call.err != nil {
		return nil, call.err
	}
	resp := call.resp
	return &resp, nil
}

type sentNotification struct {
	Channel    string
	Recipients []string
	Subject    string
	Body       string
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *captureNotifier) Send(ctx context.Context, channel string, recipients []string, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotification{channel, recipients, subject, body})
	return nil
}

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

type engineHarness struct {
	clock     *fakeClock
	defs      *fakeDefinitionStore
	instances *fakeInstanceStore
	events    *fakeEventStore
	vars      *fakeContextStore
	taskStore *fakeTaskStore
	creds     *fakeCredentialStore
	queue     *fakeJobQueue
	caller    *fakeCaller
	notifier  *captureNotifier
	dir       *directory.StaticDirectory

	engine   *EngineService
	tasks    *TaskService
	apiCalls *ApiCallService
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	clock := newFakeClock()
	h := &engineHarness{
		clock:     clock,
		defs:      newFakeDefinitionStore(),
		instances: newFakeInstanceStore(),
		events:    newFakeEventStore(),
		vars:      newFakeContextStore(),
		taskStore: newFakeTaskStore(),
		creds:     newFakeCredentialStore(),
		queue:     newFakeJobQueue(clock),
		caller:    &fakeCaller{},
		notifier:  &captureNotifier{},
		dir:       directory.NewStaticDirectory(),
	}

	engine := expression.NewEngine()
	encryptor, err := secrets.NewEncryptor("test-passphrase")
	require.NoError(t, err)

	h.tasks = NewTaskService(h.taskStore, h.instances, h.defs, h.events, h.vars,
		h.queue, h.dir, engine, clock)
	h.apiCalls = NewApiCallService(h.creds, h.events, h.vars, h.caller, engine,
		engine, encryptor, clock)
	notifications := NewNotificationService(h.queue, h.events, h.notifier, engine, clock)
	h.engine = NewEngineService(h.defs, h.instances, h.events, h.vars, h.queue,
		engine, clock, h.tasks, h.apiCalls, notifications)
	return h
}

// drain processes every currently due job the way the worker pool does,
// including retry classification and dead-letter propagation. Jobs scheduled
// in the future stay queued; advance the clock and drain again to run them.
func (h *engineHarness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		jobs, err := h.queue.Lease(ctx, "test-worker", workerJobTypes, 10)
		require.NoError(t, err)
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			err := h.engine.HandleJob(ctx, job)
			if err == nil {
				require.NoError(t, h.queue.Complete(ctx, job.ID, ""))
				continue
			}
			retry := !apperrors.IsConfiguration(err) && !apperrors.IsValidation(err)
			deadLettered, failErr := h.queue.Fail(ctx, job.ID, err.Error(), retry)
			require.NoError(t, failErr)
			if deadLettered {
				h.engine.OnJobDeadLettered(ctx, job, err.Error())
			}
		}
	}
	t.Fatal("queue did not drain after 200 iterations")
}

// runJobFor executes the due job for one step key, mirroring a single worker
// dispatch
func (h *engineHarness) runJobFor(t *testing.T, stepKey string) {
	t.Helper()
	ctx := context.Background()
	job := h.queue.takeFor("test-worker", stepKey)
	require.NotNil(t, job, "no due job for step %s", stepKey)
	require.NoError(t, h.engine.HandleJob(ctx, job))
	require.NoError(t, h.queue.Complete(ctx, job.ID, ""))
}

// drainAll drains, then repeatedly jumps the clock to the next scheduled job
// and drains again, so retry backoffs and delays elapse. Bounded by hops.
func (h *engineHarness) drainAll(t *testing.T, hops int) {
	t.Helper()
	h.drain(t)
	for i := 0; i < hops; i++ {
		next := h.queue.earliestPending()
		if next.IsZero() {
			return
		}
		if d := next.Sub(h.clock.Now()); d > 0 {
			h.clock.Advance(d)
		}
		h.drain(t)
	}
}

// publishedDefinition stores a Published definition built from steps
func (h *engineHarness) publishedDefinition(t *testing.T, name string, steps []*models.Step) *models.WorkflowDefinition {
	t.Helper()
	def := &models.WorkflowDefinition{
		Name:        name,
		Status:      models.DefinitionStatusPublished,
		TriggerType: models.TriggerTypeManual,
		Steps:       steps,
	}
	require.NoError(t, def.Validate())
	require.NoError(t, h.defs.Create(context.Background(), def))
	return def
}

func (h *engineHarness) contextValue(t *testing.T, instanceID, key string) string {
	t.Helper()
	v, err := h.vars.Get(context.Background(), instanceID, key)
	require.NoError(t, err)
	if v == nil {
		return ""
	}
	return strings.Trim(v.Value, `"`)
}

func step(key, stepType string, cfg map[string]interface{}, transitions ...models.Transition) *models.Step {
	return &models.Step{
		StepKey:       key,
		Name:          key,
		StepType:      stepType,
		Configuration: cfg,
		Transitions:   transitions,
	}
}

func startStep(key string, transitions ...models.Transition) *models.Step {
	s := step(key, models.StepTypeStart, nil, transitions...)
	s.IsStartStep = true
	return s
}

func to(target string) models.Transition {
	return models.Transition{TargetStepKey: target, IsDefault: true}
}

func serverError() ports.ApiResponse {
	return ports.ApiResponse{StatusCode: 500, Body: "upstream down"}
}

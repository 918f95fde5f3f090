package services

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
)

const (
	defaultWorkerCount     = 4
	defaultLeaseBatchSize  = 10
	defaultPollInterval    = 1 * time.Second
	defaultHeartbeatPeriod = 30 * time.Second
)

// workerJobTypes lists every job type the pool dispatches. A job type absent
// here would sit Pending forever, so the list covers the full enum.
var workerJobTypes = []string{
	models.JobTypeExecuteStep,
	models.JobTypeCheckTimeout,
	models.JobTypeSendNotification,
	models.JobTypeCleanupInstances,
	models.JobTypeProcessEscalation,
	models.JobTypeExecuteApiCall,
	models.JobTypeEvaluateCondition,
}

// WorkerPool drives the job queue: each worker loops lease, process,
// complete-or-fail. Error classification decides retries: configuration and
// validation errors dead-letter immediately, everything else consumes one
// attempt from the job's budget.
type WorkerPool struct {
	queue    ports.JobQueue
	engine   *EngineService
	workerID string
	workers  int
	batch    int
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new WorkerPool. workerID must be unique per
// process; it brands every lease this pool takes.
func NewWorkerPool(queue ports.JobQueue, engine *EngineService, workerID string) *WorkerPool {
	return &WorkerPool{
		queue:    queue,
		engine:   engine,
		workerID: workerID,
		workers:  defaultWorkerCount,
		batch:    defaultLeaseBatchSize,
		interval: defaultPollInterval,
		stopCh:   make(chan struct{}),
	}
}

// SetWorkers overrides the worker goroutine count
func (p *WorkerPool) SetWorkers(n int) {
	if n > 0 {
		p.workers = n
	}
}

// SetPollInterval overrides the idle poll interval, mainly for tests
func (p *WorkerPool) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// Start launches the worker goroutines
func (p *WorkerPool) Start() {
	log.Printf("🔄 [Worker] Starting %d workers (id=%s)", p.workers, p.workerID)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

// Stop signals all workers and waits for in-flight jobs to finish
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	log.Printf("🔄 [Worker] All workers stopped (id=%s)", p.workerID)
}

func (p *WorkerPool) runWorker(n int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("%s-%d", p.workerID, n)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		processed := p.drainOnce(workerID)
		if processed == 0 {
			select {
			case <-time.After(p.interval):
			case <-p.stopCh:
				return
			}
		}
	}
}

// drainOnce leases one batch and processes it, returning the job count
func (p *WorkerPool) drainOnce(workerID string) int {
	ctx := context.Background()
	jobs, err := p.queue.Lease(ctx, workerID, workerJobTypes, p.batch)
	if err != nil {
		log.Printf("⚠️ [Worker] %s failed to lease jobs: %v", workerID, err)
		return 0
	}
	for _, job := range jobs {
		p.processJob(ctx, job)
	}
	return len(jobs)
}

// processJob runs one leased job to completion or failure. Panics never
// escape the job boundary.
func (p *WorkerPool) processJob(ctx context.Context, job *models.WorkflowJob) {
	done := make(chan struct{})
	go p.heartbeat(ctx, job.ID, done)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Printf("❌ [Worker] Panic processing job %s (%s): %v\n%s", job.ID, job.JobType, r, debug.Stack())
			}
		}()
		err = p.engine.HandleJob(ctx, job)
	}()
	close(done)

	if err == nil {
		if cerr := p.queue.Complete(ctx, job.ID, ""); cerr != nil {
			log.Printf("⚠️ [Worker] Failed to complete job %s: %v", job.ID, cerr)
		}
		return
	}

	retry := !apperrors.IsConfiguration(err) && !apperrors.IsValidation(err)
	deadLettered, ferr := p.queue.Fail(ctx, job.ID, err.Error(), retry)
	if ferr != nil {
		log.Printf("⚠️ [Worker] Failed to record failure for job %s: %v", job.ID, ferr)
		return
	}
	if deadLettered {
		p.engine.OnJobDeadLettered(ctx, job, err.Error())
	}
}

// heartbeat extends the job's lease while a long step runs
func (p *WorkerPool) heartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(defaultHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, jobID); err != nil {
				log.Printf("⚠️ [Worker] Heartbeat lost for job %s: %v", jobID, err)
				return
			}
		}
	}
}

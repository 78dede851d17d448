// Package queue implements the bounded-concurrency, priority-ordered
// processing job queue with retry-with-delay and stall recovery. Job
// lifecycle transitions are announced on the event bus; processing failures
// are never surfaced to a blocking caller.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mediad/internal/mediad/domain"
	"mediad/internal/mediad/events"
	"mediad/pkg/config"
	"mediad/pkg/errors"
	"mediad/pkg/logger"
)

var (
	jobsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediad_queue_jobs_dispatched_total",
		Help: "Job dispatch attempts by enrichment type",
	}, []string{"type"})

	jobsRetriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediad_queue_jobs_retried_total",
		Help: "Jobs returned to pending after a transient failure",
	})

	jobsStalledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediad_queue_jobs_stalled_total",
		Help: "Processing jobs reset to pending by the stall sweep",
	})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediad_queue_jobs_in_flight",
		Help: "Jobs currently in processing",
	})
)

// Processor executes one enrichment job and returns an opaque result. A
// returned error counts as a transient failure until the job's retry budget
// is exhausted.
type Processor func(ctx context.Context, job *domain.Job) (string, error)

// AddOptions tunes a single enqueued job.
type AddOptions struct {
	Priority    int
	MaxAttempts int // 0 selects the configured default
	Data        map[string]string
}

// Stats reports queue occupancy by status for operational visibility.
type Stats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// attemptKey identifies one dispatch attempt of one job.
type attemptKey struct {
	jobID   string
	attempt int
}

// Queue owns the job map exclusively: jobs are created via Add and mutated
// only by the dispatch loop and the stall sweep, both under the queue mutex.
type Queue struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	processors map[domain.JobType]Processor
	inFlight   int
	reclaimed  map[attemptKey]struct{}
	running    bool

	cfg    config.QueueConfig
	bus    *events.Bus
	logger *logger.Logger

	cancel context.CancelFunc
}

// New creates a stopped queue; call Start to begin dispatching.
func New(cfg config.QueueConfig, bus *events.Bus) *Queue {
	return &Queue{
		jobs:       make(map[string]*domain.Job),
		processors: make(map[domain.JobType]Processor),
		reclaimed:  make(map[attemptKey]struct{}),
		cfg:        cfg,
		bus:        bus,
		logger:     logger.WithField("component", "job-queue"),
	}
}

// RegisterProcessor associates an enrichment kind with its handler. Jobs of
// an unregistered kind fail immediately at dispatch time.
func (q *Queue) RegisterProcessor(jobType domain.JobType, proc Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.processors[jobType] = proc
	q.logger.Debug("processor registered", "type", string(jobType))
}

// Add enqueues a pending job and, if the queue is running, triggers an
// immediate dispatch attempt.
func (q *Queue) Add(jobType domain.JobType, resourceID, owner string, opts AddOptions) (*domain.Job, error) {
	if !domain.ValidJobType(jobType) {
		return nil, errors.Validationf("unknown job type %q", jobType)
	}
	if resourceID == "" {
		return nil, errors.Validationf("resource id is required")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		ResourceID:  resourceID,
		Owner:       owner,
		Priority:    opts.Priority,
		Status:      domain.StatusPending,
		MaxAttempts: maxAttempts,
		Data:        opts.Data,
		CreatedAt:   time.Now(),
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	jobCopy := job.DeepCopy()
	q.mu.Unlock()

	q.logger.Debug("job enqueued", "jobId", job.ID, "type", string(jobType),
		"resourceId", resourceID, "priority", opts.Priority, "maxAttempts", maxAttempts)

	q.emit(domain.EventJobEnqueued, jobCopy, 0)
	q.dispatch()

	return jobCopy, nil
}

// Start activates the dispatch loop and the stall sweep. Starting an already
// running queue is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true

	sweepCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.mu.Unlock()

	go q.sweepLoop(sweepCtx)

	q.logger.Info("queue started", "maxConcurrent", q.cfg.MaxConcurrent,
		"retryDelay", q.cfg.RetryDelay, "stallTimeout", q.cfg.StallTimeout)

	q.dispatch()
}

// Stop deactivates dispatching and the stall sweep. Queued state is
// retained; in-flight handlers are allowed to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.logger.Info("queue stopped")
}

func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.StallSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.RecoverStalled(time.Now())
			// periodic dispatch also doubles as the retry-delay wakeup
			q.dispatch()
		}
	}
}

// dispatch fills free worker slots with the best ready pending jobs. The
// in-flight count is checked immediately before a job is marked processing,
// under the same lock that protects the job map, so the concurrency cap can
// never be exceeded.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if !q.running || q.inFlight >= q.cfg.MaxConcurrent {
			q.mu.Unlock()
			return
		}

		job := q.nextReadyLocked(time.Now())
		if job == nil {
			q.mu.Unlock()
			return
		}

		proc, registered := q.processors[job.Type]
		if !registered {
			job.FailPermanently(fmt.Sprintf("no processor registered for job type %s", job.Type))
			jobCopy := job.DeepCopy()
			q.mu.Unlock()

			q.logger.Error("job failed: no processor registered", "jobId", jobCopy.ID, "type", string(jobCopy.Type))
			q.emit(domain.EventJobFailed, jobCopy, 0)
			continue
		}

		if err := job.MarkProcessing(time.Now()); err != nil {
			// should not happen: nextReadyLocked only returns pending jobs
			q.mu.Unlock()
			q.logger.Error("dispatch skipped job in unexpected state", "jobId", job.ID, "error", err)
			continue
		}
		q.inFlight++
		attempt := job.Attempts
		jobCopy := job.DeepCopy()
		q.mu.Unlock()

		jobsInFlight.Set(float64(q.currentInFlight()))
		jobsDispatchedTotal.WithLabelValues(string(jobCopy.Type)).Inc()

		q.logger.Debug("job dispatched", "jobId", jobCopy.ID, "type", string(jobCopy.Type), "attempt", attempt)
		q.emit(domain.EventJobStarted, jobCopy, 0)

		go q.runJob(jobCopy.ID, attempt, proc)
	}
}

func (q *Queue) currentInFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// nextReadyLocked picks the pending job with the highest priority, breaking
// ties by oldest creation time, skipping jobs still waiting out their retry
// delay. Must be called with q.mu held.
func (q *Queue) nextReadyLocked(now time.Time) *domain.Job {
	var best *domain.Job
	for _, job := range q.jobs {
		if !job.ReadyForDispatch(now) {
			continue
		}
		if best == nil || job.Priority > best.Priority ||
			(job.Priority == best.Priority && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}
	return best
}

// releaseSlotLocked frees the concurrency slot held by one dispatch attempt.
// If the stall sweep already released the slot when it reclaimed the attempt,
// only the bookkeeping entry is dropped, so each slot is freed exactly once.
// Must be called with q.mu held.
func (q *Queue) releaseSlotLocked(jobID string, attempt int) {
	key := attemptKey{jobID: jobID, attempt: attempt}
	if _, reclaimedBefore := q.reclaimed[key]; reclaimedBefore {
		delete(q.reclaimed, key)
		return
	}
	q.inFlight--
}

// runJob executes one attempt of a job in its own goroutine. The attempt
// number guards against the stall sweep having reclaimed the job while the
// handler was still running: a late result from a reclaimed attempt is
// discarded.
func (q *Queue) runJob(jobID string, attempt int, proc Processor) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.releaseSlotLocked(jobID, attempt)
		q.mu.Unlock()
		return
	}
	jobCopy := job.DeepCopy()
	q.mu.Unlock()

	result, err := q.invoke(proc, jobCopy)

	q.mu.Lock()
	q.releaseSlotLocked(jobID, attempt)
	job, ok = q.jobs[jobID]
	if !ok || job.Status != domain.StatusProcessing || job.Attempts != attempt {
		// the stall sweep reclaimed this attempt, or the job was cleaned up
		q.mu.Unlock()
		jobsInFlight.Set(float64(q.currentInFlight()))
		q.logger.Warn("discarding result of reclaimed job attempt", "jobId", jobID, "attempt", attempt)
		q.dispatch()
		return
	}

	var outcome domain.EventType
	var duration time.Duration
	if err == nil {
		job.Complete(result)
		duration = job.Duration()
		outcome = domain.EventJobCompleted
	} else if job.Attempts >= job.MaxAttempts {
		job.FailPermanently(err.Error())
		duration = job.Duration()
		outcome = domain.EventJobFailed
	} else {
		job.RetryAfter(q.cfg.RetryDelay, err.Error())
		outcome = domain.EventJobRetried
	}
	finished := job.DeepCopy()
	q.mu.Unlock()

	jobsInFlight.Set(float64(q.currentInFlight()))

	switch outcome {
	case domain.EventJobCompleted:
		q.logger.Debug("job completed", "jobId", jobID, "attempt", attempt, "duration", duration)
	case domain.EventJobFailed:
		q.logger.Error("job failed permanently", "jobId", jobID, "attempts", finished.Attempts, "error", finished.Error)
	case domain.EventJobRetried:
		jobsRetriedTotal.Inc()
		q.logger.Warn("job attempt failed, retry scheduled", "jobId", jobID,
			"attempt", attempt, "retryDelay", q.cfg.RetryDelay, "error", finished.Error)
		// wake the dispatcher once the delay elapses instead of hot-looping
		time.AfterFunc(q.cfg.RetryDelay, q.dispatch)
	}

	q.emit(outcome, finished, duration)
	q.dispatch()
}

// invoke runs the processor with panic isolation; a panicking handler is
// treated as a failed attempt.
func (q *Queue) invoke(proc Processor, job *domain.Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return proc(context.Background(), job)
}

// RecoverStalled resets every processing job whose attempt started more than
// the stall timeout ago back to pending, presuming its worker lost. The
// concurrency slot the hung attempt occupied is released here, so reclaimed
// jobs can be re-dispatched even when the handler never returns; the attempt
// is recorded so a late handler return does not release the slot a second
// time. Each stall is recovered exactly once: the reset clears the start
// time, so the job cannot match again until re-dispatched. Returns the
// number recovered.
func (q *Queue) RecoverStalled(now time.Time) int {
	q.mu.Lock()
	var stalled []*domain.Job
	for _, job := range q.jobs {
		if job.IsStalled(q.cfg.StallTimeout, now) {
			q.reclaimed[attemptKey{jobID: job.ID, attempt: job.Attempts}] = struct{}{}
			q.inFlight--
			job.Status = domain.StatusPending
			job.StartedAt = nil
			job.NextRetryAt = nil
			stalled = append(stalled, job.DeepCopy())
		}
	}
	q.mu.Unlock()

	for _, job := range stalled {
		jobsStalledTotal.Inc()
		q.logger.Warn("stalled job reset to pending", "jobId", job.ID,
			"type", string(job.Type), "attempts", job.Attempts)
	}
	if len(stalled) > 0 {
		jobsInFlight.Set(float64(q.currentInFlight()))
		q.dispatch()
	}
	return len(stalled)
}

// CancelJob cancels a job that has not started processing. Once a job is in
// processing, cancellation is refused; the handler must finish or stall out.
func (q *Queue) CancelJob(jobID string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return errors.NotFoundf("job %s not found", jobID)
	}

	if err := job.Cancel(); err != nil {
		status := job.Status
		q.mu.Unlock()
		return errors.Conflictf("job %s cannot be cancelled in status %s", jobID, status)
	}
	jobCopy := job.DeepCopy()
	q.mu.Unlock()

	q.logger.Debug("job cancelled", "jobId", jobID)
	q.emit(domain.EventJobCancelled, jobCopy, 0)
	return nil
}

// GetJob returns a copy of the job, or false if unknown.
func (q *Queue) GetJob(jobID string) (*domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.DeepCopy(), true
}

// CleanupJobs discards completed and cancelled jobs older than maxAge.
// Failed jobs are retained for inspection unless includeFailed is set.
// Returns the number removed.
func (q *Queue) CleanupJobs(maxAge time.Duration, includeFailed bool) int {
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	removed := 0
	for id, job := range q.jobs {
		if job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
			continue
		}
		switch job.Status {
		case domain.StatusCompleted, domain.StatusCancelled:
			delete(q.jobs, id)
			removed++
		case domain.StatusFailed:
			if includeFailed {
				delete(q.jobs, id)
				removed++
			}
		}
	}
	q.mu.Unlock()

	if removed > 0 {
		q.logger.Debug("old jobs reclaimed", "count", removed, "maxAge", maxAge)
	}
	return removed
}

// GetStats returns job counts by status.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats Stats
	for _, job := range q.jobs {
		switch job.Status {
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusProcessing:
			stats.Processing++
		case domain.StatusCompleted:
			stats.Completed++
		case domain.StatusFailed:
			stats.Failed++
		case domain.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

func (q *Queue) emit(eventType domain.EventType, job *domain.Job, duration time.Duration) {
	if q.bus == nil {
		return
	}
	q.bus.Emit(eventType, domain.JobEvent{
		JobID:      job.ID,
		Type:       job.Type,
		ResourceID: job.ResourceID,
		Owner:      job.Owner,
		Status:     job.Status,
		Attempts:   job.Attempts,
		Error:      job.Error,
		Duration:   duration,
	})
}

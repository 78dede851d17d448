package domain

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// JobType identifies the enrichment work a job schedules.
type JobType string

const (
	TypeThumbnail JobType = "THUMBNAIL"
	TypeMetadata  JobType = "METADATA"
	TypeOCR       JobType = "OCR"
	TypeTagging   JobType = "TAGGING"
	TypeTranscode JobType = "TRANSCODE"
)

// ValidJobType reports whether t is one of the known enrichment kinds.
func ValidJobType(t JobType) bool {
	switch t {
	case TypeThumbnail, TypeMetadata, TypeOCR, TypeTagging, TypeTranscode:
		return true
	}
	return false
}

type Job struct {
	ID          string            // Unique identifier for job tracking
	Type        JobType           // Enrichment kind dispatched to a registered processor
	ResourceID  string            // Media resource the job operates on
	Owner       string            // Account that owns the resource
	Priority    int               // Higher values dispatch first
	Status      JobStatus         // Current lifecycle state
	Attempts    int               // Number of dispatch attempts so far
	MaxAttempts int               // Retry budget before the job fails permanently
	Data        map[string]string // Opaque payload passed to the processor
	Error       string            // Last failure reason
	Result      string            // Processor result on completion
	CreatedAt   time.Time         // Enqueue timestamp
	StartedAt   *time.Time        // Set each time the job enters PROCESSING
	CompletedAt *time.Time        // Terminal timestamp (nil while non-terminal)
	NextRetryAt *time.Time        // Earliest re-dispatch time after a transient failure
}

func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCancelled
}

// ReadyForDispatch reports whether the job can be picked up by the dispatch
// loop at the given instant. A pending job waiting out its retry delay is not
// ready.
func (j *Job) ReadyForDispatch(now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	if j.NextRetryAt != nil && now.Before(*j.NextRetryAt) {
		return false
	}
	return true
}

// IsStalled reports whether a processing job has exceeded its allowed
// processing time and is presumed abandoned by its handler.
func (j *Job) IsStalled(timeout time.Duration, now time.Time) bool {
	if j.Status != StatusProcessing || j.StartedAt == nil {
		return false
	}
	return now.Sub(*j.StartedAt) > timeout
}

// MarkProcessing transitions the job from PENDING to PROCESSING, recording
// the start time and consuming one attempt.
func (j *Job) MarkProcessing(now time.Time) error {
	if j.Status != StatusPending {
		return fmt.Errorf("cannot mark job as processing: current status is %s, expected %s", j.Status, StatusPending)
	}

	j.Status = StatusProcessing
	j.Attempts++
	startCopy := now
	j.StartedAt = &startCopy
	j.NextRetryAt = nil
	return nil
}

// Complete marks the job as successfully finished with the processor result.
func (j *Job) Complete(result string) {
	j.Status = StatusCompleted
	j.Result = result
	j.Error = ""
	now := time.Now()
	j.CompletedAt = &now
}

// RetryAfter returns a failed job to PENDING with a re-dispatch time in the
// future. The attempt already consumed stays counted.
func (j *Job) RetryAfter(delay time.Duration, reason string) {
	j.Status = StatusPending
	j.Error = reason
	j.StartedAt = nil
	retryAt := time.Now().Add(delay)
	j.NextRetryAt = &retryAt
}

// FailPermanently marks the job as failed with no further retries.
func (j *Job) FailPermanently(reason string) {
	j.Status = StatusFailed
	j.Error = reason
	now := time.Now()
	j.CompletedAt = &now
}

// Cancel transitions a job to CANCELLED. Only pending jobs can be cancelled;
// an in-flight handler must be allowed to finish or stall out.
func (j *Job) Cancel() error {
	if j.Status != StatusPending {
		return fmt.Errorf("cannot cancel job: current status is %s, expected %s", j.Status, StatusPending)
	}

	j.Status = StatusCancelled
	now := time.Now()
	j.CompletedAt = &now
	return nil
}

// Duration returns how long the last attempt has been running or took to
// complete.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return time.Since(*j.StartedAt)
}

// DeepCopy creates a deep copy of the job
func (j *Job) DeepCopy() *Job {
	if j == nil {
		return nil
	}

	cp := &Job{
		ID:          j.ID,
		Type:        j.Type,
		ResourceID:  j.ResourceID,
		Owner:       j.Owner,
		Priority:    j.Priority,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Error:       j.Error,
		Result:      j.Result,
		CreatedAt:   j.CreatedAt,
	}

	if j.Data != nil {
		cp.Data = make(map[string]string, len(j.Data))
		for k, v := range j.Data {
			cp.Data[k] = v
		}
	}

	if j.StartedAt != nil {
		startedCopy := *j.StartedAt
		cp.StartedAt = &startedCopy
	}

	if j.CompletedAt != nil {
		completedCopy := *j.CompletedAt
		cp.CompletedAt = &completedCopy
	}

	if j.NextRetryAt != nil {
		retryCopy := *j.NextRetryAt
		cp.NextRetryAt = &retryCopy
	}

	return cp
}

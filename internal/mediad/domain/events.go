package domain

import "time"

// EventType identifies a bus message type.
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionCompleted EventType = "session.completed"
	EventSessionCancelled EventType = "session.cancelled"
	EventSessionExpired   EventType = "session.expired"

	EventJobEnqueued  EventType = "job.enqueued"
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobRetried   EventType = "job.retried"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"

	EventQuotaWarning  EventType = "quota.warning"
	EventQuotaExceeded EventType = "quota.exceeded"

	EventMediaFinalized EventType = "media.finalized"
)

// SessionEvent is the payload for session lifecycle events.
type SessionEvent struct {
	SessionID string
	Owner     string
	FileName  string
	TotalSize int64
	Received  int
	Total     int
}

// JobEvent is the payload for job lifecycle events.
type JobEvent struct {
	JobID      string
	Type       JobType
	ResourceID string
	Owner      string
	Status     JobStatus
	Attempts   int
	Error      string
	Duration   time.Duration
}

// QuotaEvent is the payload for quota threshold and rejection events.
type QuotaEvent struct {
	Owner     string
	Used      int64
	Quota     int64
	Requested int64
}

// MediaFinalizedEvent announces that an upload finished the full finalize
// flow and its enrichment jobs were enqueued.
type MediaFinalizedEvent struct {
	MediaID  string
	Owner    string
	FileName string
	MimeType string
	Size     int64
	URL      string
	JobIDs   []string
}

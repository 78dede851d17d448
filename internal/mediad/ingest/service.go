// Package ingest sequences the post-upload finalize flow against the core
// primitives: reserve quota, store the blob, record the media, commit the
// reservation, enqueue enrichment jobs, and announce milestones on the bus.
// Any failure after the reservation triggers compensation: the reservation
// is rolled back and an already-stored blob is deleted.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediad/internal/mediad/domain"
	"mediad/internal/mediad/events"
	"mediad/internal/mediad/queue"
	"mediad/internal/mediad/quota"
	"mediad/internal/mediad/session"
	"mediad/pkg/errors"
	"mediad/pkg/logger"
)

// BlobInfo describes a stored blob as reported by the blob store.
type BlobInfo struct {
	ID       string
	URL      string
	Metadata map[string]string
}

// BlobStore is the remote object storage provider that actually persists
// bytes. Implemented elsewhere; the core only sequences calls into it.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, mimeType, fileName string) (*BlobInfo, error)
	Delete(ctx context.Context, blobID string) error
	SignURL(ctx context.Context, blobID string, ttl time.Duration) (string, error)
}

// MediaRecord is the finalized media descriptor appended to the catalog.
type MediaRecord struct {
	ID        string
	Owner     string
	FileName  string
	MimeType  string
	Size      int64
	BlobID    string
	URL       string
	CreatedAt time.Time
}

// Catalog is the durable record store holding finalized media metadata.
type Catalog interface {
	AppendMedia(ctx context.Context, rec MediaRecord) error
}

// Service drives the finalize flow for completed upload sessions.
type Service struct {
	sessions *session.Manager
	ledger   *quota.Ledger
	blobs    BlobStore
	catalog  Catalog
	jobs     *queue.Queue
	bus      *events.Bus
	logger   *logger.Logger
}

func New(sessions *session.Manager, ledger *quota.Ledger, blobs BlobStore, catalog Catalog, jobs *queue.Queue, bus *events.Bus) *Service {
	return &Service{
		sessions: sessions,
		ledger:   ledger,
		blobs:    blobs,
		catalog:  catalog,
		jobs:     jobs,
		bus:      bus,
		logger:   logger.WithField("component", "ingest"),
	}
}

// Finalize turns a fully uploaded session into a finalized media record.
// The session is peeked, not consumed, until every durable step succeeded,
// so a failed finalize can be retried by the caller.
func (s *Service) Finalize(ctx context.Context, sessionID, owner string) (*MediaRecord, error) {
	log := s.logger.WithFields("sessionId", sessionID, "owner", owner)

	if !s.sessions.ValidateOwnership(sessionID, owner) {
		return nil, errors.NotFoundf("upload session %s not found", sessionID)
	}

	status, ok := s.sessions.GetStatus(sessionID)
	if !ok {
		return nil, errors.NotFoundf("upload session %s not found", sessionID)
	}

	data, err := s.sessions.Peek(sessionID)
	if err != nil {
		return nil, err
	}

	res, err := s.ledger.Reserve(owner, int64(len(data)))
	if err != nil {
		return nil, err
	}

	blob, err := s.blobs.Upload(ctx, data, status.MimeType, status.FileName)
	if err != nil {
		if rbErr := res.Rollback(); rbErr != nil {
			log.Error("reservation rollback failed after blob upload error", "error", rbErr)
		}
		return nil, fmt.Errorf("blob store upload failed: %w", err)
	}

	sess, _, err := s.sessions.Complete(sessionID)
	if err != nil {
		// complete can only fail if the session raced with a cancel or sweep
		s.compensate(ctx, res, blob.ID, log)
		return nil, err
	}

	rec := MediaRecord{
		ID:        uuid.NewString(),
		Owner:     owner,
		FileName:  sess.FileName,
		MimeType:  sess.MimeType,
		Size:      int64(len(data)),
		BlobID:    blob.ID,
		URL:       blob.URL,
		CreatedAt: time.Now(),
	}

	if err := s.catalog.AppendMedia(ctx, rec); err != nil {
		s.compensate(ctx, res, blob.ID, log)
		return nil, fmt.Errorf("media catalog write failed: %w", err)
	}

	if err := res.Commit(); err != nil {
		log.Error("reservation commit failed", "error", err)
	}

	jobIDs := s.enqueueEnrichment(rec)

	log.Info("media finalized", "mediaId", rec.ID, "size", rec.Size, "jobs", len(jobIDs))

	if s.bus != nil {
		s.bus.Emit(domain.EventMediaFinalized, domain.MediaFinalizedEvent{
			MediaID:  rec.ID,
			Owner:    rec.Owner,
			FileName: rec.FileName,
			MimeType: rec.MimeType,
			Size:     rec.Size,
			URL:      rec.URL,
			JobIDs:   jobIDs,
		})
	}

	return &rec, nil
}

// compensate reverts the reservation and deletes the stored blob after a
// downstream failure, avoiding a quota leak and an orphaned blob.
func (s *Service) compensate(ctx context.Context, res *quota.Reservation, blobID string, log *logger.Logger) {
	if err := res.Rollback(); err != nil {
		log.Error("reservation rollback failed during compensation", "error", err)
	}
	if err := s.blobs.Delete(ctx, blobID); err != nil {
		log.Error("blob delete failed during compensation", "blobId", blobID, "error", err)
	}
}

// enqueueEnrichment schedules the post-upload background work for a
// finalized media record. Thumbnail and metadata extraction run for
// everything; OCR and tagging only where the media kind supports them.
func (s *Service) enqueueEnrichment(rec MediaRecord) []string {
	kinds := []struct {
		jobType  domain.JobType
		priority int
	}{
		{domain.TypeMetadata, 10},
		{domain.TypeThumbnail, 5},
	}

	if isImage(rec.MimeType) || rec.MimeType == "application/pdf" {
		kinds = append(kinds, struct {
			jobType  domain.JobType
			priority int
		}{domain.TypeOCR, 1})
	}
	if isImage(rec.MimeType) {
		kinds = append(kinds, struct {
			jobType  domain.JobType
			priority int
		}{domain.TypeTagging, 1})
	}
	if isVideo(rec.MimeType) {
		kinds = append(kinds, struct {
			jobType  domain.JobType
			priority int
		}{domain.TypeTranscode, 3})
	}

	var jobIDs []string
	for _, k := range kinds {
		job, err := s.jobs.Add(k.jobType, rec.ID, rec.Owner, queue.AddOptions{
			Priority: k.priority,
			Data: map[string]string{
				"blobId":   rec.BlobID,
				"mimeType": rec.MimeType,
				"fileName": rec.FileName,
			},
		})
		if err != nil {
			s.logger.Error("failed to enqueue enrichment job",
				"mediaId", rec.ID, "type", string(k.jobType), "error", err)
			continue
		}
		jobIDs = append(jobIDs, job.ID)
	}
	return jobIDs
}

func isImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

func isVideo(mimeType string) bool {
	return strings.HasPrefix(mimeType, "video/")
}

package ingest_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediad/internal/mediad/domain"
	"mediad/internal/mediad/events"
	"mediad/internal/mediad/ingest"
	"mediad/internal/mediad/queue"
	"mediad/internal/mediad/quota"
	"mediad/internal/mediad/session"
	"mediad/pkg/config"
	"mediad/pkg/errors"
)

type fakeBlobStore struct {
	mu        sync.Mutex
	uploads   int
	deletes   []string
	uploadErr error
	lastMime  string
	lastName  string
}

func (f *fakeBlobStore) Upload(_ context.Context, data []byte, mimeType, fileName string) (*ingest.BlobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads++
	f.lastMime = mimeType
	f.lastName = fileName
	id := fmt.Sprintf("blob-%d", f.uploads)
	return &ingest.BlobInfo{ID: id, URL: "https://blobs.test/" + id}, nil
}

func (f *fakeBlobStore) Delete(_ context.Context, blobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, blobID)
	return nil
}

func (f *fakeBlobStore) SignURL(_ context.Context, blobID string, _ time.Duration) (string, error) {
	return "https://blobs.test/signed/" + blobID, nil
}

type fakeMediaCatalog struct {
	mu        sync.Mutex
	records   []ingest.MediaRecord
	appendErr error
}

func (f *fakeMediaCatalog) AppendMedia(_ context.Context, rec ingest.MediaRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.records = append(f.records, rec)
	return nil
}

type fixture struct {
	sessions *session.Manager
	ledger   *quota.Ledger
	blobs    *fakeBlobStore
	catalog  *fakeMediaCatalog
	jobs     *queue.Queue
	bus      *events.Bus
	svc      *ingest.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bus := events.New(16)
	f := &fixture{
		bus:     bus,
		blobs:   &fakeBlobStore{},
		catalog: &fakeMediaCatalog{},
		sessions: session.New(config.UploadConfig{
			MinChunkSize:     100,
			MaxChunkSize:     1_000_000,
			DefaultChunkSize: 1000,
			SessionTTL:       time.Hour,
			SweepInterval:    time.Hour,
		}, bus),
		ledger: quota.New(config.QuotaConfig{
			WarningPercent:  90,
			CriticalPercent: 95,
			DefaultBytes:    1_000_000,
		}, nil, bus),
		jobs: queue.New(config.QueueConfig{
			MaxConcurrent:      3,
			RetryDelay:         time.Second,
			StallTimeout:       time.Minute,
			StallSweepInterval: time.Hour,
			RetentionWindow:    time.Hour,
			DefaultMaxAttempts: 3,
		}, bus),
	}
	// queue deliberately left stopped so enqueued jobs stay inspectable
	f.svc = ingest.New(f.sessions, f.ledger, f.blobs, f.catalog, f.jobs, bus)
	return f
}

// uploadedSession creates a fully uploaded two-chunk session.
func (f *fixture) uploadedSession(t *testing.T, owner, fileName, mimeType string) string {
	t.Helper()

	created, err := f.sessions.Create(owner, fileName, mimeType, 2000, 1000, nil)
	require.NoError(t, err)
	_, err = f.sessions.UploadChunk(created.SessionID, 0, make([]byte, 1000), "")
	require.NoError(t, err)
	_, err = f.sessions.UploadChunk(created.SessionID, 1, make([]byte, 1000), "")
	require.NoError(t, err)
	return created.SessionID
}

func TestFinalize_Success(t *testing.T) {
	f := newFixture(t)
	sessionID := f.uploadedSession(t, "acct-1", "scan.pdf", "application/pdf")

	var finalized []domain.MediaFinalizedEvent
	f.bus.On(domain.EventMediaFinalized, func(evt events.Event) {
		finalized = append(finalized, evt.Payload.(domain.MediaFinalizedEvent))
	})

	rec, err := f.svc.Finalize(context.Background(), sessionID, "acct-1")
	require.NoError(t, err)

	assert.Equal(t, "scan.pdf", rec.FileName)
	assert.Equal(t, "application/pdf", rec.MimeType)
	assert.Equal(t, int64(2000), rec.Size)
	assert.Equal(t, "blob-1", rec.BlobID)

	// the blob store received the declared content type, not the file name
	assert.Equal(t, "application/pdf", f.blobs.lastMime)
	assert.Equal(t, "scan.pdf", f.blobs.lastName)

	// quota committed
	used, _ := f.ledger.Usage("acct-1")
	assert.Equal(t, int64(2000), used)

	// catalog holds the record
	require.Len(t, f.catalog.records, 1)
	assert.Equal(t, rec.ID, f.catalog.records[0].ID)

	// session consumed
	_, ok := f.sessions.GetStatus(sessionID)
	assert.False(t, ok)

	// metadata + thumbnail always, OCR for pdf
	stats := f.jobs.GetStats()
	assert.Equal(t, 3, stats.Pending)

	require.Len(t, finalized, 1)
	assert.Equal(t, rec.ID, finalized[0].MediaID)
	assert.Len(t, finalized[0].JobIDs, 3)
}

func TestFinalize_EnrichmentByMimeType(t *testing.T) {
	tests := []struct {
		mimeType string
		jobs     int
	}{
		{"application/octet-stream", 2}, // metadata + thumbnail
		{"application/pdf", 3},          // + ocr
		{"image/jpeg", 4},               // + ocr + tagging
		{"video/mp4", 3},                // + transcode
	}

	for _, tt := range tests {
		t.Run(tt.mimeType, func(t *testing.T) {
			f := newFixture(t)
			sessionID := f.uploadedSession(t, "acct-1", "file.bin", tt.mimeType)

			_, err := f.svc.Finalize(context.Background(), sessionID, "acct-1")
			require.NoError(t, err)

			assert.Equal(t, tt.jobs, f.jobs.GetStats().Pending)
		})
	}
}

func TestFinalize_WrongOwner(t *testing.T) {
	f := newFixture(t)
	sessionID := f.uploadedSession(t, "acct-1", "a.bin", "")

	_, err := f.svc.Finalize(context.Background(), sessionID, "acct-2")
	assert.True(t, errors.IsNotFound(err), "ownership mismatch must look like a missing session")

	// no side effects
	assert.Equal(t, 0, f.blobs.uploads)
	used, _ := f.ledger.Usage("acct-2")
	assert.Equal(t, int64(0), used)
	_, ok := f.sessions.GetStatus(sessionID)
	assert.True(t, ok)
}

func TestFinalize_IncompleteSession(t *testing.T) {
	f := newFixture(t)

	created, err := f.sessions.Create("acct-1", "a.bin", "", 2000, 1000, nil)
	require.NoError(t, err)
	_, err = f.sessions.UploadChunk(created.SessionID, 0, make([]byte, 1000), "")
	require.NoError(t, err)

	_, err = f.svc.Finalize(context.Background(), created.SessionID, "acct-1")
	assert.True(t, errors.IsValidation(err))

	// session survives for the client to resume
	_, ok := f.sessions.GetStatus(created.SessionID)
	assert.True(t, ok)
	used, _ := f.ledger.Usage("acct-1")
	assert.Equal(t, int64(0), used)
}

func TestFinalize_QuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetQuota("acct-1", 1500)
	sessionID := f.uploadedSession(t, "acct-1", "a.bin", "")

	_, err := f.svc.Finalize(context.Background(), sessionID, "acct-1")
	assert.True(t, errors.IsConflict(err))

	// nothing stored, session retained
	assert.Equal(t, 0, f.blobs.uploads)
	_, ok := f.sessions.GetStatus(sessionID)
	assert.True(t, ok)
	used, _ := f.ledger.Usage("acct-1")
	assert.Equal(t, int64(0), used)
}

func TestFinalize_BlobUploadFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.blobs.uploadErr = fmt.Errorf("bucket unavailable")
	sessionID := f.uploadedSession(t, "acct-1", "a.bin", "")

	_, err := f.svc.Finalize(context.Background(), sessionID, "acct-1")
	require.Error(t, err)

	used, _ := f.ledger.Usage("acct-1")
	assert.Equal(t, int64(0), used, "reservation must be rolled back")

	// retryable: session and chunks survive
	_, ok := f.sessions.GetStatus(sessionID)
	assert.True(t, ok)

	f.blobs.uploadErr = nil
	_, err = f.svc.Finalize(context.Background(), sessionID, "acct-1")
	assert.NoError(t, err, "finalize must be retryable after a blob store outage")
}

func TestFinalize_CatalogFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.catalog.appendErr = fmt.Errorf("catalog write refused")
	sessionID := f.uploadedSession(t, "acct-1", "a.bin", "")

	_, err := f.svc.Finalize(context.Background(), sessionID, "acct-1")
	require.Error(t, err)

	used, _ := f.ledger.Usage("acct-1")
	assert.Equal(t, int64(0), used, "reservation must be rolled back")
	assert.Equal(t, []string{"blob-1"}, f.blobs.deletes, "the stored blob must be deleted")

	// no enrichment scheduled, no finalized event state
	assert.Equal(t, 0, f.jobs.GetStats().Pending)
}

// Package session implements the resumable chunked-upload session manager.
// Sessions live in memory, keyed by an opaque id; a background sweep removes
// sessions whose last activity is older than the configured TTL.
package session

import (
	"context"
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
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediad_upload_sessions_active",
		Help: "Upload sessions currently in progress",
	})

	sessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediad_upload_sessions_expired_total",
		Help: "Upload sessions removed by the expiry sweep",
	})

	chunksReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediad_upload_chunks_received_total",
		Help: "Chunks accepted across all upload sessions",
	})
)

// CreateResult is returned to the caller that opened a session.
type CreateResult struct {
	SessionID   string
	ChunkSize   int64
	TotalChunks int
	ExpiresAt   time.Time
}

// ChunkResult reports progress after a chunk write.
type ChunkResult struct {
	Received   int
	Remaining  int
	Progress   float64
	IsComplete bool
}

// Status is a read-only view of one session's completeness.
type Status struct {
	SessionID      string
	Owner          string
	FileName       string
	MimeType       string
	TotalSize      int64
	ChunkSize      int64
	TotalChunks    int
	UploadedChunks []int
	MissingChunks  []int
	Progress       float64
	CreatedAt      time.Time
	LastActivity   time.Time
	ExpiresAt      time.Time
}

// Manager creates and tracks in-progress upload sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*domain.UploadSession

	cfg    config.UploadConfig
	bus    *events.Bus
	logger *logger.Logger

	sweepMu sync.Mutex
	cancel  context.CancelFunc
}

// New creates a session manager. The expiry sweep does not run until Start
// is called.
func New(cfg config.UploadConfig, bus *events.Bus) *Manager {
	return &Manager{
		sessions: make(map[string]*domain.UploadSession),
		cfg:      cfg,
		bus:      bus,
		logger:   logger.WithField("component", "session-manager"),
	}
}

// MaxChunkSize returns the configured upper bound on a single chunk body.
func (m *Manager) MaxChunkSize() int64 {
	return m.cfg.MaxChunkSize
}

// Create opens a new resumable upload session. A requested chunk size of 0
// selects the default; any other value is clamped into the configured
// [min,max] range.
func (m *Manager) Create(owner, fileName, mimeType string, totalSize, chunkSize int64, metadata map[string]string) (*CreateResult, error) {
	if owner == "" {
		return nil, errors.Validationf("owner is required")
	}
	if fileName == "" {
		return nil, errors.Validationf("file name is required")
	}
	if totalSize <= 0 {
		return nil, errors.Validationf("total size must be positive, got %d", totalSize)
	}

	if chunkSize == 0 {
		chunkSize = m.cfg.DefaultChunkSize
	}
	if chunkSize < m.cfg.MinChunkSize {
		chunkSize = m.cfg.MinChunkSize
	}
	if chunkSize > m.cfg.MaxChunkSize {
		chunkSize = m.cfg.MaxChunkSize
	}

	totalChunks := int((totalSize + chunkSize - 1) / chunkSize)
	now := time.Now()

	sess := &domain.UploadSession{
		ID:           uuid.NewString(),
		Owner:        owner,
		FileName:     fileName,
		MimeType:     mimeType,
		TotalSize:    totalSize,
		ChunkSize:    chunkSize,
		TotalChunks:  totalChunks,
		Chunks:       make([][]byte, totalChunks),
		Uploaded:     make(map[int]domain.ChunkMeta),
		Metadata:     metadata,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	total := len(m.sessions)
	m.mu.Unlock()

	sessionsActive.Set(float64(total))

	m.logger.Debug("session created", "sessionId", sess.ID, "owner", owner,
		"fileName", fileName, "totalSize", totalSize, "chunkSize", chunkSize, "totalChunks", totalChunks)

	if m.bus != nil {
		m.bus.Emit(domain.EventSessionCreated, domain.SessionEvent{
			SessionID: sess.ID, Owner: owner, FileName: fileName,
			TotalSize: totalSize, Total: totalChunks,
		})
	}

	return &CreateResult{
		SessionID:   sess.ID,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		ExpiresAt:   sess.ExpiresAt(m.cfg.SessionTTL),
	}, nil
}

// UploadChunk stores data at the given chunk index. Re-uploading an already
// stored index replaces it. Every chunk must be exactly the session chunk
// size except the final index, which must carry the remainder.
func (m *Manager) UploadChunk(sessionID string, chunkIndex int, data []byte, checksum string) (*ChunkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.NotFoundf("upload session %s not found", sessionID)
	}

	if chunkIndex < 0 || chunkIndex >= sess.TotalChunks {
		return nil, errors.Validationf("chunk index %d out of range [0,%d)", chunkIndex, sess.TotalChunks)
	}

	expected := sess.ExpectedChunkSize(chunkIndex)
	if int64(len(data)) != expected {
		return nil, errors.Validationf("chunk %d must be %d bytes, got %d", chunkIndex, expected, len(data))
	}

	sess.Chunks[chunkIndex] = append([]byte(nil), data...)
	sess.Uploaded[chunkIndex] = domain.ChunkMeta{
		Index:      chunkIndex,
		Size:       int64(len(data)),
		Checksum:   checksum,
		UploadedAt: time.Now(),
	}
	sess.LastActivity = time.Now()

	chunksReceivedTotal.Inc()

	received := sess.ReceivedChunks()
	return &ChunkResult{
		Received:   received,
		Remaining:  sess.TotalChunks - received,
		Progress:   sess.Progress(),
		IsComplete: sess.IsComplete(),
	}, nil
}

// GetStatus returns the completeness view of a session, or false if it does
// not exist.
func (m *Manager) GetStatus(sessionID string) (*Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return m.statusLocked(sess), true
}

// statusLocked must be called with m.mu held (read or write).
func (m *Manager) statusLocked(sess *domain.UploadSession) *Status {
	return &Status{
		SessionID:      sess.ID,
		Owner:          sess.Owner,
		FileName:       sess.FileName,
		MimeType:       sess.MimeType,
		TotalSize:      sess.TotalSize,
		ChunkSize:      sess.ChunkSize,
		TotalChunks:    sess.TotalChunks,
		UploadedChunks: sess.UploadedIndexes(),
		MissingChunks:  sess.MissingIndexes(),
		Progress:       sess.Progress(),
		CreatedAt:      sess.CreatedAt,
		LastActivity:   sess.LastActivity,
		ExpiresAt:      sess.ExpiresAt(m.cfg.SessionTTL),
	}
}

// Peek assembles and returns the full byte sequence without removing the
// session, so the caller can retry a failed finalize step.
func (m *Manager) Peek(sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.NotFoundf("upload session %s not found", sessionID)
	}

	return assemble(sess)
}

// Complete validates the session, removes it, and returns both the session
// record and the assembled bytes.
func (m *Manager) Complete(sessionID string) (*domain.UploadSession, []byte, error) {
	m.mu.Lock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, errors.NotFoundf("upload session %s not found", sessionID)
	}

	data, err := assemble(sess)
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	if int64(len(data)) != sess.TotalSize {
		m.mu.Unlock()
		return nil, nil, errors.Validationf("assembled size %d does not match declared total size %d", len(data), sess.TotalSize)
	}

	delete(m.sessions, sessionID)
	total := len(m.sessions)
	m.mu.Unlock()

	sessionsActive.Set(float64(total))

	m.logger.Debug("session completed", "sessionId", sessionID, "owner", sess.Owner, "bytes", len(data))

	if m.bus != nil {
		m.bus.Emit(domain.EventSessionCompleted, domain.SessionEvent{
			SessionID: sess.ID, Owner: sess.Owner, FileName: sess.FileName,
			TotalSize: sess.TotalSize, Received: sess.TotalChunks, Total: sess.TotalChunks,
		})
	}

	return sess, data, nil
}

// assemble concatenates the chunk slots in index order, failing on the first
// missing chunk.
func assemble(sess *domain.UploadSession) ([]byte, error) {
	data := make([]byte, 0, sess.TotalSize)
	for i := 0; i < sess.TotalChunks; i++ {
		if sess.Chunks[i] == nil {
			return nil, errors.Validationf("missing chunk at index %d", i)
		}
		data = append(data, sess.Chunks[i]...)
	}
	return data, nil
}

// Cancel removes a session unconditionally. Returns whether it existed.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	total := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}

	sessionsActive.Set(float64(total))
	m.logger.Debug("session cancelled", "sessionId", sessionID, "owner", sess.Owner)

	if m.bus != nil {
		m.bus.Emit(domain.EventSessionCancelled, domain.SessionEvent{
			SessionID: sess.ID, Owner: sess.Owner, FileName: sess.FileName,
			TotalSize: sess.TotalSize, Received: sess.ReceivedChunks(), Total: sess.TotalChunks,
		})
	}
	return true
}

// ValidateOwnership reports whether the session exists and belongs to owner.
// Owner identity is supplied by the caller's auth layer; every public
// operation should be preceded by this check at the call boundary.
func (m *Manager) ValidateOwnership(sessionID, owner string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	return ok && sess.Owner == owner
}

// List returns the status of every session belonging to owner.
func (m *Manager) List(owner string) []*Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Status
	for _, sess := range m.sessions {
		if sess.Owner == owner {
			result = append(result, m.statusLocked(sess))
		}
	}
	return result
}

// Count returns the number of sessions currently tracked.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start launches the background expiry sweep. It runs until Stop or until
// the passed context is cancelled, and never blocks request-serving
// operations.
func (m *Manager) Start(ctx context.Context) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	if m.cancel != nil {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				removed := m.SweepExpired(time.Now())
				if removed > 0 {
					m.logger.Info("expired sessions removed", "count", removed)
				}
			}
		}
	}()

	m.logger.Debug("expiry sweep started", "interval", m.cfg.SweepInterval, "ttl", m.cfg.SessionTTL)
}

// Stop halts the background sweep. Session state is retained.
func (m *Manager) Stop() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// SweepExpired removes every session whose last activity is older than the
// session TTL at the given instant. Returns the number removed.
func (m *Manager) SweepExpired(now time.Time) int {
	cutoff := now.Add(-m.cfg.SessionTTL)

	m.mu.Lock()
	var expired []*domain.UploadSession
	for id, sess := range m.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	total := len(m.sessions)
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	sessionsActive.Set(float64(total))
	sessionsExpiredTotal.Add(float64(len(expired)))

	for _, sess := range expired {
		m.logger.Debug("session expired", "sessionId", sess.ID, "owner", sess.Owner,
			"lastActivity", sess.LastActivity)
		if m.bus != nil {
			m.bus.Emit(domain.EventSessionExpired, domain.SessionEvent{
				SessionID: sess.ID, Owner: sess.Owner, FileName: sess.FileName,
				TotalSize: sess.TotalSize, Received: sess.ReceivedChunks(), Total: sess.TotalChunks,
			})
		}
	}
	return len(expired)
}

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mediad/internal/mediad/ingest"
	"mediad/internal/mediad/queue"
	"mediad/internal/mediad/quota"
	"mediad/internal/mediad/session"
	"mediad/pkg/errors"
	"mediad/pkg/logger"
)

// accountHeader carries the caller's account identity. Authentication itself
// happens upstream; this layer only consumes the resolved identity.
const accountHeader = "X-Account-ID"

const checksumHeader = "X-Chunk-Checksum"

// Handler serves the upload request surface over the core primitives.
type Handler struct {
	sessions *session.Manager
	ledger   *quota.Ledger
	jobs     *queue.Queue
	ingest   *ingest.Service
	logger   *logger.Logger
}

func NewHandler(sessions *session.Manager, ledger *quota.Ledger, jobs *queue.Queue, ingestSvc *ingest.Service) *Handler {
	return &Handler{
		sessions: sessions,
		ledger:   ledger,
		jobs:     jobs,
		ingest:   ingestSvc,
		logger:   logger.WithField("component", "http-handler"),
	}
}

type initRequest struct {
	FileName  string            `json:"fileName"`
	MimeType  string            `json:"mimeType"`
	TotalSize int64             `json:"totalSize"`
	ChunkSize int64             `json:"chunkSize,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type initResponse struct {
	SessionID   string    `json:"sessionId"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int       `json:"totalChunks"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (h *Handler) initUpload(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Validationf("invalid request body: %v", err))
		return
	}

	// advisory early rejection before any bytes are transferred
	if err := h.ledger.CanUpload(owner, req.TotalSize); err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.sessions.Create(owner, req.FileName, req.MimeType, req.TotalSize, req.ChunkSize, req.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, initResponse{
		SessionID:   res.SessionID,
		ChunkSize:   res.ChunkSize,
		TotalChunks: res.TotalChunks,
		ExpiresAt:   res.ExpiresAt,
	})
}

type chunkResponse struct {
	Received   int     `json:"received"`
	Remaining  int     `json:"remaining"`
	Progress   float64 `json:"progress"`
	IsComplete bool    `json:"isComplete"`
}

func (h *Handler) uploadChunk(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if !h.sessions.ValidateOwnership(sessionID, owner) {
		h.writeError(w, errors.NotFoundf("upload session %s not found", sessionID))
		return
	}

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.writeError(w, errors.Validationf("invalid chunk index: %v", err))
		return
	}

	// cap the read so an oversized body fails while streaming instead of
	// after being buffered whole
	r.Body = http.MaxBytesReader(w, r.Body, h.sessions.MaxChunkSize())
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, errors.Validationf("failed to read chunk body: %v", err))
		return
	}

	res, err := h.sessions.UploadChunk(sessionID, index, data, r.Header.Get(checksumHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, chunkResponse{
		Received:   res.Received,
		Remaining:  res.Remaining,
		Progress:   res.Progress,
		IsComplete: res.IsComplete,
	})
}

type statusResponse struct {
	SessionID      string    `json:"sessionId"`
	FileName       string    `json:"fileName"`
	TotalSize      int64     `json:"totalSize"`
	ChunkSize      int64     `json:"chunkSize"`
	TotalChunks    int       `json:"totalChunks"`
	UploadedChunks []int     `json:"uploadedChunks"`
	MissingChunks  []int     `json:"missingChunks"`
	Progress       float64   `json:"progress"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func statusToResponse(st *session.Status) statusResponse {
	return statusResponse{
		SessionID:      st.SessionID,
		FileName:       st.FileName,
		TotalSize:      st.TotalSize,
		ChunkSize:      st.ChunkSize,
		TotalChunks:    st.TotalChunks,
		UploadedChunks: st.UploadedChunks,
		MissingChunks:  st.MissingChunks,
		Progress:       st.Progress,
		CreatedAt:      st.CreatedAt,
		LastActivity:   st.LastActivity,
		ExpiresAt:      st.ExpiresAt,
	}
}

func (h *Handler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if !h.sessions.ValidateOwnership(sessionID, owner) {
		h.writeError(w, errors.NotFoundf("upload session %s not found", sessionID))
		return
	}

	st, found := h.sessions.GetStatus(sessionID)
	if !found {
		h.writeError(w, errors.NotFoundf("upload session %s not found", sessionID))
		return
	}

	h.writeJSON(w, http.StatusOK, statusToResponse(st))
}

type mediaResponse struct {
	MediaID   string    `json:"mediaId"`
	FileName  string    `json:"fileName"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	rec, err := h.ingest.Finalize(r.Context(), sessionID, owner)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, mediaResponse{
		MediaID:   rec.ID,
		FileName:  rec.FileName,
		MimeType:  rec.MimeType,
		Size:      rec.Size,
		URL:       rec.URL,
		CreatedAt: rec.CreatedAt,
	})
}

func (h *Handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if !h.sessions.ValidateOwnership(sessionID, owner) {
		h.writeError(w, errors.NotFoundf("upload session %s not found", sessionID))
		return
	}

	h.sessions.Cancel(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	statuses := h.sessions.List(owner)
	out := make([]statusResponse, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, statusToResponse(st))
	}
	h.writeJSON(w, http.StatusOK, out)
}

type quotaResponse struct {
	Owner string `json:"owner"`
	Used  int64  `json:"used"`
	Quota int64  `json:"quota"`
}

func (h *Handler) quotaUsage(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	used, quota := h.ledger.Usage(owner)
	h.writeJSON(w, http.StatusOK, quotaResponse{Owner: owner, Used: used, Quota: quota})
}

func (h *Handler) quotaSync(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	used, err := h.ledger.SyncUsage(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	_, quota := h.ledger.Usage(owner)
	h.writeJSON(w, http.StatusOK, quotaResponse{Owner: owner, Used: used, Quota: quota})
}

func (h *Handler) jobStats(w http.ResponseWriter, r *http.Request) {
	stats := h.jobs.GetStats()
	h.writeJSON(w, http.StatusOK, map[string]int{
		"pending":    stats.Pending,
		"processing": stats.Processing,
		"completed":  stats.Completed,
		"failed":     stats.Failed,
		"cancelled":  stats.Cancelled,
	})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	jobID := chi.URLParam(r, "jobID")
	job, found := h.jobs.GetJob(jobID)
	if !found || job.Owner != owner {
		h.writeError(w, errors.NotFoundf("job %s not found", jobID))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":    job.ID,
		"type":     string(job.Type),
		"status":   string(job.Status),
		"attempts": job.Attempts,
		"error":    job.Error,
		"result":   job.Result,
	})
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	jobID := chi.URLParam(r, "jobID")
	job, found := h.jobs.GetJob(jobID)
	if !found || job.Owner != owner {
		h.writeError(w, errors.NotFoundf("job %s not found", jobID))
		return
	}

	if err := h.jobs.CancelJob(jobID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// owner extracts the account identity header, rejecting requests without
// one.
func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(accountHeader)
	if owner == "" {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "missing " + accountHeader + " header",
		})
		return "", false
	}
	return owner, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.KindOf(err) {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConflict:
		status = http.StatusConflict
	}

	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

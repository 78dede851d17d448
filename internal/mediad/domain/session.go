package domain

import (
	"sort"
	"time"
)

// ChunkMeta records what is known about one received chunk.
type ChunkMeta struct {
	Index      int
	Size       int64
	Checksum   string
	UploadedAt time.Time
}

// UploadSession tracks one resumable chunked transfer. Chunks are stored by
// index so they may arrive in any order; completeness is only evaluated when
// the caller assembles the session.
type UploadSession struct {
	ID          string
	Owner       string
	FileName    string
	MimeType    string
	TotalSize   int64
	ChunkSize   int64
	TotalChunks int

	// Chunks holds one slot per index; a nil slot is a chunk not yet
	// received.
	Chunks   [][]byte
	Uploaded map[int]ChunkMeta
	Metadata map[string]string

	CreatedAt    time.Time
	LastActivity time.Time
}

// ExpectedChunkSize returns the exact byte length chunk index must have.
// Every chunk is ChunkSize bytes except the final one, which carries the
// remainder.
func (s *UploadSession) ExpectedChunkSize(index int) int64 {
	if index == s.TotalChunks-1 {
		remainder := s.TotalSize - int64(s.TotalChunks-1)*s.ChunkSize
		return remainder
	}
	return s.ChunkSize
}

// ReceivedChunks returns how many chunk slots are filled.
func (s *UploadSession) ReceivedChunks() int {
	return len(s.Uploaded)
}

// BytesReceived returns the summed length of all stored chunks.
func (s *UploadSession) BytesReceived() int64 {
	var total int64
	for _, meta := range s.Uploaded {
		total += meta.Size
	}
	return total
}

// Progress returns upload completeness as a percentage in [0,100].
func (s *UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.Uploaded)) / float64(s.TotalChunks) * 100
}

// IsComplete reports whether every chunk slot is filled. Byte-sum
// verification happens at assembly time, not here.
func (s *UploadSession) IsComplete() bool {
	return len(s.Uploaded) == s.TotalChunks
}

// UploadedIndexes returns the sorted list of filled chunk indexes.
func (s *UploadSession) UploadedIndexes() []int {
	indexes := make([]int, 0, len(s.Uploaded))
	for i := range s.Uploaded {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	return indexes
}

// MissingIndexes returns the sorted list of empty chunk slots.
func (s *UploadSession) MissingIndexes() []int {
	missing := make([]int, 0, s.TotalChunks-len(s.Uploaded))
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := s.Uploaded[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// ExpiresAt returns the instant the session becomes eligible for the expiry
// sweep, given the configured TTL.
func (s *UploadSession) ExpiresAt(ttl time.Duration) time.Time {
	return s.LastActivity.Add(ttl)
}

// DeepCopy creates a deep copy of the session, including chunk payloads.
func (s *UploadSession) DeepCopy() *UploadSession {
	if s == nil {
		return nil
	}

	cp := &UploadSession{
		ID:           s.ID,
		Owner:        s.Owner,
		FileName:     s.FileName,
		MimeType:     s.MimeType,
		TotalSize:    s.TotalSize,
		ChunkSize:    s.ChunkSize,
		TotalChunks:  s.TotalChunks,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}

	cp.Chunks = make([][]byte, len(s.Chunks))
	for i, chunk := range s.Chunks {
		if chunk != nil {
			cp.Chunks[i] = append([]byte(nil), chunk...)
		}
	}

	cp.Uploaded = make(map[int]ChunkMeta, len(s.Uploaded))
	for i, meta := range s.Uploaded {
		cp.Uploaded[i] = meta
	}

	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}

	return cp
}

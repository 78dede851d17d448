// Package catalog provides the in-memory media catalog used in development
// and tests. It serves both the ingest append path and the quota ledger's
// ground-truth usage queries.
package catalog

import (
	"context"
	"sync"

	"mediad/internal/mediad/ingest"
)

// Memory is an append-only in-memory media record store.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]ingest.MediaRecord // keyed by owner
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string][]ingest.MediaRecord)}
}

func (m *Memory) AppendMedia(ctx context.Context, rec ingest.MediaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Owner] = append(m.records[rec.Owner], rec)
	return nil
}

// TotalBytes sums the finalized media sizes for an account. This is the
// ground truth the quota ledger re-syncs against.
func (m *Memory) TotalBytes(ctx context.Context, owner string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, rec := range m.records[owner] {
		total += rec.Size
	}
	return total, nil
}

// ListMedia returns copies of the owner's finalized media records.
func (m *Memory) ListMedia(owner string) []ingest.MediaRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]ingest.MediaRecord(nil), m.records[owner]...)
}

// Package blob provides the local-disk blob store used in development and
// single-node deployments. Production deployments substitute a CDN-backed
// implementation of ingest.BlobStore.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"mediad/internal/mediad/ingest"
	"mediad/pkg/errors"
	"mediad/pkg/logger"
)

// LocalStore persists blobs as files under a data directory. Writes go
// through a temp file and an atomic rename.
type LocalStore struct {
	dataDir string
	logger  *logger.Logger
}

var _ ingest.BlobStore = (*LocalStore)(nil)

// NewLocalStore creates the data directory if needed.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob data directory %s: %w", dataDir, err)
	}

	return &LocalStore{
		dataDir: dataDir,
		logger:  logger.WithField("component", "blob-store"),
	}, nil
}

func (s *LocalStore) Upload(ctx context.Context, data []byte, mimeType, fileName string) (*ingest.BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blobID := uuid.NewString()
	fullPath := filepath.Join(s.dataDir, blobID)
	tmpPath := fullPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to finalize blob: %w", err)
	}

	sum := sha256.Sum256(data)
	s.logger.Debug("blob stored", "blobId", blobID, "size", len(data), "mimeType", mimeType)

	return &ingest.BlobInfo{
		ID:  blobID,
		URL: "file://" + fullPath,
		Metadata: map[string]string{
			"checksum": hex.EncodeToString(sum[:]),
			"fileName": fileName,
			"mimeType": mimeType,
		},
	}, nil
}

func (s *LocalStore) Delete(ctx context.Context, blobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(s.dataDir, blobID))
	if os.IsNotExist(err) {
		return errors.NotFoundf("blob %s not found", blobID)
	}
	return err
}

// SignURL returns a URL for the blob. Local files need no signing, so the
// ttl only gates existence checking.
func (s *LocalStore) SignURL(ctx context.Context, blobID string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fullPath := filepath.Join(s.dataDir, blobID)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return "", errors.NotFoundf("blob %s not found", blobID)
	}
	return "file://" + fullPath, nil
}

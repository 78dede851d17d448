// Package enrich wires built-in fallback processors into the job queue.
// These run when no external enrichment provider is configured: they keep
// the pipeline functional in development, while production deployments
// register real OCR/tagging/transcoding providers instead.
package enrich

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"mediad/internal/mediad/domain"
	"mediad/internal/mediad/ingest"
	"mediad/internal/mediad/queue"
)

const signTTL = time.Hour

// RegisterBuiltins registers a processor for every enrichment kind.
func RegisterBuiltins(q *queue.Queue, blobs ingest.BlobStore) {
	q.RegisterProcessor(domain.TypeMetadata, metadataProcessor)
	q.RegisterProcessor(domain.TypeThumbnail, signedURLProcessor(blobs))
	q.RegisterProcessor(domain.TypeTranscode, signedURLProcessor(blobs))
	q.RegisterProcessor(domain.TypeOCR, noopProcessor)
	q.RegisterProcessor(domain.TypeTagging, taggingProcessor)
}

// metadataProcessor echoes the known descriptor fields as a JSON document.
func metadataProcessor(ctx context.Context, job *domain.Job) (string, error) {
	out, err := json.Marshal(map[string]string{
		"fileName": job.Data["fileName"],
		"mimeType": job.Data["mimeType"],
		"blobId":   job.Data["blobId"],
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// signedURLProcessor resolves the blob into a time-limited URL. The blob
// store's own derivation (thumbnails, transcoded renditions) happens behind
// that URL.
func signedURLProcessor(blobs ingest.BlobStore) queue.Processor {
	return func(ctx context.Context, job *domain.Job) (string, error) {
		return blobs.SignURL(ctx, job.Data["blobId"], signTTL)
	}
}

func noopProcessor(ctx context.Context, job *domain.Job) (string, error) {
	return "", nil
}

// taggingProcessor derives coarse tags from the mime type and file
// extension.
func taggingProcessor(ctx context.Context, job *domain.Job) (string, error) {
	var tags []string

	mimeType := job.Data["mimeType"]
	if i := strings.IndexByte(mimeType, '/'); i > 0 {
		tags = append(tags, mimeType[:i])
	}

	ext := strings.TrimPrefix(filepath.Ext(job.Data["fileName"]), ".")
	if ext != "" {
		tags = append(tags, strings.ToLower(ext))
	}

	return strings.Join(tags, ","), nil
}

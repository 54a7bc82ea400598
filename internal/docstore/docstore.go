// Package docstore retrieves the raw case documents from object storage.
// Documents are stored gzip-compressed, keyed by case id.
package docstore

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// ErrNotFound is returned when no document exists for a case id.
var ErrNotFound = errors.New("docstore: document not found")

// Store fetches the raw (decompressed) document for a case.
type Store interface {
	Fetch(ctx context.Context, caseID string) ([]byte, error)
}

// GCSStore reads gzip-compressed documents from a GCS bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore wraps an existing storage client. The caller owns the client
// and closes it on shutdown.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

// Fetch downloads and decompresses the document for caseID.
func (s *GCSStore) Fetch(ctx context.Context, caseID string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(caseID).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("docstore: open %s/%s: %w", s.bucket, caseID, err)
	}
	defer r.Close()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("docstore: gunzip %s: %w", caseID, err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("docstore: read %s: %w", caseID, err)
	}
	return data, nil
}

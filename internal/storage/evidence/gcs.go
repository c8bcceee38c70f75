package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"

	gcstorage "cloud.google.com/go/storage"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// GCSStore uploads snapshots to a Google Cloud Storage bucket.
type GCSStore struct {
	client *gcstorage.Client
	bucket string
	prefix string
}

// NewGCS creates a GCS-backed store.
func NewGCS(client *gcstorage.Client, bucket, prefix string) (*GCSStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	cleaned, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return &GCSStore{client: client, bucket: bucket, prefix: cleaned}, nil
}

// Save uploads the snapshot and returns a gs:// key.
func (s *GCSStore) Save(ctx context.Context, id ruc.RequestID, pageHTML []byte) (string, error) {
	key := objectKey(s.prefix, id, pageHTML)
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "text/html; charset=utf-8"
	if _, err := io.Copy(writer, bytes.NewReader(pageHTML)); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy snapshot: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy snapshot: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

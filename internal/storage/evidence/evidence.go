// Package evidence archives result-page snapshots so ambiguous or failed
// extractions can be reviewed by hand. Stores implement ruc.EvidenceStore and
// return a URI-style key recorded on the outcome row.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	gcstorage "cloud.google.com/go/storage"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Backends supported by NewFromConfig.
const (
	BackendNone   = "none"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config selects and parameterizes an evidence backend.
type Config struct {
	Backend string
	// LocalDir is the base directory for the local backend.
	LocalDir string
	// Bucket is the GCS bucket for the gcs backend.
	Bucket string
	// Prefix is prepended to every object key.
	Prefix string
}

// NewFromConfig builds the evidence store named by cfg.Backend. The none
// backend returns a Noop store so call sites stay unconditional.
func NewFromConfig(ctx context.Context, cfg Config) (ruc.EvidenceStore, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return Noop{}, nil
	case BackendLocal:
		return NewLocal(cfg.LocalDir, cfg.Prefix)
	case BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return NewGCS(client, cfg.Bucket, cfg.Prefix)
	case BackendMemory:
		return NewMemory(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown evidence backend %q", cfg.Backend)
	}
}

// Noop discards snapshots; it backs the none backend.
type Noop struct{}

// Save drops the snapshot and reports no key.
func (Noop) Save(context.Context, ruc.RequestID, []byte) (string, error) {
	return "", nil
}

// objectKey builds a content-addressed key: the digest suffix deduplicates
// identical pages saved across attempts while the id keeps lookups direct.
func objectKey(prefix string, id ruc.RequestID, pageHTML []byte) string {
	sum := sha256.Sum256(pageHTML)
	digest := hex.EncodeToString(sum[:])
	key := fmt.Sprintf("%s_%s.html", id, digest[:12])
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// cleanPrefix normalizes a configured key prefix and rejects path escapes.
func cleanPrefix(prefix string) (string, error) {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "", nil
	}
	for _, part := range strings.Split(prefix, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid evidence prefix %q", prefix)
		}
	}
	return prefix, nil
}

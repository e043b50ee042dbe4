package bundles

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"surveycore/internal/blob"
)

// ObjectStore persists rendered export artifacts.
type ObjectStore interface {
	// Put stores a new immutable object. Implementations fail if key exists.
	Put(ctx context.Context, key string, payload []byte, contentType string, metadata map[string]string) (ExportArtifact, error)
	// Get returns the artifact metadata and full payload bytes.
	Get(ctx context.Context, key string) (ExportArtifact, []byte, error)
	// Delete removes the object; returns true if it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns artifacts whose keys start with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]ExportArtifact, error)
}

// BlobObjectStore adapts a blob.Store to the ObjectStore contract. All
// artifact keys share a common prefix so exports coexist with other
// tenants of the same bucket or directory.
type BlobObjectStore struct {
	store  blob.Store
	prefix string
}

var _ ObjectStore = (*BlobObjectStore)(nil)

// NewBlobObjectStore wraps store, namespacing keys under "exports/".
func NewBlobObjectStore(store blob.Store) *BlobObjectStore {
	return &BlobObjectStore{store: store, prefix: "exports/"}
}

func (s *BlobObjectStore) key(id string) string { return s.prefix + id }

func (s *BlobObjectStore) Put(ctx context.Context, key string, payload []byte, contentType string, metadata map[string]string) (ExportArtifact, error) {
	info, err := s.store.Put(ctx, s.key(key), bytes.NewReader(payload), blob.PutOptions{
		ContentType: contentType,
		Metadata:    metadata,
	})
	if err != nil {
		return ExportArtifact{}, fmt.Errorf("store export artifact %s: %w", key, err)
	}
	return artifactFromInfo(key, info), nil
}

func (s *BlobObjectStore) Get(ctx context.Context, key string) (ExportArtifact, []byte, error) {
	info, rc, err := s.store.Get(ctx, s.key(key))
	if err != nil {
		return ExportArtifact{}, nil, err
	}
	defer func() { _ = rc.Close() }()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return ExportArtifact{}, nil, err
	}
	return artifactFromInfo(key, info), payload, nil
}

func (s *BlobObjectStore) Delete(ctx context.Context, key string) (bool, error) {
	return s.store.Delete(ctx, s.key(key))
}

func (s *BlobObjectStore) List(ctx context.Context, prefix string) ([]ExportArtifact, error) {
	infos, err := s.store.List(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]ExportArtifact, 0, len(infos))
	for _, info := range infos {
		id := info.Key[len(s.prefix):]
		out = append(out, artifactFromInfo(id, info))
	}
	return out, nil
}

func artifactFromInfo(id string, info blob.Info) ExportArtifact {
	created := info.LastModified
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return ExportArtifact{
		ID:          id,
		ContentType: info.ContentType,
		SizeBytes:   info.Size,
		URL:         info.URL,
		Metadata:    info.Metadata,
		CreatedAt:   created,
	}
}

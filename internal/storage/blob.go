// Package storage defines the blob-store boundary for compiled artifacts.
// The version tree never holds binaries, only references; uploading to a
// real object store is an external concern behind this interface.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BlobStore persists compiled artifacts and hands back a reference the
// turn content carries.
type BlobStore interface {
	// Put stores data under key and returns the reference to embed in
	// turn content.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get retrieves a previously stored blob by reference.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// LocalBlobStore keeps artifacts on the local filesystem. Suitable for
// dev and test; production deployments swap in an object-store-backed
// implementation.
type LocalBlobStore struct {
	dir string
}

// NewLocalBlobStore creates the backing directory if needed.
func NewLocalBlobStore(dir string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &LocalBlobStore{dir: dir}, nil
}

// Put writes the blob under dir/key. The content type is carried in the
// key's extension by convention; local storage has nowhere else to put it.
func (s *LocalBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob subdirectory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	return key, nil
}

// Get reads a blob back by the reference Put returned.
func (s *LocalBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(ref)))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

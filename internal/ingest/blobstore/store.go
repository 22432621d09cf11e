// Package blobstore defines the durable object store the pipeline commits into,
// with an S3-compatible backend and a local filesystem backend.
package blobstore

import (
	"context"
	"io"
	"strings"

	errors "github.com/Laisky/errors/v2"
)

// Backend kinds, recorded in the StorageType property of stored files.
const (
	KindS3    = "S3Storage"
	KindLocal = "LocalStorage"
)

// Store is a key-addressed object store.
type Store interface {
	// PutObject writes body under key. size may be -1 when unknown.
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (Object, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// DeleteIfExists removes key, an absent key is not an error.
	DeleteIfExists(ctx context.Context, key string) error
	// PublicURL returns the backend's own locator for key.
	PublicURL(key string) string
	// Kind names the backend.
	Kind() string
	// Container returns the bucket or container name, empty when not applicable.
	Container() string
}

// Object describes a committed object.
type Object struct {
	Key  string
	Size int64
	ETag string
}

// ValidateKey rejects keys that could escape the container.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("object key is empty")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return errors.Errorf("object key %q must be a relative slash-separated path", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return errors.Errorf("object key %q has an invalid segment", key)
		}
	}
	return nil
}

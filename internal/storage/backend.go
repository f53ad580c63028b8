// Package storage defines the Backend interface for raw object storage and
// constructs the configured implementation.
package storage

import (
	"context"
	"io"
	"io/fs"
)

// ErrObjectNotFound is wrapped by every backend when a key is absent.
// Backends live in subpackages and wrap fs.ErrNotExist directly.
var ErrObjectNotFound = fs.ErrNotExist

// Backend is the interface for content storage backends.
// Implementations handle raw object I/O only; file metadata lives in the
// metadata store.
type Backend interface {
	// GetObject opens the object stored under key and returns its size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key. size may be -1 when unknown.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

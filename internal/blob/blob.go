// Package blob stores raw file bytes under storage-assigned names.
//
// A blob reference is a random UUID chosen here, never by the client, so two
// uploads can not collide and a reference reveals nothing about its file.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitdrive/internal/logging"
	"github.com/fruitsalade/fruitdrive/internal/metrics"
	"github.com/fruitsalade/fruitdrive/internal/models"
	"github.com/fruitsalade/fruitdrive/internal/storage"
)

// Store is the blob store over a storage backend.
type Store struct {
	backend storage.Backend
	newRef  func() string
}

// New creates a blob store writing to backend.
func New(backend storage.Backend) *Store {
	return &Store{
		backend: backend,
		newRef:  uuid.NewString,
	}
}

// Put writes the stream under a freshly generated reference and returns it.
// size is passed to the backend and may be -1 when unknown.
func (s *Store) Put(ctx context.Context, r io.Reader, size int64) (string, error) {
	ref := s.newRef()
	if err := s.backend.PutObject(ctx, ref, r, size); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	return ref, nil
}

// Get opens the blob stored under ref. The caller closes the reader.
func (s *Store) Get(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	rc, size, err := s.backend.GetObject(ctx, ref)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", models.ErrBlobNotFound, ref)
		}
		return nil, 0, fmt.Errorf("open blob: %w", err)
	}
	return rc, size, nil
}

// Delete removes the blob stored under ref. It is best effort: a failure is
// logged and counted, never returned, because the metadata that pointed at
// the blob is already gone.
func (s *Store) Delete(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.backend.DeleteObject(ctx, ref); err != nil {
		metrics.RecordBlobPurgeFailure()
		logging.WithContext(ctx).Warn("failed to remove blob",
			zap.String("blob_ref", ref),
			zap.String("backend", s.backend.Type()),
			zap.Error(err))
	}
}

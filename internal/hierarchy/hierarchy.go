// Package hierarchy implements the per-user folder tree: name rules, cascade
// deletes and the blob cleanup that follows a removed file record.
//
// Every method takes the caller's user id and never touches rows of another
// user. A folder or file owned by someone else is reported as
// models.ErrNotFound, exactly like a missing one.
package hierarchy

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitdrive/internal/logging"
	"github.com/fruitsalade/fruitdrive/internal/metadata"
	"github.com/fruitsalade/fruitdrive/internal/metrics"
	"github.com/fruitsalade/fruitdrive/internal/models"
)

// MaxNameLength is the longest folder or file name accepted, in runes.
const MaxNameLength = 255

// BlobDeleter removes stored bytes. Failures are handled by the deleter.
type BlobDeleter interface {
	Delete(ctx context.Context, ref string)
}

// FileSpec describes a file record to create for already stored bytes.
type FileSpec struct {
	Name     string
	MimeType string
	Size     int64
	BlobRef  string
	FolderID *int64
}

// Service is the hierarchy store.
type Service struct {
	store metadata.TreeStore
	blobs BlobDeleter
}

// New creates a hierarchy service.
func New(store metadata.TreeStore, blobs BlobDeleter) *Service {
	return &Service{store: store, blobs: blobs}
}

// CleanName trims name and checks it is usable.
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name must not be empty", models.ErrInvalidName)
	case utf8.RuneCountInString(name) > MaxNameLength:
		return "", fmt.Errorf("%w: name exceeds %d characters", models.ErrInvalidName, MaxNameLength)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: name contains a NUL character", models.ErrInvalidName)
	}
	return name, nil
}

// ─── Folders ────────────────────────────────────────────────────────────────

// CreateFolder creates a folder under parentID, or at the root.
func (s *Service) CreateFolder(ctx context.Context, caller int64, name string, parentID *int64) (*models.Folder, error) {
	name, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	return s.store.CreateFolder(ctx, caller, name, parentID)
}

// RenameFolder renames a folder of caller.
func (s *Service) RenameFolder(ctx context.Context, caller, id int64, name string) (*models.Folder, error) {
	name, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	return s.store.RenameFolder(ctx, caller, id, name)
}

// MoveFolder reparents a folder of caller.
func (s *Service) MoveFolder(ctx context.Context, caller, id int64, parentID *int64) (*models.Folder, error) {
	return s.store.MoveFolder(ctx, caller, id, parentID)
}

// DeleteFolder removes the folder with everything below it, then purges the
// blobs of the removed files.
func (s *Service) DeleteFolder(ctx context.Context, caller, id int64) error {
	tree, err := s.store.DeleteFolderTree(ctx, caller, id)
	if err != nil {
		return err
	}
	metrics.RecordCascadeDelete(len(tree.FolderIDs), len(tree.Files))
	logging.WithContext(ctx).Info("folder deleted",
		zap.Int64("folder_id", id),
		zap.Int("folders", len(tree.FolderIDs)),
		zap.Int("files", len(tree.Files)))

	s.purge(ctx, tree.Files...)
	return nil
}

// ListAll returns every folder and file of caller.
func (s *Service) ListAll(ctx context.Context, caller int64) ([]models.Folder, []models.File, error) {
	folders, err := s.store.ListFolders(ctx, caller)
	if err != nil {
		return nil, nil, err
	}
	files, err := s.store.ListFiles(ctx, caller)
	if err != nil {
		return nil, nil, err
	}
	return folders, files, nil
}

// ─── Files ──────────────────────────────────────────────────────────────────

// CreateFile records a file whose bytes are already in the blob store.
func (s *Service) CreateFile(ctx context.Context, caller int64, in FileSpec) (*models.File, error) {
	name, err := CleanName(in.Name)
	if err != nil {
		return nil, err
	}
	return s.store.CreateFile(ctx, &models.File{
		OwnerID:  caller,
		Name:     name,
		MimeType: in.MimeType,
		Size:     in.Size,
		BlobRef:  in.BlobRef,
		FolderID: in.FolderID,
	})
}

// GetFileForRead returns a file of caller for download or preview.
func (s *Service) GetFileForRead(ctx context.Context, caller, id int64) (*models.File, error) {
	return s.store.GetFile(ctx, caller, id)
}

// RenameFile renames a file of caller.
func (s *Service) RenameFile(ctx context.Context, caller, id int64, name string) (*models.File, error) {
	name, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	return s.store.RenameFile(ctx, caller, id, name)
}

// ToggleStar flips the starred flag of a file of caller.
func (s *Service) ToggleStar(ctx context.Context, caller, id int64) (*models.File, error) {
	return s.store.ToggleStar(ctx, caller, id)
}

// MoveFile places a file of caller into folderID, or at the root.
func (s *Service) MoveFile(ctx context.Context, caller, id int64, folderID *int64) (*models.File, error) {
	return s.store.MoveFile(ctx, caller, id, folderID)
}

// DeleteFile removes a file record and purges its blob.
func (s *Service) DeleteFile(ctx context.Context, caller, id int64) (*models.File, error) {
	f, err := s.store.DeleteFile(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	s.purge(ctx, *f)
	return f, nil
}

// purge removes blobs of files whose records are already gone. It runs even
// if the request was cancelled after the metadata commit.
func (s *Service) purge(ctx context.Context, files ...models.File) {
	if s.blobs == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, f := range files {
		s.blobs.Delete(ctx, f.BlobRef)
	}
}

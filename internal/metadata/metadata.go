// Package metadata defines the persistence contract for users, folders and
// files. Every tree operation takes the owner id and only ever sees rows of
// that owner: a row of another user is indistinguishable from a missing row.
package metadata

import (
	"context"

	"github.com/fruitsalade/fruitdrive/internal/models"
)

// UserStore persists accounts.
type UserStore interface {
	// CreateUser inserts a user. Returns models.ErrDuplicateIdentity when
	// the email is taken.
	CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error)

	// GetUserByEmail returns models.ErrNotFound when no user has the email.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// TreeStore persists the per-user folder tree and file records.
type TreeStore interface {
	// CreateFolder returns models.ErrParentNotFound when parentID is set but
	// not owned by owner.
	CreateFolder(ctx context.Context, owner int64, name string, parentID *int64) (*models.Folder, error)
	RenameFolder(ctx context.Context, owner, id int64, name string) (*models.Folder, error)

	// MoveFolder reparents a folder. Returns models.ErrInvalidMove when the
	// new parent is the folder itself or one of its descendants.
	MoveFolder(ctx context.Context, owner, id int64, parentID *int64) (*models.Folder, error)

	// DeleteFolderTree removes the folder, every descendant folder and every
	// file inside them as one unit, and reports what was removed.
	DeleteFolderTree(ctx context.Context, owner, id int64) (*DeletedTree, error)

	// ListFolders returns all folders of owner ordered by creation time.
	ListFolders(ctx context.Context, owner int64) ([]models.Folder, error)

	// CreateFile inserts f for f.OwnerID. Returns models.ErrFolderNotFound
	// when f.FolderID is set but not owned by the same user.
	CreateFile(ctx context.Context, f *models.File) (*models.File, error)
	GetFile(ctx context.Context, owner, id int64) (*models.File, error)
	RenameFile(ctx context.Context, owner, id int64, name string) (*models.File, error)

	// ToggleStar flips the starred flag in a single atomic update.
	ToggleStar(ctx context.Context, owner, id int64) (*models.File, error)
	MoveFile(ctx context.Context, owner, id int64, folderID *int64) (*models.File, error)

	// DeleteFile removes the record and returns it as it was.
	DeleteFile(ctx context.Context, owner, id int64) (*models.File, error)

	// ListFiles returns all files of owner ordered by creation time.
	ListFiles(ctx context.Context, owner int64) ([]models.File, error)
}

// Store is a complete metadata backend.
type Store interface {
	UserStore
	TreeStore
	Ping(ctx context.Context) error
	Close() error
}

// DeletedTree describes the rows removed by DeleteFolderTree.
type DeletedTree struct {
	FolderIDs []int64
	Files     []models.File
}

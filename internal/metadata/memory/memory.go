// Package memory provides an in-process metadata store for development and
// tests. All state sits behind one mutex; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fruitsalade/fruitdrive/internal/metadata"
	"github.com/fruitsalade/fruitdrive/internal/models"
)

// Store is an in-memory metadata.Store.
type Store struct {
	mu sync.Mutex

	users   map[int64]models.User
	emails  map[string]int64
	folders map[int64]models.Folder
	files   map[int64]models.File

	nextUser   int64
	nextFolder int64
	nextFile   int64

	now func() time.Time

	// beforeRemove is called for every row a cascade delete stages for
	// removal. Tests use it to inject faults part way through.
	beforeRemove func(kind string, id int64) error
}

var _ metadata.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:   make(map[int64]models.User),
		emails:  make(map[string]int64),
		folders: make(map[int64]models.Folder),
		files:   make(map[int64]models.File),
		now:     time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ─── Users ──────────────────────────────────────────────────────────────────

// CreateUser inserts a user with a unique email.
func (s *Store) CreateUser(_ context.Context, email, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[email]; ok {
		return nil, fmt.Errorf("create user %s: %w", email, models.ErrDuplicateIdentity)
	}
	s.nextUser++
	u := models.User{
		ID:           s.nextUser,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    s.now(),
	}
	s.users[u.ID] = u
	s.emails[email] = u.ID
	return &u, nil
}

// GetUserByEmail looks a user up by email.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.emails[email]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, models.ErrNotFound)
	}
	u := s.users[id]
	return &u, nil
}

// ─── Folders ────────────────────────────────────────────────────────────────

// ownedFolder returns the folder if it exists and belongs to owner.
// Callers hold s.mu.
func (s *Store) ownedFolder(owner, id int64) (models.Folder, bool) {
	f, ok := s.folders[id]
	if !ok || f.OwnerID != owner {
		return models.Folder{}, false
	}
	return f, true
}

// CreateFolder inserts a folder under parentID, or at the root.
func (s *Store) CreateFolder(_ context.Context, owner int64, name string, parentID *int64) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if parentID != nil {
		if _, ok := s.ownedFolder(owner, *parentID); !ok {
			return nil, fmt.Errorf("create folder under %d: %w", *parentID, models.ErrParentNotFound)
		}
	}
	s.nextFolder++
	f := models.Folder{
		ID:        s.nextFolder,
		OwnerID:   owner,
		Name:      name,
		ParentID:  copyID(parentID),
		CreatedAt: s.now(),
	}
	s.folders[f.ID] = f
	return cloneFolder(f), nil
}

// RenameFolder changes a folder's name.
func (s *Store) RenameFolder(_ context.Context, owner, id int64, name string) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.ownedFolder(owner, id)
	if !ok {
		return nil, fmt.Errorf("folder %d: %w", id, models.ErrNotFound)
	}
	f.Name = name
	s.folders[id] = f
	return cloneFolder(f), nil
}

// MoveFolder reparents a folder after checking the new parent is not inside
// the folder being moved.
func (s *Store) MoveFolder(_ context.Context, owner, id int64, parentID *int64) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.ownedFolder(owner, id)
	if !ok {
		return nil, fmt.Errorf("folder %d: %w", id, models.ErrNotFound)
	}
	if parentID != nil {
		if _, ok := s.ownedFolder(owner, *parentID); !ok {
			return nil, fmt.Errorf("move folder %d under %d: %w", id, *parentID, models.ErrParentNotFound)
		}
		// Walk up from the new parent; meeting id means a cycle.
		for cur := parentID; cur != nil; cur = s.folders[*cur].ParentID {
			if *cur == id {
				return nil, fmt.Errorf("move folder %d under %d: %w", id, *parentID, models.ErrInvalidMove)
			}
		}
	}
	f.ParentID = copyID(parentID)
	s.folders[id] = f
	return cloneFolder(f), nil
}

// DeleteFolderTree stages the removal of the subtree on copies of the maps
// and swaps them in only when every row was removed.
func (s *Store) DeleteFolderTree(_ context.Context, owner, id int64) (*metadata.DeletedTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ownedFolder(owner, id); !ok {
		return nil, fmt.Errorf("folder %d: %w", id, models.ErrNotFound)
	}

	inTree := map[int64]bool{id: true}
	queue := []int64{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, f := range s.folders {
			if f.OwnerID == owner && f.ParentID != nil && *f.ParentID == cur && !inTree[f.ID] {
				inTree[f.ID] = true
				queue = append(queue, f.ID)
			}
		}
	}

	folders := make(map[int64]models.Folder, len(s.folders))
	for k, v := range s.folders {
		folders[k] = v
	}
	files := make(map[int64]models.File, len(s.files))
	for k, v := range s.files {
		files[k] = v
	}

	deleted := &metadata.DeletedTree{}
	for _, f := range sortedFiles(s.files, owner) {
		if f.FolderID == nil || !inTree[*f.FolderID] {
			continue
		}
		if err := s.hook("file", f.ID); err != nil {
			return nil, fmt.Errorf("delete file %d: %w", f.ID, err)
		}
		delete(files, f.ID)
		deleted.Files = append(deleted.Files, *cloneFile(f))
	}
	for _, f := range sortedFolders(s.folders, owner) {
		if !inTree[f.ID] {
			continue
		}
		if err := s.hook("folder", f.ID); err != nil {
			return nil, fmt.Errorf("delete folder %d: %w", f.ID, err)
		}
		delete(folders, f.ID)
		deleted.FolderIDs = append(deleted.FolderIDs, f.ID)
	}

	s.folders = folders
	s.files = files
	return deleted, nil
}

func (s *Store) hook(kind string, id int64) error {
	if s.beforeRemove == nil {
		return nil
	}
	return s.beforeRemove(kind, id)
}

// ListFolders returns the owner's folders by creation time.
func (s *Store) ListFolders(_ context.Context, owner int64) ([]models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := sortedFolders(s.folders, owner)
	out := make([]models.Folder, 0, len(list))
	for _, f := range list {
		out = append(out, *cloneFolder(f))
	}
	return out, nil
}

// ─── Files ──────────────────────────────────────────────────────────────────

// CreateFile inserts a file record.
func (s *Store) CreateFile(_ context.Context, in *models.File) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.FolderID != nil {
		if _, ok := s.ownedFolder(in.OwnerID, *in.FolderID); !ok {
			return nil, fmt.Errorf("create file in %d: %w", *in.FolderID, models.ErrFolderNotFound)
		}
	}
	s.nextFile++
	f := *in
	f.ID = s.nextFile
	f.FolderID = copyID(in.FolderID)
	f.Starred = false
	f.CreatedAt = s.now()
	s.files[f.ID] = f
	return cloneFile(f), nil
}

func (s *Store) ownedFile(owner, id int64) (models.File, bool) {
	f, ok := s.files[id]
	if !ok || f.OwnerID != owner {
		return models.File{}, false
	}
	return f, true
}

// GetFile returns a file of owner.
func (s *Store) GetFile(_ context.Context, owner, id int64) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.ownedFile(owner, id)
	if !ok {
		return nil, fmt.Errorf("file %d: %w", id, models.ErrNotFound)
	}
	return cloneFile(f), nil
}

// RenameFile changes a file's name.
func (s *Store) RenameFile(_ context.Context, owner, id int64, name string) (*models.File, error) {
	return s.updateFile(owner, id, func(f *models.File) error {
		f.Name = name
		return nil
	})
}

// ToggleStar flips the starred flag.
func (s *Store) ToggleStar(_ context.Context, owner, id int64) (*models.File, error) {
	return s.updateFile(owner, id, func(f *models.File) error {
		f.Starred = !f.Starred
		return nil
	})
}

// MoveFile places a file in folderID, or at the root.
func (s *Store) MoveFile(_ context.Context, owner, id int64, folderID *int64) (*models.File, error) {
	return s.updateFile(owner, id, func(f *models.File) error {
		if folderID != nil {
			if _, ok := s.ownedFolder(owner, *folderID); !ok {
				return fmt.Errorf("move file %d to %d: %w", id, *folderID, models.ErrFolderNotFound)
			}
		}
		f.FolderID = copyID(folderID)
		return nil
	})
}

func (s *Store) updateFile(owner, id int64, mutate func(*models.File) error) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.ownedFile(owner, id)
	if !ok {
		return nil, fmt.Errorf("file %d: %w", id, models.ErrNotFound)
	}
	if err := mutate(&f); err != nil {
		return nil, err
	}
	s.files[id] = f
	return cloneFile(f), nil
}

// DeleteFile removes a file record and returns it.
func (s *Store) DeleteFile(_ context.Context, owner, id int64) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.ownedFile(owner, id)
	if !ok {
		return nil, fmt.Errorf("file %d: %w", id, models.ErrNotFound)
	}
	delete(s.files, id)
	return cloneFile(f), nil
}

// ListFiles returns the owner's files by creation time.
func (s *Store) ListFiles(_ context.Context, owner int64) ([]models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := sortedFiles(s.files, owner)
	out := make([]models.File, 0, len(list))
	for _, f := range list {
		out = append(out, *cloneFile(f))
	}
	return out, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func sortedFolders(all map[int64]models.Folder, owner int64) []models.Folder {
	var list []models.Folder
	for _, f := range all {
		if f.OwnerID == owner {
			list = append(list, f)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func sortedFiles(all map[int64]models.File, owner int64) []models.File {
	var list []models.File
	for _, f := range all {
		if f.OwnerID == owner {
			list = append(list, f)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneFolder(f models.Folder) *models.Folder {
	f.ParentID = copyID(f.ParentID)
	return &f
}

func cloneFile(f models.File) *models.File {
	f.FolderID = copyID(f.FolderID)
	return &f
}

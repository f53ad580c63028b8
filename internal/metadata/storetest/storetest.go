// Package storetest holds behaviour tests shared by every metadata.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/fruitdrive/internal/metadata"
	"github.com/fruitsalade/fruitdrive/internal/models"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) metadata.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s metadata.Store)
	}{
		{"Users", testUsers},
		{"FolderLifecycle", testFolderLifecycle},
		{"FileLifecycle", testFileLifecycle},
		{"TenantIsolation", testTenantIsolation},
		{"CascadeDelete", testCascadeDelete},
		{"CascadeLeavesSiblings", testCascadeLeavesSiblings},
		{"Ordering", testOrdering},
		{"ConcurrentToggleStar", testConcurrentToggleStar},
		{"MoveFolder", testMoveFolder},
		{"MoveFile", testMoveFile},
		{"CreateDuringCascade", testCreateDuringCascade},
		{"ConcurrentSwapMoves", testConcurrentSwapMoves},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func mustUser(t *testing.T, s metadata.Store, email string) *models.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), email, "hash-"+email)
	require.NoError(t, err)
	return u
}

func mustFolder(t *testing.T, s metadata.Store, owner int64, name string, parent *int64) *models.Folder {
	t.Helper()
	f, err := s.CreateFolder(context.Background(), owner, name, parent)
	require.NoError(t, err)
	return f
}

func mustFile(t *testing.T, s metadata.Store, owner int64, name string, folder *int64) *models.File {
	t.Helper()
	f, err := s.CreateFile(context.Background(), &models.File{
		OwnerID:  owner,
		Name:     name,
		MimeType: "text/plain",
		Size:     int64(len(name)),
		BlobRef:  "blob-" + name,
		FolderID: folder,
	})
	require.NoError(t, err)
	return f
}

func testUsers(t *testing.T, s metadata.Store) {
	ctx := context.Background()

	u := mustUser(t, s, "a@x.io")
	assert.NotZero(t, u.ID)
	assert.Equal(t, "a@x.io", u.Email)
	assert.False(t, u.CreatedAt.IsZero())

	_, err := s.CreateUser(ctx, "a@x.io", "other")
	assert.True(t, errors.Is(err, models.ErrDuplicateIdentity), "got %v", err)

	got, err := s.GetUserByEmail(ctx, "a@x.io")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "hash-a@x.io", got.PasswordHash)

	_, err = s.GetUserByEmail(ctx, "missing@x.io")
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
}

func testFolderLifecycle(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@x.io")

	root := mustFolder(t, s, u.ID, "Docs", nil)
	assert.Nil(t, root.ParentID)
	assert.Equal(t, u.ID, root.OwnerID)

	child := mustFolder(t, s, u.ID, "Work", &root.ID)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, root.ID, *child.ParentID)

	_, err := s.CreateFolder(ctx, u.ID, "orphan", models.Int64Ptr(999999))
	assert.True(t, errors.Is(err, models.ErrParentNotFound), "got %v", err)

	renamed, err := s.RenameFolder(ctx, u.ID, child.ID, "Projects")
	require.NoError(t, err)
	assert.Equal(t, "Projects", renamed.Name)

	again, err := s.RenameFolder(ctx, u.ID, child.ID, "Projects")
	require.NoError(t, err)
	assert.Equal(t, renamed.Name, again.Name)

	_, err = s.RenameFolder(ctx, u.ID, 999999, "x")
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)

	list, err := s.ListFolders(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Projects", list[1].Name)
}

func testFileLifecycle(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@x.io")
	folder := mustFolder(t, s, u.ID, "Docs", nil)

	f := mustFile(t, s, u.ID, "a.txt", &folder.ID)
	assert.NotZero(t, f.ID)
	assert.False(t, f.Starred)
	assert.Equal(t, "blob-a.txt", f.BlobRef)
	assert.Equal(t, int64(5), f.Size)

	_, err := s.CreateFile(ctx, &models.File{OwnerID: u.ID, Name: "b", BlobRef: "r", FolderID: models.Int64Ptr(999999)})
	assert.True(t, errors.Is(err, models.ErrFolderNotFound), "got %v", err)

	got, err := s.GetFile(ctx, u.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Name, got.Name)
	assert.Equal(t, f.MimeType, got.MimeType)
	require.NotNil(t, got.FolderID)
	assert.Equal(t, folder.ID, *got.FolderID)

	renamed, err := s.RenameFile(ctx, u.ID, f.ID, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b.txt", renamed.Name)
	assert.Equal(t, f.BlobRef, renamed.BlobRef)

	starred, err := s.ToggleStar(ctx, u.ID, f.ID)
	require.NoError(t, err)
	assert.True(t, starred.Starred)
	unstarred, err := s.ToggleStar(ctx, u.ID, f.ID)
	require.NoError(t, err)
	assert.False(t, unstarred.Starred)

	deleted, err := s.DeleteFile(ctx, u.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "blob-a.txt", deleted.BlobRef)

	_, err = s.GetFile(ctx, u.ID, f.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
	_, err = s.DeleteFile(ctx, u.ID, f.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
}

func testTenantIsolation(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	alice := mustUser(t, s, "alice@x.io")
	bob := mustUser(t, s, "bob@x.io")

	folder := mustFolder(t, s, alice.ID, "Private", nil)
	file := mustFile(t, s, alice.ID, "secret.txt", &folder.ID)

	notFound := func(err error) {
		t.Helper()
		assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
	}

	_, err := s.GetFile(ctx, bob.ID, file.ID)
	notFound(err)
	_, err = s.RenameFile(ctx, bob.ID, file.ID, "mine")
	notFound(err)
	_, err = s.ToggleStar(ctx, bob.ID, file.ID)
	notFound(err)
	_, err = s.MoveFile(ctx, bob.ID, file.ID, nil)
	notFound(err)
	_, err = s.DeleteFile(ctx, bob.ID, file.ID)
	notFound(err)
	_, err = s.RenameFolder(ctx, bob.ID, folder.ID, "mine")
	notFound(err)
	_, err = s.MoveFolder(ctx, bob.ID, folder.ID, nil)
	notFound(err)
	_, err = s.DeleteFolderTree(ctx, bob.ID, folder.ID)
	notFound(err)

	_, err = s.CreateFolder(ctx, bob.ID, "inside", &folder.ID)
	assert.True(t, errors.Is(err, models.ErrParentNotFound), "got %v", err)
	_, err = s.CreateFile(ctx, &models.File{OwnerID: bob.ID, Name: "x", BlobRef: "r", FolderID: &folder.ID})
	assert.True(t, errors.Is(err, models.ErrFolderNotFound), "got %v", err)

	folders, err := s.ListFolders(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, folders)
	files, err := s.ListFiles(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, files)

	// Alice's data is untouched.
	got, err := s.GetFile(ctx, alice.ID, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret.txt", got.Name)
	assert.False(t, got.Starred)
}

func testCascadeDelete(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@x.io")

	a := mustFolder(t, s, u.ID, "A", nil)
	b := mustFolder(t, s, u.ID, "B", &a.ID)
	c := mustFolder(t, s, u.ID, "C", &b.ID)
	mustFile(t, s, u.ID, "a1", &a.ID)
	mustFile(t, s, u.ID, "b1", &b.ID)
	mustFile(t, s, u.ID, "c1", &c.ID)
	mustFile(t, s, u.ID, "c2", &c.ID)

	tree, err := s.DeleteFolderTree(ctx, u.ID, a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a.ID, b.ID, c.ID}, tree.FolderIDs)
	refs := make([]string, 0, len(tree.Files))
	for _, f := range tree.Files {
		refs = append(refs, f.BlobRef)
	}
	assert.ElementsMatch(t, []string{"blob-a1", "blob-b1", "blob-c1", "blob-c2"}, refs)

	folders, err := s.ListFolders(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, folders)
	files, err := s.ListFiles(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = s.DeleteFolderTree(ctx, u.ID, a.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
}

func testCascadeLeavesSiblings(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@x.io")
	other := mustUser(t, s, "b@x.io")

	a := mustFolder(t, s, u.ID, "A", nil)
	sub := mustFolder(t, s, u.ID, "Sub", &a.ID)
	keep := mustFolder(t, s, u.ID, "Keep", nil)
	mustFile(t, s, u.ID, "gone", &sub.ID)
	rootFile := mustFile(t, s, u.ID, "root", nil)
	kept := mustFile(t, s, u.ID, "kept", &keep.ID)
	otherFolder := mustFolder(t, s, other.ID, "A", nil)
	otherFile := mustFile(t, s, other.ID, "theirs", &otherFolder.ID)

	_, err := s.DeleteFolderTree(ctx, u.ID, a.ID)
	require.NoError(t, err)

	folders, err := s.ListFolders(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, keep.ID, folders[0].ID)

	files, err := s.ListFiles(ctx, u.ID)
	require.NoError(t, err)
	ids := []int64{}
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	assert.ElementsMatch(t, []int64{rootFile.ID, kept.ID}, ids)

	_, err = s.GetFile(ctx, other.ID, otherFile.ID)
	assert.NoError(t, err)
}

func testOrdering(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@x.io")

	var want []string
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("f%d", i)
		mustFolder(t, s, u.ID, name, nil)
		mustFile(t, s, u.ID, name, nil)
		want = append(want, name)
	}

	folders, err := s.ListFolders(ctx, u.ID)
	require.NoError(t, err)
	files, err := s.ListFiles(ctx, u.ID)
	require.NoError(t, err)

	var gotFolders, gotFiles []string
	for _, f := range folders {
		gotFolders = append(gotFolders, f.Name)
	}
	for _, f := range files {
		gotFiles = append(gotFiles, f.Name)
	}
	assert.Equal(t, want, gotFolders)
	assert.Equal(t, want, gotFiles)
}

func testConcurrentToggleStar(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@x.io")
	f := mustFile(t, s, u.ID, "star.txt", nil)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ToggleStar(ctx, u.ID, f.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetFile(ctx, u.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, n%2 == 1, got.Starred)
}

func testMoveFolder(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@x.io")

	a := mustFolder(t, s, u.ID, "A", nil)
	b := mustFolder(t, s, u.ID, "B", &a.ID)
	c := mustFolder(t, s, u.ID, "C", &b.ID)
	d := mustFolder(t, s, u.ID, "D", nil)

	invalid := func(err error) {
		t.Helper()
		assert.True(t, errors.Is(err, models.ErrInvalidMove), "got %v", err)
	}
	_, err := s.MoveFolder(ctx, u.ID, a.ID, &a.ID)
	invalid(err)
	_, err = s.MoveFolder(ctx, u.ID, a.ID, &c.ID)
	invalid(err)

	_, err = s.MoveFolder(ctx, u.ID, a.ID, models.Int64Ptr(999999))
	assert.True(t, errors.Is(err, models.ErrParentNotFound), "got %v", err)

	moved, err := s.MoveFolder(ctx, u.ID, b.ID, &d.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.ParentID)
	assert.Equal(t, d.ID, *moved.ParentID)

	// B left A's subtree, so deleting A no longer reaches C.
	_, err = s.DeleteFolderTree(ctx, u.ID, a.ID)
	require.NoError(t, err)
	folders, err := s.ListFolders(ctx, u.ID)
	require.NoError(t, err)
	ids := []int64{}
	for _, f := range folders {
		ids = append(ids, f.ID)
	}
	assert.ElementsMatch(t, []int64{b.ID, c.ID, d.ID}, ids)

	toRoot, err := s.MoveFolder(ctx, u.ID, c.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, toRoot.ParentID)
}

func testMoveFile(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@x.io")
	other := mustUser(t, s, "b@x.io")

	dst := mustFolder(t, s, u.ID, "Dst", nil)
	foreign := mustFolder(t, s, other.ID, "Theirs", nil)
	f := mustFile(t, s, u.ID, "a.txt", nil)

	moved, err := s.MoveFile(ctx, u.ID, f.ID, &dst.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.FolderID)
	assert.Equal(t, dst.ID, *moved.FolderID)

	_, err = s.MoveFile(ctx, u.ID, f.ID, &foreign.ID)
	assert.True(t, errors.Is(err, models.ErrFolderNotFound), "got %v", err)

	back, err := s.MoveFile(ctx, u.ID, f.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, back.FolderID)

	_, err = s.MoveFile(ctx, u.ID, 999999, nil)
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
}

// testCreateDuringCascade races creates into a deep descendant against the
// deletion of its top folder. Every create either fails with the matching
// not-found error or lands before the cascade and is removed by it.
func testCreateDuringCascade(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@x.io")

	const rounds = 10
	for round := 0; round < rounds; round++ {
		top := mustFolder(t, s, u.ID, fmt.Sprintf("top-%d", round), nil)
		mid := mustFolder(t, s, u.ID, "mid", &top.ID)
		deep := mustFolder(t, s, u.ID, "deep", &mid.ID)

		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			deleted   *metadata.DeletedTree
			deleteErr error
			folder    *models.Folder
			folderErr error
			file      *models.File
			fileErr   error
		)
		wg.Add(3)
		go func() {
			defer wg.Done()
			<-start
			deleted, deleteErr = s.DeleteFolderTree(ctx, u.ID, top.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			folder, folderErr = s.CreateFolder(ctx, u.ID, "late", &deep.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			file, fileErr = s.CreateFile(ctx, &models.File{
				OwnerID:  u.ID,
				Name:     "late.txt",
				MimeType: "text/plain",
				BlobRef:  fmt.Sprintf("blob-late-%d", round),
				FolderID: &deep.ID,
			})
		}()
		close(start)
		wg.Wait()

		require.NoError(t, deleteErr, "round %d", round)
		if folderErr != nil {
			assert.True(t, errors.Is(folderErr, models.ErrParentNotFound), "round %d: %v", round, folderErr)
		} else {
			assert.Contains(t, deleted.FolderIDs, folder.ID, "round %d: created folder survived the cascade", round)
		}
		if fileErr != nil {
			assert.True(t, errors.Is(fileErr, models.ErrFolderNotFound), "round %d: %v", round, fileErr)
		} else {
			var refs []string
			for _, f := range deleted.Files {
				refs = append(refs, f.BlobRef)
			}
			assert.Contains(t, refs, file.BlobRef, "round %d: created file survived the cascade", round)
		}

		folders, err := s.ListFolders(ctx, u.ID)
		require.NoError(t, err)
		assert.Empty(t, folders, "round %d", round)
		files, err := s.ListFiles(ctx, u.ID)
		require.NoError(t, err)
		assert.Empty(t, files, "round %d", round)
	}
}

// testConcurrentSwapMoves moves A under B and B under A at the same time.
// Exactly one move can win; the other would close a cycle.
func testConcurrentSwapMoves(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "a@x.io")

	const rounds = 10
	for round := 0; round < rounds; round++ {
		a := mustFolder(t, s, u.ID, fmt.Sprintf("a-%d", round), nil)
		b := mustFolder(t, s, u.ID, fmt.Sprintf("b-%d", round), nil)

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  [2]error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, errs[0] = s.MoveFolder(ctx, u.ID, a.ID, &b.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, errs[1] = s.MoveFolder(ctx, u.ID, b.ID, &a.ID)
		}()
		close(start)
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, errors.Is(err, models.ErrInvalidMove), "round %d: %v", round, err)
		}
		assert.Equal(t, 1, succeeded, "round %d", round)

		folders, err := s.ListFolders(ctx, u.ID)
		require.NoError(t, err)
		assertAcyclic(t, folders)

		// Clear the round so the next one starts from two root folders.
		_, err = s.DeleteFolderTree(ctx, u.ID, a.ID)
		if errors.Is(err, models.ErrNotFound) {
			err = nil
		}
		require.NoError(t, err)
		_, err = s.DeleteFolderTree(ctx, u.ID, b.ID)
		if errors.Is(err, models.ErrNotFound) {
			err = nil
		}
		require.NoError(t, err)
	}
}

// assertAcyclic checks that walking parents from every folder reaches root.
func assertAcyclic(t *testing.T, folders []models.Folder) {
	t.Helper()
	parent := make(map[int64]*int64, len(folders))
	for _, f := range folders {
		parent[f.ID] = f.ParentID
	}
	for _, f := range folders {
		steps := 0
		for p := f.ParentID; p != nil; p = parent[*p] {
			steps++
			if !assert.LessOrEqual(t, steps, len(folders), "folder %d is on a cycle", f.ID) {
				return
			}
		}
	}
}

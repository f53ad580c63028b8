// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitdrive/internal/logging"
	"github.com/fruitsalade/fruitdrive/internal/metadata"
	"github.com/fruitsalade/fruitdrive/internal/metrics"
	"github.com/fruitsalade/fruitdrive/internal/models"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"

	// Upper bound on lock rounds while a subtree keeps growing under us.
	maxLockRounds = 16
)

const folderColumns = `id, user_id, name, parent_id, created_at`

const fileColumns = `id, user_id, name, mime_type, size, blob_ref, folder_id, starred, created_at`

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

var _ metadata.Store = (*Store)(nil)

// New opens the database and verifies the connection.
func New(databaseURL string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs every *.up.sql file of fsys in name order.
func (s *Store) Migrate(ctx context.Context, fsys fs.FS) error {
	files, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", f))
		content, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// ─── Users ──────────────────────────────────────────────────────────────────

// CreateUser inserts a user with a unique email.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_user", time.Since(start)) }()

	u := models.User{Email: email, PasswordHash: passwordHash}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (email, password) VALUES ($1, $2)
		 RETURNING id, created_at`,
		email, passwordHash).Scan(&u.ID, &u.CreatedAt)
	if isCode(err, codeUniqueViolation) {
		return nil, fmt.Errorf("create user %s: %w", email, models.ErrDuplicateIdentity)
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &u, nil
}

// GetUserByEmail looks a user up by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_user_by_email", time.Since(start)) }()

	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password, created_at FROM users WHERE email = $1`,
		email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// ─── Folders ────────────────────────────────────────────────────────────────

// CreateFolder inserts a folder. The parent ownership check and the insert
// are one statement.
func (s *Store) CreateFolder(ctx context.Context, owner int64, name string, parentID *int64) (*models.Folder, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_folder", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO folders (user_id, name, parent_id)
		 SELECT $1::bigint, $2::text, $3::bigint
		 WHERE $3::bigint IS NULL
		    OR EXISTS (SELECT 1 FROM folders WHERE id = $3::bigint AND user_id = $1::bigint)
		 RETURNING `+folderColumns,
		owner, name, nullID(parentID))
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) || isCode(err, codeForeignKeyViolation) {
		return nil, fmt.Errorf("create folder under %d: %w", deref(parentID), models.ErrParentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}
	return f, nil
}

// RenameFolder changes a folder's name.
func (s *Store) RenameFolder(ctx context.Context, owner, id int64, name string) (*models.Folder, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("rename_folder", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`UPDATE folders SET name = $3 WHERE id = $1 AND user_id = $2
		 RETURNING `+folderColumns,
		id, owner, name)
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("rename folder: %w", err)
	}
	return f, nil
}

// MoveFolder reparents a folder. Structural changes of one owner's tree are
// serialized with a transaction-scoped advisory lock keyed on the owner.
func (s *Store) MoveFolder(ctx context.Context, owner, id int64, parentID *int64) (*models.Folder, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("move_folder", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, owner); err != nil {
		return nil, fmt.Errorf("lock tree: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM folders WHERE id = $1 AND user_id = $2)`,
		id, owner).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query folder: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("folder %d: %w", id, models.ErrNotFound)
	}

	if parentID != nil {
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM folders WHERE id = $1 AND user_id = $2)`,
			*parentID, owner).Scan(&exists); err != nil {
			return nil, fmt.Errorf("query parent: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("move folder %d under %d: %w", id, *parentID, models.ErrParentNotFound)
		}

		var cycle bool
		if err := tx.QueryRowContext(ctx,
			`WITH RECURSIVE ancestors AS (
			     SELECT id, parent_id FROM folders WHERE id = $1
			     UNION
			     SELECT f.id, f.parent_id FROM folders f
			     JOIN ancestors a ON f.id = a.parent_id
			 )
			 SELECT EXISTS (SELECT 1 FROM ancestors WHERE id = $2)`,
			*parentID, id).Scan(&cycle); err != nil {
			return nil, fmt.Errorf("query ancestors: %w", err)
		}
		if cycle {
			return nil, fmt.Errorf("move folder %d under %d: %w", id, *parentID, models.ErrInvalidMove)
		}
	}

	row := tx.QueryRowContext(ctx,
		`UPDATE folders SET parent_id = $3::bigint WHERE id = $1 AND user_id = $2
		 RETURNING `+folderColumns,
		id, owner, nullID(parentID))
	f, err := scanFolder(row)
	if err != nil {
		return nil, fmt.Errorf("move folder: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return f, nil
}

// DeleteFolderTree removes a folder, its descendants and their files in one
// transaction. The subtree rows are locked first so that no folder or file
// can be attached to them until the transaction ends.
func (s *Store) DeleteFolderTree(ctx context.Context, owner, id int64) (*metadata.DeletedTree, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_folder_tree", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, owner); err != nil {
		return nil, fmt.Errorf("lock tree: %w", err)
	}

	var ids []int64
	for round := 0; ; round++ {
		locked, err := lockSubtree(ctx, tx, owner, id)
		if err != nil {
			return nil, err
		}
		if len(locked) == 0 {
			return nil, fmt.Errorf("folder %d: %w", id, models.ErrNotFound)
		}
		if len(locked) == len(ids) {
			break
		}
		ids = locked
		if round == maxLockRounds {
			return nil, fmt.Errorf("folder %d: subtree still growing after %d rounds", id, round)
		}
	}

	rows, err := tx.QueryContext(ctx,
		`DELETE FROM files WHERE user_id = $1 AND folder_id = ANY($2)
		 RETURNING `+fileColumns,
		owner, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("delete files: %w", err)
	}
	files, err := collectFiles(rows)
	if err != nil {
		return nil, fmt.Errorf("delete files: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM folders WHERE user_id = $1 AND id = ANY($2)`,
		owner, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("delete folders: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != int64(len(ids)) {
		return nil, fmt.Errorf("delete folders: removed %d of %d rows", n, len(ids))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	logging.Debug("deleted folder tree",
		zap.Int64("folder_id", id),
		zap.Int("folders", len(ids)),
		zap.Int("files", len(files)))
	return &metadata.DeletedTree{FolderIDs: ids, Files: files}, nil
}

func lockSubtree(ctx context.Context, tx *sql.Tx, owner, id int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		`WITH RECURSIVE subtree AS (
		     SELECT id FROM folders WHERE id = $1 AND user_id = $2
		     UNION
		     SELECT f.id FROM folders f
		     JOIN subtree s ON f.parent_id = s.id
		     WHERE f.user_id = $2
		 )
		 SELECT id FROM folders WHERE id IN (SELECT id FROM subtree)
		 ORDER BY id FOR UPDATE`,
		id, owner)
	if err != nil {
		return nil, fmt.Errorf("lock subtree: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan subtree: %w", err)
		}
		ids = append(ids, v)
	}
	return ids, rows.Err()
}

// ListFolders returns the owner's folders by creation time.
func (s *Store) ListFolders(ctx context.Context, owner int64) ([]models.Folder, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_folders", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE user_id = $1
		 ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	folders := []models.Folder{}
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

// ─── Files ──────────────────────────────────────────────────────────────────

// CreateFile inserts a file record for f.OwnerID.
func (s *Store) CreateFile(ctx context.Context, f *models.File) (*models.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_file", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO files (user_id, name, mime_type, size, blob_ref, folder_id)
		 SELECT $1::bigint, $2::text, $3::text, $4::bigint, $5::text, $6::bigint
		 WHERE $6::bigint IS NULL
		    OR EXISTS (SELECT 1 FROM folders WHERE id = $6::bigint AND user_id = $1::bigint)
		 RETURNING `+fileColumns,
		f.OwnerID, f.Name, f.MimeType, f.Size, f.BlobRef, nullID(f.FolderID))
	out, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) || isCode(err, codeForeignKeyViolation) {
		return nil, fmt.Errorf("create file in %d: %w", deref(f.FolderID), models.ErrFolderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return out, nil
}

// GetFile returns a file of owner.
func (s *Store) GetFile(ctx context.Context, owner, id int64) (*models.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1 AND user_id = $2`,
		id, owner)
	return fileResult(row, id, "get file")
}

// RenameFile changes a file's name.
func (s *Store) RenameFile(ctx context.Context, owner, id int64, name string) (*models.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("rename_file", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`UPDATE files SET name = $3 WHERE id = $1 AND user_id = $2
		 RETURNING `+fileColumns,
		id, owner, name)
	return fileResult(row, id, "rename file")
}

// ToggleStar flips the starred flag. The read and the write are one
// statement, so concurrent toggles never lose an update.
func (s *Store) ToggleStar(ctx context.Context, owner, id int64) (*models.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("toggle_star", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`UPDATE files SET starred = NOT starred WHERE id = $1 AND user_id = $2
		 RETURNING `+fileColumns,
		id, owner)
	return fileResult(row, id, "toggle star")
}

// MoveFile places a file in folderID, or at the root.
func (s *Store) MoveFile(ctx context.Context, owner, id int64, folderID *int64) (*models.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("move_file", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`UPDATE files SET folder_id = $3::bigint
		 WHERE id = $1 AND user_id = $2
		   AND ($3::bigint IS NULL
		        OR EXISTS (SELECT 1 FROM folders WHERE id = $3::bigint AND user_id = $2))
		 RETURNING `+fileColumns,
		id, owner, nullID(folderID))
	f, err := scanFile(row)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isCode(err, codeForeignKeyViolation) {
		return nil, fmt.Errorf("move file: %w", err)
	}
	// Either the file or the target folder is missing.
	if _, err := s.GetFile(ctx, owner, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("move file %d to %d: %w", id, deref(folderID), models.ErrFolderNotFound)
}

// DeleteFile removes a file record and returns it.
func (s *Store) DeleteFile(ctx context.Context, owner, id int64) (*models.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_file", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`DELETE FROM files WHERE id = $1 AND user_id = $2
		 RETURNING `+fileColumns,
		id, owner)
	return fileResult(row, id, "delete file")
}

// ListFiles returns the owner's files by creation time.
func (s *Store) ListFiles(ctx context.Context, owner int64) ([]models.File, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_files", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE user_id = $1
		 ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	files, err := collectFiles(rows)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// ─── Scanning ───────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanFolder(row scanner) (*models.Folder, error) {
	var (
		f      models.Folder
		parent sql.NullInt64
	)
	if err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &parent, &f.CreatedAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		f.ParentID = models.Int64Ptr(parent.Int64)
	}
	return &f, nil
}

func scanFile(row scanner) (*models.File, error) {
	var (
		f      models.File
		folder sql.NullInt64
	)
	if err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &f.MimeType, &f.Size,
		&f.BlobRef, &folder, &f.Starred, &f.CreatedAt); err != nil {
		return nil, err
	}
	if folder.Valid {
		f.FolderID = models.Int64Ptr(folder.Int64)
	}
	return &f, nil
}

func fileResult(row *sql.Row, id int64, op string) (*models.File, error) {
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return f, nil
}

func collectFiles(rows *sql.Rows) ([]models.File, error) {
	defer rows.Close()

	files := []models.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

func isCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func deref(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"

	"rv-go/internal/database/migrations"
	"rv-go/internal/model"
	"rv-go/internal/rv"
)

// DefaultBusyTimeoutMS is how long a connection waits for another writer
// before failing with SQLITE_BUSY.
const DefaultBusyTimeoutMS = 5000

// SQLiteStore implements rv.Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	queries *Queries
	path    string
	tempDir string // removed on Close
}

// NewSQLiteStore opens a SQLite store. path can be a file path or ":memory:"
// for an in-memory database. The schema is not migrated; see Migrate.
func NewSQLiteStore(path string, busyTimeoutMS int) (*SQLiteStore, error) {
	db, err := OpenConnection(path, busyTimeoutMS)
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{
		db:      db,
		queries: NewQueries(db),
		path:    path,
	}, nil
}

// NewTempSQLiteStore opens a SQLite store in a new temporary directory that
// is removed on Close. Unlike ":memory:", a file lets readers use their own
// connections while a version is being committed.
func NewTempSQLiteStore(busyTimeoutMS int) (*SQLiteStore, error) {
	dir, err := os.MkdirTemp("", "rv-memory-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary database directory: %w", err)
	}
	s, err := NewSQLiteStore(filepath.Join(dir, "rv.db"), busyTimeoutMS)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	s.tempDir = dir
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:      db,
		queries: NewQueries(db),
		path:    "",
	}
}

// OpenConnection opens and configures a SQLite database connection.
// Settings go in the DSN rather than PRAGMA statements because PRAGMAs only
// apply to the connection that ran them and database/sql pools connections.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string, busyTimeoutMS int) (*sql.DB, error) {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = DefaultBusyTimeoutMS
	}

	memory := path == ":memory:"
	params := []string{
		"_foreign_keys=on",
		fmt.Sprintf("_busy_timeout=%d", busyTimeoutMS),
		// Take the write lock at BEGIN so concurrent writers queue on
		// busy_timeout instead of failing on lock upgrade.
		"_txlock=immediate",
	}
	if !memory {
		params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	}

	db, err := sql.Open("sqlite3", path+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return db, nil
}

// translate maps driver errors onto the ledger's error taxonomy.
func translate(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", rv.ErrStorageUnavailable, err)
		case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", rv.ErrDuplicateAssociation, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// Repository operations

func (s *SQLiteStore) CreateRepository(ctx context.Context, repo *model.Repository) error {
	if err := s.queries.InsertRepository(ctx, repo); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("repository %s: %w", repo.Name, rv.ErrRepositoryExists)
		}
		return fmt.Errorf("inserting repository: %w", translate(err))
	}
	return nil
}

func (s *SQLiteStore) FindRepository(ctx context.Context, name string) (*model.Repository, error) {
	return findRepository(ctx, s.queries, name)
}

func findRepository(ctx context.Context, q *Queries, name string) (*model.Repository, error) {
	repo, err := q.GetRepositoryByName(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding repository by name: %w", translate(err))
	}
	return repo, nil
}

func (s *SQLiteStore) ListRepositories(ctx context.Context) ([]*model.Repository, error) {
	repos, err := s.queries.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", translate(err))
	}
	return repos, nil
}

// Version operations

func (s *SQLiteStore) FindVersion(ctx context.Context, repositoryID string, number int64) (*model.Version, error) {
	v, err := s.queries.GetVersion(ctx, repositoryID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding version: %w", translate(err))
	}
	return v, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, repositoryID string) ([]*model.Version, error) {
	versions, err := s.queries.ListVersions(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", translate(err))
	}
	return versions, nil
}

// Association operations

func (s *SQLiteStore) AssociationsFor(ctx context.Context, repositoryID string) ([]*model.Association, error) {
	return associationsFor(ctx, s.queries, repositoryID)
}

func associationsFor(ctx context.Context, q *Queries, repositoryID string) ([]*model.Association, error) {
	associations, err := q.ListContents(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("listing associations: %w", translate(err))
	}
	return associations, nil
}

func (s *SQLiteStore) FindOpen(ctx context.Context, repositoryID string, content model.ContentID) (*model.Association, error) {
	return findOpen(ctx, s.queries, repositoryID, content)
}

func findOpen(ctx context.Context, q *Queries, repositoryID string, content model.ContentID) (*model.Association, error) {
	a, err := q.GetOpenContent(ctx, repositoryID, content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not a member
		}
		return nil, fmt.Errorf("finding open association: %w", translate(err))
	}
	return a, nil
}

func (s *SQLiteStore) ChangedBetween(ctx context.Context, repositoryID string, from, to int64) ([]*model.Association, error) {
	associations, err := s.queries.ListChangedContents(ctx, repositoryID, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing changed associations: %w", translate(err))
	}
	return associations, nil
}

func (s *SQLiteStore) Generation(ctx context.Context) (int64, error) {
	n, err := s.queries.SumLatestVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("summing latest versions: %w", translate(err))
	}
	return n, nil
}

// Begin starts an immediate (write-locked) transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (rv.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", translate(err))
	}
	return &sqliteTx{tx: tx, queries: s.queries.WithTx(tx)}, nil
}

// Path returns the database file path, or "" for a wrapped connection.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Migrate applies pending schema migrations.
func (s *SQLiteStore) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// MigrationStatus reports the applied and embedded schema versions.
func (s *SQLiteStore) MigrationStatus() (*migrations.Status, error) {
	return migrations.GetStatus(s.db)
}

// BackupTo writes a complete copy of the database to w. The copy is made
// with VACUUM INTO, so it is consistent even while writers are active.
func (s *SQLiteStore) BackupTo(ctx context.Context, w io.Writer) error {
	dir, err := os.MkdirTemp("", "rv-db-backup-*")
	if err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	defer os.RemoveAll(dir)

	destPath := filepath.Join(dir, "snapshot.db")
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", translate(err))
	}

	f, err := os.Open(destPath)
	if err != nil {
		return fmt.Errorf("opening database backup: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copying database backup: %w", err)
	}
	return nil
}

// Close closes the database connection. A temporary store's files are
// removed.
func (s *SQLiteStore) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.tempDir != "" {
		if rmErr := os.RemoveAll(s.tempDir); rmErr != nil && err == nil {
			err = fmt.Errorf("removing temporary database: %w", rmErr)
		}
	}
	return err
}

// sqliteTx is one write transaction.
type sqliteTx struct {
	tx      *sql.Tx
	queries *Queries
}

func (t *sqliteTx) Add(ctx context.Context, repositoryID string, content model.ContentID, vadded int64) (*model.Association, error) {
	if err := t.queries.InsertContent(ctx, repositoryID, content, vadded); err != nil {
		return nil, fmt.Errorf("inserting association: %w", translate(err))
	}
	return &model.Association{
		RepositoryID: repositoryID,
		ContentID:    content,
		VAdded:       vadded,
	}, nil
}

func (t *sqliteTx) End(ctx context.Context, a *model.Association, vremoved int64) error {
	if err := rv.CheckEnd(a, vremoved); err != nil {
		return err
	}

	n, err := t.queries.EndContent(ctx, a, vremoved)
	if err != nil {
		return fmt.Errorf("ending association: %w", translate(err))
	}
	if n == 0 {
		// The caller's copy is stale: the stored row is already ended.
		return fmt.Errorf("content %s added at %d: %w", a.ContentID, a.VAdded, rv.ErrAlreadyEnded)
	}

	a.VRemoved = &vremoved
	return nil
}

func (t *sqliteTx) FindOpen(ctx context.Context, repositoryID string, content model.ContentID) (*model.Association, error) {
	return findOpen(ctx, t.queries, repositoryID, content)
}

func (t *sqliteTx) AssociationsFor(ctx context.Context, repositoryID string) ([]*model.Association, error) {
	return associationsFor(ctx, t.queries, repositoryID)
}

func (t *sqliteTx) FindRepository(ctx context.Context, name string) (*model.Repository, error) {
	return findRepository(ctx, t.queries, name)
}

func (t *sqliteTx) InsertVersion(ctx context.Context, v *model.Version) error {
	if err := t.queries.InsertVersion(ctx, v); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("version %d: %w", v.Number, rv.ErrVersionConflict)
		}
		return fmt.Errorf("inserting version: %w", translate(err))
	}
	return nil
}

func (t *sqliteTx) AdvanceRepository(ctx context.Context, repo *model.Repository, previous int64) error {
	n, err := t.queries.AdvanceRepository(ctx, repo, previous)
	if err != nil {
		return fmt.Errorf("updating repository: %w", translate(err))
	}
	if n == 0 {
		return fmt.Errorf("repository %s is no longer at version %d: %w", repo.Name, previous, rv.ErrVersionConflict)
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", translate(err))
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

// RestoreSQLite installs a snapshot produced by BackupTo at path, replacing
// any existing database file. The write is atomic.
func RestoreSQLite(r io.Reader, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".restore-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}

	// Stale WAL files would be replayed on top of the restored database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", path+suffix, err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("installing snapshot: %w", err)
	}
	return nil
}

// Compile-time check that SQLiteStore implements rv.Store interface
var _ rv.Store = (*SQLiteStore)(nil)

package kvstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/dgraph-io/badger/v4"

	"rv-go/internal/model"
	"rv-go/internal/rv"
)

// BadgerStore implements rv.Store on BadgerDB. Transactions are serializable
// snapshots: readers never see an uncommitted version, and two transactions
// that touch the same association key cannot both commit.
type BadgerStore struct {
	db *DB
}

// NewBadgerStore opens a BadgerStore with cfg.
func NewBadgerStore(cfg Config) (*BadgerStore, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// translate maps badger errors onto the ledger's error taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict), errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %v", rv.ErrStorageUnavailable, err)
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %v", rv.ErrVersionTooLarge, err)
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, translate(err)
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return false, err
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return translate(txn.Set(key, val))
}

// getNumber reads an 8-byte value. ok is false when key does not exist.
func getNumber(txn *badger.Txn, key []byte) (n int64, ok bool, err error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, translate(err)
	}
	err = item.Value(func(val []byte) error {
		n = decodeNumber(val)
		return nil
	})
	return n, err == nil, err
}

func findRepository(txn *badger.Txn, name string) (*model.Repository, error) {
	var repo model.Repository
	found, err := getJSON(txn, repoKey(name), &repo)
	if err != nil {
		return nil, fmt.Errorf("finding repository by name: %w", err)
	}
	if !found {
		return nil, nil // Not found
	}
	return &repo, nil
}

func associationsFor(txn *badger.Txn, repositoryID string) ([]*model.Association, error) {
	prefix := addedRepoPrefix(repositoryID)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	associations := []*model.Association{}
	for it.Rewind(); it.Valid(); it.Next() {
		a, err := decodeAssociation(repositoryID, len(prefix), it.Item())
		if err != nil {
			return nil, fmt.Errorf("listing associations: %w", err)
		}
		associations = append(associations, a)
	}
	return associations, nil
}

func findOpen(txn *badger.Txn, repositoryID string, content model.ContentID) (*model.Association, error) {
	vadded, ok, err := getNumber(txn, openKey(repositoryID, content))
	if err != nil {
		return nil, fmt.Errorf("finding open association: %w", err)
	}
	if !ok {
		return nil, nil // Not a member
	}
	return &model.Association{
		RepositoryID: repositoryID,
		ContentID:    content,
		VAdded:       vadded,
	}, nil
}

func decodeAssociation(repositoryID string, prefixLen int, item *badger.Item) (*model.Association, error) {
	vadded, content := parseNumberedKey(prefixLen, item.Key())
	a := &model.Association{RepositoryID: repositoryID, ContentID: content, VAdded: vadded}
	err := item.Value(func(val []byte) error {
		if vremoved := decodeNumber(val); vremoved != 0 {
			a.VRemoved = &vremoved
		}
		return nil
	})
	return a, err
}

// Repository operations

func (s *BadgerStore) CreateRepository(ctx context.Context, repo *model.Repository) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		existing, err := findRepository(txn, repo.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("repository %s: %w", repo.Name, rv.ErrRepositoryExists)
		}
		if err := setJSON(txn, repoKey(repo.Name), repo); err != nil {
			return fmt.Errorf("inserting repository: %w", err)
		}
		return nil
	})
}

func (s *BadgerStore) FindRepository(ctx context.Context, name string) (*model.Repository, error) {
	var repo *model.Repository
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		repo, err = findRepository(txn, name)
		return err
	})
	return repo, err
}

func (s *BadgerStore) ListRepositories(ctx context.Context) ([]*model.Repository, error) {
	repos := []*model.Repository{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return eachRepository(txn, func(r *model.Repository) {
			repos = append(repos, r)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	return repos, nil
}

// eachRepository visits repositories in name order.
func eachRepository(txn *badger.Txn, fn func(*model.Repository)) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(repoPrefix), PrefetchValues: true})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var r model.Repository
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		}); err != nil {
			return err
		}
		fn(&r)
	}
	return nil
}

// Version operations

func (s *BadgerStore) FindVersion(ctx context.Context, repositoryID string, number int64) (*model.Version, error) {
	var v *model.Version
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var found model.Version
		ok, err := getJSON(txn, versionKey(repositoryID, number), &found)
		if err != nil {
			return fmt.Errorf("finding version: %w", err)
		}
		if ok {
			v = &found
		}
		return nil
	})
	return v, err
}

func (s *BadgerStore) ListVersions(ctx context.Context, repositoryID string) ([]*model.Version, error) {
	versions := []*model.Version{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: versionsPrefix(repositoryID), PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var v model.Version
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return err
			}
			versions = append(versions, &v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	return versions, nil
}

// Association operations

func (s *BadgerStore) AssociationsFor(ctx context.Context, repositoryID string) ([]*model.Association, error) {
	var associations []*model.Association
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		associations, err = associationsFor(txn, repositoryID)
		return err
	})
	return associations, err
}

// ChangedBetween seeks straight to version from+1 in both the vadded and the
// vremoved index, so its cost depends on the size of the range only.
func (s *BadgerStore) FindOpen(ctx context.Context, repositoryID string, content model.ContentID) (*model.Association, error) {
	var open *model.Association
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		open, err = findOpen(txn, repositoryID, content)
		return err
	})
	return open, err
}

func (s *BadgerStore) ChangedBetween(ctx context.Context, repositoryID string, from, to int64) ([]*model.Association, error) {
	changed := []*model.Association{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		added := addedRepoPrefix(repositoryID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: added})
		for it.Seek(append(added, encodeNumber(from+1)...)); it.Valid(); it.Next() {
			a, err := decodeAssociation(repositoryID, len(added), it.Item())
			if err != nil {
				it.Close()
				return err
			}
			if a.VAdded > to {
				break
			}
			changed = append(changed, a)
		}
		it.Close()

		removed := removedRepoPrefix(repositoryID)
		it = txn.NewIterator(badger.IteratorOptions{Prefix: removed})
		defer it.Close()
		for it.Seek(append(removed, encodeNumber(from+1)...)); it.Valid(); it.Next() {
			vremoved, content := parseNumberedKey(len(removed), it.Item().Key())
			if vremoved > to {
				break
			}
			var vadded int64
			if err := it.Item().Value(func(val []byte) error {
				vadded = decodeNumber(val)
				return nil
			}); err != nil {
				return err
			}
			// Added inside the range too: already collected above.
			if vadded > from {
				continue
			}
			changed = append(changed, &model.Association{
				RepositoryID: repositoryID,
				ContentID:    content,
				VAdded:       vadded,
				VRemoved:     &vremoved,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing changed associations: %w", err)
	}

	slices.SortFunc(changed, func(a, b *model.Association) int {
		if c := cmp.Compare(a.ContentID, b.ContentID); c != 0 {
			return c
		}
		return cmp.Compare(a.VAdded, b.VAdded)
	})
	return changed, nil
}

// Generation sums the latest version of every repository.
func (s *BadgerStore) Generation(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return eachRepository(txn, func(r *model.Repository) {
			total += r.LatestVersion
		})
	})
	if err != nil {
		return 0, fmt.Errorf("summing latest versions: %w", err)
	}
	return total, nil
}

func (s *BadgerStore) Begin(ctx context.Context) (rv.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return &badgerTx{txn: s.db.NewTransaction(true)}, nil
}

// Migrate records the key layout version.
func (s *BadgerStore) Migrate() error {
	return s.db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return translate(txn.Set([]byte(schemaKey), encodeNumber(layoutVersion)))
	})
}

// CheckMigrations verifies the store was written with the current key layout.
func (s *BadgerStore) CheckMigrations() error {
	return s.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		v, ok, err := getNumber(txn, []byte(schemaKey))
		if err != nil {
			return fmt.Errorf("reading layout version: %w", err)
		}
		if !ok {
			return fmt.Errorf("store has no layout version (needs migration)")
		}
		if v != layoutVersion {
			return fmt.Errorf("store layout version %d does not match binary version %d", v, layoutVersion)
		}
		return nil
	})
}

// BackupTo streams a full backup in badger's backup format.
func (s *BadgerStore) BackupTo(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("backing up store: %w", translate(err))
	}
	return nil
}

// Path returns the database directory, or "" in memory.
func (s *BadgerStore) Path() string {
	return s.db.Path()
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RestoreBadger replaces the store at cfg.Path with a backup written by
// BackupTo.
func RestoreBadger(cfg Config, r io.Reader) error {
	if cfg.InMemory {
		return errors.New("cannot restore an in-memory store")
	}
	if err := os.RemoveAll(cfg.Path); err != nil {
		return fmt.Errorf("removing old store: %w", err)
	}

	cfg.GCInterval = 0
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	if err := db.Load(r, 256); err != nil {
		db.Close()
		return fmt.Errorf("loading backup: %w", err)
	}
	return db.Close()
}

// badgerTx is one read-write transaction. Every key it reads is checked for
// conflicting commits when it commits.
type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) Add(ctx context.Context, repositoryID string, content model.ContentID, vadded int64) (*model.Association, error) {
	key := addedKey(repositoryID, vadded, content)
	if _, err := t.txn.Get(key); err == nil {
		return nil, fmt.Errorf("content %s at version %d: %w", content, vadded, rv.ErrDuplicateAssociation)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("checking association: %w", translate(err))
	}

	open, ok, err := getNumber(t.txn, openKey(repositoryID, content))
	if err != nil {
		return nil, fmt.Errorf("checking open association: %w", err)
	}
	if ok {
		return nil, fmt.Errorf("content %s is open since version %d: %w", content, open, rv.ErrDuplicateAssociation)
	}

	if err := t.txn.Set(key, encodeNumber(0)); err != nil {
		return nil, fmt.Errorf("inserting association: %w", translate(err))
	}
	if err := t.txn.Set(openKey(repositoryID, content), encodeNumber(vadded)); err != nil {
		return nil, fmt.Errorf("inserting association: %w", translate(err))
	}

	return &model.Association{
		RepositoryID: repositoryID,
		ContentID:    content,
		VAdded:       vadded,
	}, nil
}

func (t *badgerTx) End(ctx context.Context, a *model.Association, vremoved int64) error {
	if err := rv.CheckEnd(a, vremoved); err != nil {
		return err
	}

	key := addedKey(a.RepositoryID, a.VAdded, a.ContentID)
	stored, ok, err := getNumber(t.txn, key)
	if err != nil {
		return fmt.Errorf("reading association: %w", err)
	}
	if !ok {
		return fmt.Errorf("content %s added at %d: association not found", a.ContentID, a.VAdded)
	}
	if stored != 0 {
		// The caller's copy is stale: the stored record is already ended.
		return fmt.Errorf("content %s added at %d, ended at %d: %w", a.ContentID, a.VAdded, stored, rv.ErrAlreadyEnded)
	}

	if err := t.txn.Set(key, encodeNumber(vremoved)); err != nil {
		return fmt.Errorf("ending association: %w", translate(err))
	}
	if err := t.txn.Delete(openKey(a.RepositoryID, a.ContentID)); err != nil {
		return fmt.Errorf("ending association: %w", translate(err))
	}
	if err := t.txn.Set(removedKey(a.RepositoryID, vremoved, a.ContentID), encodeNumber(a.VAdded)); err != nil {
		return fmt.Errorf("ending association: %w", translate(err))
	}

	a.VRemoved = &vremoved
	return nil
}

func (t *badgerTx) FindOpen(ctx context.Context, repositoryID string, content model.ContentID) (*model.Association, error) {
	return findOpen(t.txn, repositoryID, content)
}

func (t *badgerTx) AssociationsFor(ctx context.Context, repositoryID string) ([]*model.Association, error) {
	return associationsFor(t.txn, repositoryID)
}

func (t *badgerTx) FindRepository(ctx context.Context, name string) (*model.Repository, error) {
	return findRepository(t.txn, name)
}

func (t *badgerTx) InsertVersion(ctx context.Context, v *model.Version) error {
	key := versionKey(v.RepositoryID, v.Number)
	if _, err := t.txn.Get(key); err == nil {
		return fmt.Errorf("version %d: %w", v.Number, rv.ErrVersionConflict)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("checking version: %w", translate(err))
	}
	if err := setJSON(t.txn, key, v); err != nil {
		return fmt.Errorf("inserting version: %w", err)
	}
	return nil
}

func (t *badgerTx) AdvanceRepository(ctx context.Context, repo *model.Repository, previous int64) error {
	stored, err := findRepository(t.txn, repo.Name)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("repository %s: %w", repo.Name, rv.ErrUnknownRepository)
	}
	if stored.LatestVersion != previous {
		return fmt.Errorf("repository %s is no longer at version %d: %w", repo.Name, previous, rv.ErrVersionConflict)
	}
	if err := setJSON(t.txn, repoKey(repo.Name), repo); err != nil {
		return fmt.Errorf("updating repository: %w", err)
	}
	return nil
}

func (t *badgerTx) Commit() error {
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", translate(err))
	}
	return nil
}

// Rollback discards the transaction. It is a no-op after Commit.
func (t *badgerTx) Rollback() error {
	t.txn.Discard()
	return nil
}

var _ rv.Store = (*BadgerStore)(nil)

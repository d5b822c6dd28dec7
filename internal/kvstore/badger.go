// Package kvstore stores the ledger in BadgerDB, an embedded ordered
// key-value store.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/skl"
)

// DefaultMemTableSize is the memtable size of a store opened from a config
// that leaves it unset. Four times badger's own default.
const DefaultMemTableSize = 256 << 20

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Data is lost on Close.
	InMemory bool

	SyncWrites bool

	// MemTableSize bounds a single transaction, and so a single version:
	// see MaxChangesPerVersion. 0 keeps badger's default of 64 MiB.
	MemTableSize int64

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often value log garbage collection runs. 0 disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns the configuration for an on-disk store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		MemTableSize:   DefaultMemTableSize,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// MaxChangesPerVersion returns how many content additions fit into one
// version on a store with the given memtable size. Badger caps a transaction
// at 15% of the memtable, counted in skiplist nodes; an addition writes two
// keys and a removal three. Content IDs longer than about 32 bytes hit the
// byte limit first and lower the figure. Larger versions fail with
// rv.ErrVersionTooLarge.
func MaxChangesPerVersion(memTableSize int64) int64 {
	if memTableSize <= 0 {
		memTableSize = badger.DefaultOptions("").MemTableSize
	}
	return memTableSize * 15 / 100 / int64(skl.MaxNodeSize) / 2
}

func (c Config) validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent database")
	}
	if c.MemTableSize < 0 {
		return errors.New("memtable size must not be negative")
	}
	if c.GCInterval < 0 {
		return errors.New("gc interval must not be negative")
	}
	if c.GCInterval > 0 && (c.GCDiscardRatio <= 0 || c.GCDiscardRatio >= 1) {
		return errors.New("gc discard ratio must be between 0 and 1")
	}
	return nil
}

func (c Config) options() (badger.Options, error) {
	if c.InMemory {
		return badger.DefaultOptions("").WithInMemory(true), nil
	}
	if err := os.MkdirAll(c.Path, 0750); err != nil {
		return badger.Options{}, fmt.Errorf("create database directory %s: %w", c.Path, err)
	}
	return badger.DefaultOptions(c.Path), nil
}

// slogBadger forwards badger's printf-style logging to slog.
type slogBadger struct {
	*slog.Logger
}

func (l slogBadger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

func (l slogBadger) Warningf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l slogBadger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l slogBadger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Open opens a BadgerDB instance, creating the directory if needed.
// The caller must Close the returned database.
func Open(cfg Config) (*badger.DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}

	// Associations are mutated at most once; older versions are never read.
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.MemTableSize > 0 {
		opts = opts.WithMemTableSize(cfg.MemTableSize)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogBadger{cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// DB is an open BadgerDB with its value log collector.
type DB struct {
	*badger.DB
	path string

	stopGC context.CancelFunc
	gcDone chan struct{}
}

// OpenDB opens a BadgerDB. On-disk databases with a GCInterval collect
// value log garbage in the background until Close.
func OpenDB(cfg Config) (*DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	d := &DB{DB: db, path: cfg.Path}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ctx, cancel := context.WithCancel(context.Background())
		d.stopGC = cancel
		d.gcDone = make(chan struct{})
		go d.collectGarbage(ctx, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return d, nil
}

func (d *DB) collectGarbage(ctx context.Context, interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// One rewrite per call; keep going while files are reclaimed.
		for ctx.Err() == nil {
			err := d.DB.RunValueLogGC(ratio)
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log gc failed", "error", err)
			}
			break
		}
	}
}

// Close stops garbage collection and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		d.stopGC()
		<-d.gcDone
	}
	return d.DB.Close()
}

// Path returns the database path, or "" for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// WithReadTxn runs fn against a read-only snapshot.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.DB.View(fn)
}

// WithTxn runs fn in a read-write transaction and commits if fn returns nil.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return translate(txn.Commit())
}

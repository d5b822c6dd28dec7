package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("in memory", func(t *testing.T) {
		db, err := Open(InMemoryConfig())
		require.NoError(t, err)
		defer db.Close()

		err = db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte("key"), []byte("value"))
		})
		require.NoError(t, err)

		err = db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte("key"))
			require.NoError(t, err)
			return item.Value(func(val []byte) error {
				assert.Equal(t, []byte("value"), val)
				return nil
			})
		})
		require.NoError(t, err)
	})

	t.Run("persists across reopen", func(t *testing.T) {
		dir := t.TempDir()

		db, err := Open(DefaultConfig(dir))
		require.NoError(t, err)
		err = db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte("persistent-key"), []byte("persistent-value"))
		})
		require.NoError(t, err)
		require.NoError(t, db.Close())

		db2, err := Open(DefaultConfig(dir))
		require.NoError(t, err)
		defer db2.Close()

		err = db2.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte("persistent-key"))
			require.NoError(t, err)
			return item.Value(func(val []byte) error {
				assert.Equal(t, []byte("persistent-value"), val)
				return nil
			})
		})
		require.NoError(t, err)
	})

	t.Run("requires path", func(t *testing.T) {
		_, err := Open(Config{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "path is required")
	})
}

func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig syncs writes and collects garbage", func(t *testing.T) {
		cfg := DefaultConfig("/data/rv")
		assert.Equal(t, "/data/rv", cfg.Path)
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 5*time.Minute, cfg.GCInterval)
		assert.Equal(t, int64(DefaultMemTableSize), cfg.MemTableSize)
	})

	t.Run("InMemoryConfig disables GC", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.False(t, cfg.SyncWrites)
		assert.Equal(t, time.Duration(0), cfg.GCInterval)
	})
}

func TestDB_WithTxn(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	t.Run("commits", func(t *testing.T) {
		err := db.WithTxn(ctx, func(txn *badger.Txn) error {
			return txn.Set([]byte("txn-key"), []byte("txn-value"))
		})
		require.NoError(t, err)

		err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			_, err := txn.Get([]byte("txn-key"))
			return err
		})
		require.NoError(t, err)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		err := db.WithTxn(ctx, func(txn *badger.Txn) error {
			if err := txn.Set([]byte("rollback-key"), []byte("should-not-persist")); err != nil {
				return err
			}
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			_, err := txn.Get([]byte("rollback-key"))
			return err
		})
		assert.ErrorIs(t, err, badger.ErrKeyNotFound)
	})

	t.Run("honours cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := db.WithTxn(cctx, func(txn *badger.Txn) error {
			return txn.Set([]byte("key"), []byte("value"))
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"missing path", func(c *Config) { c.Path = "" }, "path is required"},
		{"negative memtable", func(c *Config) { c.MemTableSize = -1 }, "memtable size"},
		{"negative gc interval", func(c *Config) { c.GCInterval = -time.Second }, "gc interval"},
		{"gc ratio out of range", func(c *Config) { c.GCDiscardRatio = 1.5 }, "discard ratio"},
		{"gc disabled ignores ratio", func(c *Config) { c.GCInterval, c.GCDiscardRatio = 0, 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("/data/rv")
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDB_CollectsGarbageUntilClose(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.SyncWrites = false
	cfg.GCInterval = 5 * time.Millisecond

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	require.NotNil(t, db.stopGC)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, db.Close())

	select {
	case <-db.gcDone:
	default:
		t.Error("collector still running after Close")
	}
}

func TestMaxChangesPerVersion(t *testing.T) {
	// 15% of the memtable in 96-byte nodes, two nodes per addition.
	assert.Equal(t, int64(6553), MaxChangesPerVersion(8<<20))
	assert.Equal(t, int64(52428), MaxChangesPerVersion(0))
	assert.Equal(t, int64(209715), MaxChangesPerVersion(DefaultMemTableSize))
}

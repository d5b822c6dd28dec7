package database

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"rv-go/internal/config"
	"rv-go/internal/kvstore"
	"rv-go/internal/rv"
)

// NewStoreFromConfig creates an rv.Store implementation based on the database
// config type. In-memory stores are migrated immediately since they start
// empty every time. logger receives badger's internal logging and may be nil.
func NewStoreFromConfig(cfg config.DatabaseConfig, hostID string, logger *slog.Logger) (rv.Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		s, err := NewSQLiteStore(SQLitePath(cfg, hostID), cfg.BusyTimeoutMS)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		s, err := NewTempSQLiteStore(cfg.BusyTimeoutMS)
		if err != nil {
			return nil, err
		}
		return migrated(s)
	case "badger":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for badger database")
		}
		kc := badgerConfig(cfg, kvstore.DefaultConfig(BadgerPath(cfg, hostID)))
		kc.Logger = logger
		s, err := kvstore.NewBadgerStore(kc)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger-memory":
		kc := kvstore.InMemoryConfig()
		kc.MemTableSize = kvstore.DefaultMemTableSize
		kc = badgerConfig(cfg, kc)
		kc.Logger = logger
		s, err := kvstore.NewBadgerStore(kc)
		if err != nil {
			return nil, err
		}
		return migrated(s)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

// RestoreStoreFromConfig replaces the on-disk store described by cfg with a
// snapshot written by rv.Store.BackupTo. The store must not be open.
func RestoreStoreFromConfig(cfg config.DatabaseConfig, hostID string, r io.Reader) error {
	switch cfg.Type {
	case "sqlite":
		return RestoreSQLite(r, SQLitePath(cfg, hostID))
	case "badger":
		return kvstore.RestoreBadger(badgerConfig(cfg, kvstore.DefaultConfig(BadgerPath(cfg, hostID))), r)
	default:
		return fmt.Errorf("cannot restore a %s database", cfg.Type)
	}
}

// SQLitePath returns the database file of a sqlite store.
func SQLitePath(cfg config.DatabaseConfig, hostID string) string {
	return filepath.Join(cfg.DataDir, hostID+".db")
}

// BadgerPath returns the directory of a badger store.
func BadgerPath(cfg config.DatabaseConfig, hostID string) string {
	return filepath.Join(cfg.DataDir, hostID+".badger")
}

// badgerConfig applies the badger settings of cfg to kc.
func badgerConfig(cfg config.DatabaseConfig, kc kvstore.Config) kvstore.Config {
	if cfg.MemTableSizeMB > 0 {
		kc.MemTableSize = int64(cfg.MemTableSizeMB) << 20
	}
	return kc
}

func migrated(s rv.Store) (rv.Store, error) {
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return s, nil
}

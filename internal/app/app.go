package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rv-go/internal/config"
	"rv-go/internal/database"
	"rv-go/internal/encryption"
	"rv-go/internal/model"
	"rv-go/internal/rv"
	"rv-go/internal/vault"
)

// RVApp is the application layer between the CLI and the ledger.
// It constructs all dependencies from config, exposes the ledger's operations
// by repository name, and on Close pushes a snapshot of the store to the
// vault when the command changed anything.
type RVApp struct {
	cfg       *config.Config
	ledger    *rv.Ledger
	vault     rv.Vault // nil when no vault is configured
	encryptor rv.Encryptor
	registry  *prometheus.Registry
	logger    rv.Logger
	op        *Operation
	logFile   *os.File
}

// NewRVApp creates a fully wired RVApp from the given config.
// operation identifies the CLI command being run (e.g. "CreateVersion").
// The caller must call Close when done.
func NewRVApp(ctx context.Context, cfg *config.Config, operation string) (*RVApp, error) {
	op := NewOperation(operation, time.Now())
	slogger, logFile, err := newLogger(cfg.LogDir, op.ID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	fail := func(err error) (*RVApp, error) {
		logFile.Close()
		return nil, err
	}

	var v rv.Vault
	if len(cfg.Vaults) > 0 {
		v, err = vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
		if err != nil {
			return fail(fmt.Errorf("creating vault: %w", err))
		}
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fail(fmt.Errorf("creating encryptor: %w", err))
	}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID, slogger.WithGroup("badger"))
	if err != nil {
		return fail(fmt.Errorf("creating store: %w", err))
	}

	if err := store.CheckMigrations(); err != nil {
		store.Close()
		return fail(fmt.Errorf("database schema out of date (run rv db migrate): %w", err))
	}

	// Check local generation against the snapshot in the vault.
	if v != nil {
		remote, err := v.SnapshotGeneration(ctx, cfg.HostID)
		if err != nil {
			store.Close()
			return fail(fmt.Errorf("checking remote snapshot generation: %w", err))
		}
		local, err := store.Generation(ctx)
		if err != nil {
			store.Close()
			return fail(fmt.Errorf("checking local generation: %w", err))
		}
		if remote > local {
			store.Close()
			return fail(fmt.Errorf("local store is behind vault (local=%d, remote=%d): run rv snapshot restore", local, remote))
		}
	}

	registry := prometheus.NewRegistry()
	ledger, err := rv.NewLedger(store, rv.LedgerConfig{
		Logger:       logger,
		Metrics:      rv.NewMetrics(registry),
		CacheEntries: cfg.Cache.MaxEntries,
	})
	if err != nil {
		store.Close()
		return fail(fmt.Errorf("creating ledger: %w", err))
	}

	return &RVApp{
		cfg:       cfg,
		ledger:    ledger,
		vault:     v,
		encryptor: enc,
		registry:  registry,
		logger:    logger,
		op:        op,
		logFile:   logFile,
	}, nil
}

// track marks the operation failed when err is not nil.
func (a *RVApp) track(err error) error {
	if err != nil {
		a.op.Fail()
	}
	return err
}

// CreateRepository creates an empty repository.
func (a *RVApp) CreateRepository(ctx context.Context, name, description string) (*model.Repository, error) {
	repo, err := a.ledger.CreateRepository(ctx, name, description)
	if err != nil {
		return nil, a.track(err)
	}
	a.op.MarkMutating()
	return repo, nil
}

// Repository returns one repository by name.
func (a *RVApp) Repository(ctx context.Context, name string) (*model.Repository, error) {
	repo, err := a.ledger.Repository(ctx, name)
	return repo, a.track(err)
}

// Repositories returns all repositories ordered by name.
func (a *RVApp) Repositories(ctx context.Context) ([]*model.Repository, error) {
	repos, err := a.ledger.Repositories(ctx)
	return repos, a.track(err)
}

// CreateVersion commits a new version of the repository that adds and
// removes the given content.
func (a *RVApp) CreateVersion(ctx context.Context, name string, action model.Action, adds, removes []model.ContentID) (*model.Version, error) {
	v, err := a.ledger.CreateVersion(ctx, name, action, adds, removes)
	if err != nil {
		return nil, a.track(err)
	}
	a.op.MarkMutating()
	return v, nil
}

// Versions returns the versions of a repository, oldest first.
func (a *RVApp) Versions(ctx context.Context, name string) ([]*model.Version, error) {
	versions, err := a.ledger.Versions(ctx, name)
	return versions, a.track(err)
}

// ContentAt returns the content of version n. A negative n selects the
// latest version.
func (a *RVApp) ContentAt(ctx context.Context, name string, n int64) ([]model.ContentID, error) {
	var content []model.ContentID
	var err error
	if n < 0 {
		content, err = a.ledger.CurrentContent(ctx, name)
	} else {
		content, err = a.ledger.ContentAt(ctx, name, n)
	}
	return content, a.track(err)
}

// Diff returns the content added and removed between two versions.
func (a *RVApp) Diff(ctx context.Context, name string, from, to int64) (*rv.Diff, error) {
	d, err := a.ledger.Diff(ctx, name, from, to)
	return d, a.track(err)
}

// Associations returns the membership intervals of a repository.
func (a *RVApp) Associations(ctx context.Context, name string) ([]*model.Association, error) {
	associations, err := a.ledger.Associations(ctx, name)
	return associations, a.track(err)
}

// Generation returns the ledger generation.
func (a *RVApp) Generation(ctx context.Context) (int64, error) {
	g, err := a.ledger.Generation(ctx)
	return g, a.track(err)
}

// PushSnapshot uploads a snapshot of the store to the vault regardless of
// whether this operation changed anything. Returns the generation pushed.
func (a *RVApp) PushSnapshot(ctx context.Context) (int64, error) {
	if a.vault == nil {
		return 0, a.track(fmt.Errorf("no vault configured"))
	}
	g, err := a.pushSnapshot(ctx)
	return g, a.track(err)
}

// pushSnapshot backs the store up to a temp file, encrypts it into a second
// temp file and uploads that with the current generation.
func (a *RVApp) pushSnapshot(ctx context.Context) (int64, error) {
	if !a.encryptor.IsConfigured() {
		return 0, fmt.Errorf("encryption keys not configured: run rv config keys")
	}

	generation, err := a.ledger.Generation(ctx)
	if err != nil {
		return 0, err
	}

	plain, err := os.CreateTemp("", "rv-snapshot-*.db")
	if err != nil {
		return 0, fmt.Errorf("creating temp file for snapshot: %w", err)
	}
	defer os.Remove(plain.Name())
	defer plain.Close()

	if err := a.ledger.Store().BackupTo(ctx, plain); err != nil {
		return 0, fmt.Errorf("backing up store: %w", err)
	}
	if _, err := plain.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewinding snapshot: %w", err)
	}

	sealed, err := os.CreateTemp("", "rv-snapshot-*.age")
	if err != nil {
		return 0, fmt.Errorf("creating temp file for encrypted snapshot: %w", err)
	}
	defer os.Remove(sealed.Name())
	defer sealed.Close()

	if err := a.encryptor.Encrypt(plain, sealed); err != nil {
		return 0, fmt.Errorf("encrypting snapshot: %w", err)
	}
	size, err := sealed.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("sizing snapshot: %w", err)
	}
	if _, err := sealed.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewinding snapshot: %w", err)
	}

	if err := a.vault.PutSnapshot(ctx, a.cfg.HostID, sealed, size, generation); err != nil {
		return 0, fmt.Errorf("uploading snapshot to vault: %w", err)
	}

	a.logger.Info("snapshot uploaded", "host", a.cfg.HostID, "generation", generation, "bytes", size)
	return generation, nil
}

// Close finalizes the operation and closes all resources.
// For successful mutating operations a snapshot is pushed to the vault
// before the store is closed; metrics are written to the textfile when one
// is configured.
func (a *RVApp) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.op.Mutating() && a.op.Status == "success" && a.vault != nil {
		_, err := a.pushSnapshot(context.Background())
		keep(err)
	}

	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
			keep(fmt.Errorf("writing metrics textfile: %w", err))
		}
	}

	if err := a.ledger.Close(); err != nil {
		keep(fmt.Errorf("closing store: %w", err))
	}

	a.logger.Debug("operation finished", "operation", a.op.Name, "status", a.op.Status)
	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// RestoreSnapshot replaces the local store with the snapshot held by the
// first configured vault. The store must not be open. Returns the restored
// generation.
func RestoreSnapshot(ctx context.Context, cfg *config.Config, passphrase string) (int64, error) {
	if len(cfg.Vaults) == 0 {
		return 0, fmt.Errorf("no vault configured")
	}
	v, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
	if err != nil {
		return 0, fmt.Errorf("creating vault: %w", err)
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return 0, fmt.Errorf("creating encryptor: %w", err)
	}

	generation, err := v.SnapshotGeneration(ctx, cfg.HostID)
	if err != nil {
		return 0, fmt.Errorf("checking remote snapshot generation: %w", err)
	}
	if generation == 0 {
		return 0, fmt.Errorf("vault holds no snapshot for host %s", cfg.HostID)
	}

	dc, err := enc.Unlock(passphrase)
	if err != nil {
		return 0, fmt.Errorf("unlocking private key: %w", err)
	}

	sealed, err := os.CreateTemp("", "rv-restore-*.age")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(sealed.Name())
	defer sealed.Close()

	if err := v.GetSnapshot(ctx, cfg.HostID, sealed); err != nil {
		return 0, fmt.Errorf("downloading snapshot: %w", err)
	}
	if _, err := sealed.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewinding snapshot: %w", err)
	}

	plain, err := os.CreateTemp("", "rv-restore-*.db")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(plain.Name())
	defer plain.Close()

	if err := dc.Decrypt(sealed, plain); err != nil {
		return 0, fmt.Errorf("decrypting snapshot: %w", err)
	}
	if _, err := plain.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewinding snapshot: %w", err)
	}

	if err := database.RestoreStoreFromConfig(cfg.Database, cfg.HostID, plain); err != nil {
		return 0, fmt.Errorf("installing snapshot: %w", err)
	}
	return generation, nil
}

// Migrate brings the configured store's schema up to date.
func Migrate(cfg *config.Config) error {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID, nil)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}
	return nil
}

// CheckMigrations reports whether the configured store's schema is current.
func CheckMigrations(cfg *config.Config) error {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID, nil)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	return store.CheckMigrations()
}

// Schema returns the SQL schema of the configured store. Only SQLite stores
// have one.
func Schema(ctx context.Context, cfg *config.Config) (string, error) {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID, nil)
	if err != nil {
		return "", fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	s, ok := store.(*database.SQLiteStore)
	if !ok {
		return "", fmt.Errorf("%s store has no SQL schema", cfg.Database.Type)
	}
	return s.Schema(ctx)
}

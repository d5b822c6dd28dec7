package rv

import (
	"context"
	"errors"
	"fmt"

	"rv-go/internal/model"
)

// LedgerConfig holds the optional collaborators of a Ledger. Nil fields fall
// back to a no-op logger, the UTC wall clock, random UUIDs and no metrics.
type LedgerConfig struct {
	Logger      Logger
	Clock       Clock
	IDGenerator IDGenerator
	Metrics     *Metrics

	// CacheEntries bounds the resolver cache. 0 disables it.
	CacheEntries int
}

// Ledger is the entry point to the version content index. Repositories are
// addressed by name. Writes to one repository are serialized; reads never
// wait for writers.
type Ledger struct {
	store    Store
	writer   *Writer
	resolver *Resolver
	logger   Logger
	clock    Clock
	idgen    IDGenerator
}

// NewLedger creates a Ledger over store. The ledger owns store and closes it
// in Close.
func NewLedger(store Store, cfg LedgerConfig) (*Ledger, error) {
	if cfg.Logger == nil {
		cfg.Logger = NewNopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = UUIDGenerator{}
	}

	resolver, err := NewResolver(store, cfg.CacheEntries, cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Ledger{
		store:    store,
		writer:   NewWriter(store, cfg.Clock, cfg.Logger, cfg.Metrics),
		resolver: resolver,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		idgen:    cfg.IDGenerator,
	}, nil
}

// CreateRepository creates an empty repository at version 0.
// Returns ErrRepositoryExists if the name is taken.
func (l *Ledger) CreateRepository(ctx context.Context, name, description string) (*model.Repository, error) {
	if name == "" {
		return nil, errors.New("repository name is required")
	}

	repo := &model.Repository{
		ID:          l.idgen.New(),
		Name:        name,
		Description: description,
		CreatedAt:   l.clock.Now(),
	}
	if err := l.store.CreateRepository(ctx, repo); err != nil {
		return nil, fmt.Errorf("creating repository %s: %w", name, err)
	}

	l.logger.Info("repository created", "repository", name, "id", repo.ID)
	return repo, nil
}

// Repository returns the committed state of a repository.
func (l *Ledger) Repository(ctx context.Context, name string) (*model.Repository, error) {
	repo, err := l.store.FindRepository(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reading repository %s: %w", name, err)
	}
	if repo == nil {
		return nil, fmt.Errorf("repository %s: %w", name, ErrUnknownRepository)
	}
	return repo, nil
}

// Repositories returns all repositories ordered by name.
func (l *Ledger) Repositories(ctx context.Context) ([]*model.Repository, error) {
	repos, err := l.store.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	return repos, nil
}

// Begin starts a new version of the named repository. The caller must Commit
// or Abort the returned draft; until then other writers of the repository wait.
func (l *Ledger) Begin(ctx context.Context, name string, action model.Action) (*Draft, error) {
	return l.writer.Begin(ctx, name, action)
}

// CreateVersion commits one version that adds and removes the given content.
// A version is created even when both lists are empty.
func (l *Ledger) CreateVersion(ctx context.Context, name string, action model.Action, adds, removes []model.ContentID) (*model.Version, error) {
	return l.writer.CreateVersion(ctx, name, action, adds, removes)
}

// CurrentContent returns the content of the latest committed version.
func (l *Ledger) CurrentContent(ctx context.Context, name string) ([]model.ContentID, error) {
	repo, err := l.Repository(ctx, name)
	if err != nil {
		return nil, err
	}
	return l.resolver.ContentAt(ctx, repo, repo.LatestVersion)
}

// ContentAt returns the content of version n, ordered by identity.
func (l *Ledger) ContentAt(ctx context.Context, name string, n int64) ([]model.ContentID, error) {
	repo, err := l.Repository(ctx, name)
	if err != nil {
		return nil, err
	}
	return l.resolver.ContentAt(ctx, repo, n)
}

// Diff returns the content added and removed between versions from and to.
func (l *Ledger) Diff(ctx context.Context, name string, from, to int64) (*Diff, error) {
	repo, err := l.Repository(ctx, name)
	if err != nil {
		return nil, err
	}
	return l.resolver.Diff(ctx, repo, from, to)
}

// Versions returns the committed versions of a repository, oldest first.
func (l *Ledger) Versions(ctx context.Context, name string) ([]*model.Version, error) {
	repo, err := l.Repository(ctx, name)
	if err != nil {
		return nil, err
	}
	versions, err := l.store.ListVersions(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s: %w", name, err)
	}
	return versions, nil
}

// Version returns one committed version.
func (l *Ledger) Version(ctx context.Context, name string, n int64) (*model.Version, error) {
	repo, err := l.Repository(ctx, name)
	if err != nil {
		return nil, err
	}
	if n < 1 || n > repo.LatestVersion {
		return nil, fmt.Errorf("version %d of %s: %w", n, name, ErrUnknownVersion)
	}
	v, err := l.store.FindVersion(ctx, repo.ID, n)
	if err != nil {
		return nil, fmt.Errorf("reading version %d of %s: %w", n, name, err)
	}
	if v == nil {
		return nil, fmt.Errorf("version %d of %s: %w", n, name, ErrUnknownVersion)
	}
	return v, nil
}

// Associations returns every membership interval recorded for a repository.
func (l *Ledger) Associations(ctx context.Context, name string) ([]*model.Association, error) {
	repo, err := l.Repository(ctx, name)
	if err != nil {
		return nil, err
	}
	associations, err := l.store.AssociationsFor(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("listing associations of %s: %w", name, err)
	}
	return associations, nil
}

// Generation returns the number of versions committed across all
// repositories. It only ever grows.
func (l *Ledger) Generation(ctx context.Context) (int64, error) {
	g, err := l.store.Generation(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading generation: %w", err)
	}
	return g, nil
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// Close releases the resolver cache and closes the store.
func (l *Ledger) Close() error {
	l.resolver.Close()
	return l.store.Close()
}

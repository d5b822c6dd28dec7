package rv

import (
	"context"
	"io"

	"rv-go/internal/model"
)

// AssociationStore is the append-mostly record of content membership
// intervals. A record is created once by Add and mutated at most once by End.
type AssociationStore interface {
	// Add creates an open association for content starting at vadded.
	// Returns ErrDuplicateAssociation if (repository, content, vadded) already
	// exists or the content already has an open association.
	Add(ctx context.Context, repositoryID string, content model.ContentID, vadded int64) (*model.Association, error)

	// End sets the upper bound of an open association. Implementations must
	// validate with CheckEnd (ErrAlreadyEnded, ErrInvalidInterval).
	End(ctx context.Context, a *model.Association, vremoved int64) error

	// FindOpen returns the association of content that is valid as of the
	// latest version, or nil if the content is not a member.
	FindOpen(ctx context.Context, repositoryID string, content model.ContentID) (*model.Association, error)

	// AssociationsFor returns all associations of a repository ordered by
	// VAdded, then ContentID.
	AssociationsFor(ctx context.Context, repositoryID string) ([]*model.Association, error)
}

// Tx is a write transaction against the store. Nothing written through a Tx
// is visible to readers until Commit succeeds. Rollback after Commit is a no-op.
type Tx interface {
	AssociationStore

	// FindRepository reads a repository by name inside the transaction.
	FindRepository(ctx context.Context, name string) (*model.Repository, error)

	// InsertVersion records a new version. The (repository, number) pair is unique.
	InsertVersion(ctx context.Context, v *model.Version) error

	// AdvanceRepository persists repo's LatestVersion and content timestamps,
	// provided the stored latest version still equals previous. Returns
	// ErrVersionConflict otherwise.
	AdvanceRepository(ctx context.Context, repo *model.Repository, previous int64) error

	Commit() error
	Rollback() error
}

// Store provides durable storage for repositories, versions and
// associations. Reads observe committed state only.
type Store interface {
	// Repository operations

	// CreateRepository inserts a new repository. Returns ErrRepositoryExists
	// if the name is taken.
	CreateRepository(ctx context.Context, repo *model.Repository) error

	// FindRepository returns a repository by name, or nil if not found.
	FindRepository(ctx context.Context, name string) (*model.Repository, error)

	// ListRepositories returns all repositories ordered by name.
	ListRepositories(ctx context.Context) ([]*model.Repository, error)

	// Version operations

	// FindVersion returns a committed version, or nil if not found.
	FindVersion(ctx context.Context, repositoryID string, number int64) (*model.Version, error)

	// ListVersions returns all versions of a repository, oldest first.
	ListVersions(ctx context.Context, repositoryID string) ([]*model.Version, error)

	// Association operations

	// AssociationsFor returns all associations ordered by VAdded, then ContentID.
	AssociationsFor(ctx context.Context, repositoryID string) ([]*model.Association, error)

	// FindOpen returns the committed association of content that is valid as
	// of the latest version, or nil if the content is not a member.
	FindOpen(ctx context.Context, repositoryID string, content model.ContentID) (*model.Association, error)

	// ChangedBetween returns the associations whose VAdded or VRemoved lies in
	// (from, to], ordered by ContentID, then VAdded.
	ChangedBetween(ctx context.Context, repositoryID string, from, to int64) ([]*model.Association, error)

	// Generation returns the number of committed versions across all repositories.
	Generation(ctx context.Context) (int64, error)

	// Begin opens a write transaction. On SQLite a write transaction locks
	// the whole database, so callers keep it short.
	Begin(ctx context.Context) (Tx, error)

	// BackupTo writes a consistent copy of the whole store to w.
	BackupTo(ctx context.Context, w io.Writer) error

	// Migrate brings the storage schema up to date.
	Migrate() error

	// CheckMigrations verifies the storage schema is up to date.
	CheckMigrations() error

	// Close releases the underlying storage.
	Close() error
}

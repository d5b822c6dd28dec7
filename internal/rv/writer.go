package rv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rv-go/internal/model"
)

// Writer creates repository versions. A version is assembled in memory while
// the repository's write lock is held and written in one short store
// transaction when it commits, so drafts on different repositories never
// wait on each other.
type Writer struct {
	store   Store
	locks   *repoLocks
	seq     Sequencer
	clock   Clock
	logger  Logger
	metrics *Metrics
}

// NewWriter creates a Writer over store.
func NewWriter(store Store, clock Clock, logger Logger, metrics *Metrics) *Writer {
	return &Writer{
		store:   store,
		locks:   newRepoLocks(),
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// Begin locks the repository, reserves the next version number and returns a
// Draft for it. The lock is held until the draft is committed or aborted.
func (w *Writer) Begin(ctx context.Context, name string, action model.Action) (*Draft, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("action %q: %w", action, ErrInvalidAction)
	}

	started := time.Now()
	release, err := w.locks.acquire(ctx, name)
	if err != nil {
		w.logger.Warn("lock wait cancelled", "repository", name, "error", err)
		w.metrics.versionAborted(err)
		return nil, err
	}

	repo, number, err := w.seq.Next(ctx, w.store, name)
	if err != nil {
		release()
		w.metrics.versionAborted(err)
		return nil, fmt.Errorf("starting version of %s: %w", name, err)
	}

	return &Draft{
		writer: w,
		repo:   repo,
		version: &model.Version{
			RepositoryID: repo.ID,
			Number:       number,
			CreatedAt:    w.clock.Now(),
			Action:       action,
		},
		release: release,
		started: started,
		touched: make(map[model.ContentID]bool),
	}, nil
}

// CreateVersion writes one version that adds and removes the given content,
// in that order. Content already a member is not added again, and content
// that is not a member is not removed. On any failure nothing is written.
func (w *Writer) CreateVersion(ctx context.Context, name string, action model.Action, adds, removes []model.ContentID) (*model.Version, error) {
	d, err := w.Begin(ctx, name, action)
	if err != nil {
		return nil, err
	}

	for _, c := range adds {
		if err := d.Add(ctx, c); err != nil {
			d.abort(err)
			return nil, err
		}
	}
	for _, c := range removes {
		if err := d.Remove(ctx, c); err != nil {
			d.abort(err)
			return nil, err
		}
	}

	return d.Commit(ctx)
}

// change is one buffered membership change. A nil ends means content gains
// a new association at the draft's version; otherwise ends is closed there.
type change struct {
	content model.ContentID
	ends    *model.Association
}

// Draft is a version that has been numbered but not committed. Its changes
// are held in memory and checked against committed state as they are made,
// which the repository's write lock keeps stable until Commit. Readers
// cannot see a draft. A Draft is not safe for concurrent use.
type Draft struct {
	writer  *Writer
	repo    *model.Repository
	version *model.Version
	release func()
	started time.Time
	closed  bool

	changes []change
	// touched records content changed by this draft: true if the draft
	// leaves it a member, false if it ends its membership.
	touched map[model.ContentID]bool

	addRequested    bool
	removeRequested bool
	added           int
	removed         int
}

// Repository returns the name of the repository being written.
func (d *Draft) Repository() string { return d.repo.Name }

// Number returns the number the version will have once committed.
func (d *Draft) Number() int64 { return d.version.Number }

// Base returns the latest committed version the draft builds on.
func (d *Draft) Base() int64 { return d.version.Number - 1 }

// Action returns the action tag of the draft.
func (d *Draft) Action() model.Action { return d.version.Action }

// Add makes content a member as of this version. Content that is already a
// member from an earlier version is left untouched. Adding the same content
// twice to one draft returns ErrDuplicateAssociation; the draft stays usable.
func (d *Draft) Add(ctx context.Context, content model.ContentID) error {
	if d.closed {
		return ErrDraftClosed
	}
	d.addRequested = true

	member, touched := d.touched[content]
	switch {
	case touched && member:
		return fmt.Errorf("content %s already added in version %d: %w", content, d.version.Number, ErrDuplicateAssociation)
	case !touched:
		open, err := d.writer.store.FindOpen(ctx, d.repo.ID, content)
		if err != nil {
			return fmt.Errorf("finding open association for %s: %w", content, err)
		}
		if open != nil {
			return nil
		}
	}

	// Either not a member, or removed earlier in this draft: a new
	// association starts here.
	d.changes = append(d.changes, change{content: content})
	d.touched[content] = true
	d.added++
	return nil
}

// Remove ends content's membership at this version. Content that is not a
// member is ignored. Removing content added by the same draft would leave an
// empty interval and returns ErrInvalidInterval.
func (d *Draft) Remove(ctx context.Context, content model.ContentID) error {
	if d.closed {
		return ErrDraftClosed
	}
	d.removeRequested = true

	member, touched := d.touched[content]
	if touched {
		if !member {
			return nil
		}
		return fmt.Errorf("removing content %s added in version %d: %w", content, d.version.Number, ErrInvalidInterval)
	}

	open, err := d.writer.store.FindOpen(ctx, d.repo.ID, content)
	if err != nil {
		return fmt.Errorf("finding open association for %s: %w", content, err)
	}
	if open == nil {
		return nil
	}
	if err := CheckEnd(open, d.version.Number); err != nil {
		return fmt.Errorf("removing content %s: %w", content, err)
	}

	d.changes = append(d.changes, change{content: content, ends: open})
	d.touched[content] = false
	d.removed++
	return nil
}

// Commit writes the version and all of its changes in one transaction,
// makes them visible and releases the repository. On failure the repository
// is left as it was before Begin.
func (d *Draft) Commit(ctx context.Context) (*model.Version, error) {
	if d.closed {
		return nil, ErrDraftClosed
	}

	fail := func(err error) (*model.Version, error) {
		d.abort(err)
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("committing version %d of %s: %w", d.version.Number, d.repo.Name, err))
	}

	tx, err := d.writer.store.Begin(ctx)
	if err != nil {
		return fail(fmt.Errorf("committing version %d of %s: %w", d.version.Number, d.repo.Name, err))
	}
	defer tx.Rollback()

	if err := d.write(ctx, tx); err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("committing version %d of %s: %w", d.version.Number, d.repo.Name, err))
	}

	d.close()
	w := d.writer
	w.metrics.versionCommitted(string(d.version.Action), d.started)
	w.logger.Info("version committed",
		"repository", d.repo.Name,
		"version", d.version.Number,
		"action", string(d.version.Action),
		"added", d.added,
		"removed", d.removed,
	)

	v := *d.version
	return &v, nil
}

// write applies the draft through tx in the order its changes were made.
func (d *Draft) write(ctx context.Context, tx Tx) error {
	name, number := d.repo.Name, d.version.Number

	repo, next, err := d.writer.seq.Next(ctx, tx, name)
	if err != nil {
		return err
	}
	if next != number {
		return fmt.Errorf("%s moved to version %d while version %d was drafted: %w", name, next-1, number, ErrVersionConflict)
	}

	if err := tx.InsertVersion(ctx, d.version); err != nil {
		return fmt.Errorf("inserting version %d of %s: %w", number, name, err)
	}

	for _, c := range d.changes {
		if c.ends == nil {
			if _, err := tx.Add(ctx, repo.ID, c.content, number); err != nil {
				return fmt.Errorf("adding content %s: %w", c.content, err)
			}
			continue
		}
		ends := *c.ends
		if err := tx.End(ctx, &ends, number); err != nil {
			return fmt.Errorf("removing content %s: %w", c.content, err)
		}
	}

	previous := repo.LatestVersion
	repo.LatestVersion = number
	stamp := d.version.CreatedAt
	if d.addRequested {
		repo.LastContentAdded = &stamp
	}
	if d.removeRequested {
		repo.LastContentRemoved = &stamp
	}
	if err := tx.AdvanceRepository(ctx, repo, previous); err != nil {
		return fmt.Errorf("advancing %s to version %d: %w", name, number, err)
	}
	return nil
}

// Abort discards the draft. Calling Abort after Commit is a no-op.
func (d *Draft) Abort() {
	d.abort(nil)
}

func (d *Draft) abort(cause error) {
	if d.closed {
		return
	}
	d.close()

	w := d.writer
	w.metrics.versionAborted(cause)
	reason := "aborted by caller"
	if cause != nil {
		reason = cause.Error()
	}
	if cause != nil && !errors.Is(cause, ErrDuplicateAssociation) {
		w.logger.Warn("version aborted", "repository", d.repo.Name, "version", d.version.Number, "reason", reason)
		return
	}
	w.logger.Info("version aborted", "repository", d.repo.Name, "version", d.version.Number, "reason", reason)
}

func (d *Draft) close() {
	d.closed = true
	d.changes = nil
	d.release()
}

package rv

import (
	"context"
	"fmt"

	"rv-go/internal/model"
)

// repositoryReader is satisfied by both Store and Tx.
type repositoryReader interface {
	FindRepository(ctx context.Context, name string) (*model.Repository, error)
}

// Sequencer assigns version numbers. A number is read once when a draft
// begins and read again through the transaction that commits the draft,
// both while the repository's write lock is held, so a number is only ever
// handed out to the version that commits it and the committed sequence has
// no gaps.
type Sequencer struct{}

// Next returns the repository as seen by r and the number its next version
// must carry.
func (Sequencer) Next(ctx context.Context, r repositoryReader, name string) (*model.Repository, int64, error) {
	repo, err := r.FindRepository(ctx, name)
	if err != nil {
		return nil, 0, fmt.Errorf("reading repository %s: %w", name, err)
	}
	if repo == nil {
		return nil, 0, fmt.Errorf("repository %s: %w", name, ErrUnknownRepository)
	}
	return repo, repo.LatestVersion + 1, nil
}

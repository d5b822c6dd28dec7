package rv

import (
	"errors"
	"fmt"

	"rv-go/internal/model"
)

var (
	// ErrDuplicateAssociation means the same content was added twice at the
	// same version. Callers should retry the whole version creation.
	ErrDuplicateAssociation = errors.New("duplicate association")

	// ErrAlreadyEnded means an association's upper bound was already set.
	ErrAlreadyEnded = errors.New("association already ended")

	// ErrInvalidInterval means vremoved would not be greater than vadded.
	ErrInvalidInterval = errors.New("invalid association interval")

	ErrUnknownVersion    = errors.New("unknown version")
	ErrUnknownRepository = errors.New("unknown repository")
	ErrInvalidRange      = errors.New("invalid version range")

	// ErrStorageUnavailable is transient; retry with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrRepositoryExists = errors.New("repository already exists")
	ErrInvalidAction    = errors.New("invalid version action")

	// ErrVersionConflict means the repository's latest version moved while a
	// version was being written.
	ErrVersionConflict = errors.New("version sequence conflict")

	// ErrVersionTooLarge means one version changes more content than the
	// store can write in a single transaction. Retrying cannot succeed;
	// split the changes over several versions.
	ErrVersionTooLarge = errors.New("version too large for one transaction")

	// ErrDraftClosed is returned by a Draft after Commit or Abort.
	ErrDraftClosed = errors.New("draft already closed")
)

// IsRetryable reports whether err is a transient failure that leaves no
// partial state, so the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDuplicateAssociation) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrStorageUnavailable)
}

// CheckEnd validates ending association a at version vremoved. Every
// AssociationStore implementation runs it before persisting the bound.
func CheckEnd(a *model.Association, vremoved int64) error {
	if a.VRemoved != nil {
		return fmt.Errorf("content %s added at %d, ended at %d: %w", a.ContentID, a.VAdded, *a.VRemoved, ErrAlreadyEnded)
	}
	if vremoved <= a.VAdded {
		return fmt.Errorf("content %s added at %d cannot end at %d: %w", a.ContentID, a.VAdded, vremoved, ErrInvalidInterval)
	}
	return nil
}

package model

import "time"

// ContentID is the opaque identity of an immutable content unit.
type ContentID string

// Action tags the operation that produced a repository version.
type Action string

const (
	ActionUpload       Action = "upload"       // content was added
	ActionDisassociate Action = "disassociate" // content was removed
	ActionSync         Action = "sync"         // composite: content added and removed
	ActionSnapshot     Action = "snapshot"     // explicit marker, membership unchanged
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionUpload, ActionDisassociate, ActionSync, ActionSnapshot:
		return true
	}
	return false
}

// Repository is a named collection whose membership is tracked as an
// append-only sequence of versions.
type Repository struct {
	ID                 string // UUID
	Name               string // Unique, the repository's identity for callers
	Description        string
	LatestVersion      int64      // 0 is the empty version
	LastContentAdded   *time.Time // nil until a version adds content
	LastContentRemoved *time.Time // nil until a version removes content
	CreatedAt          time.Time
}

// Version is an immutable, numbered marker in a repository's history.
type Version struct {
	RepositoryID string
	Number       int64 // Starts at 1, previous + 1
	CreatedAt    time.Time
	Action       Action
}

// Association records one content unit's membership interval in one
// repository: [VAdded, VRemoved), or [VAdded, +inf) while VRemoved is nil.
type Association struct {
	RepositoryID string
	ContentID    ContentID
	VAdded       int64
	VRemoved     *int64
}

// Open reports whether the association is still valid as of the latest version.
func (a *Association) Open() bool {
	return a.VRemoved == nil
}

// Contains reports whether version n lies inside the association's interval.
func (a *Association) Contains(n int64) bool {
	return a.VAdded <= n && (a.VRemoved == nil || *a.VRemoved > n)
}

// Boundary reports whether the association starts or ends inside (from, to].
func (a *Association) Boundary(from, to int64) bool {
	if a.VAdded > from && a.VAdded <= to {
		return true
	}
	return a.VRemoved != nil && *a.VRemoved > from && *a.VRemoved <= to
}

package common

import "golang.org/x/xerrors"

// Error kinds surfaced to callers. Transient backend failures are wrapped
// in place with xerrors and are not part of this set: the cache layers
// degrade them to a miss, the archiver returns them in its report.
var (
	// ErrNotFound marks an identifier that resolves to nothing.
	// Lookups that can legitimately miss return (nil, nil) instead.
	ErrNotFound = xerrors.New("record not found")

	// ErrValidation marks malformed caller input (e.g. a bad query id).
	ErrValidation = xerrors.New("invalid value")

	// ErrForbidden marks an attempt to modify a record owned by another user.
	ErrForbidden = xerrors.New("operation forbidden")

	// ErrStaleComputation is returned to an attached reader when the leader
	// it follows stopped updating its status. The reader is expected to
	// retry GetOrCompute and possibly take leadership.
	ErrStaleComputation = xerrors.New("stale computation")
)

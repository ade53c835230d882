package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates the request could not be applied to the store.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrAlreadyExists is returned by Tx.Create when the document is present.
	ErrAlreadyExists = errors.New("repository: already exists")
	// ErrConflict is returned when a transaction kept colliding with concurrent
	// writers and its attempts were exhausted.
	ErrConflict = errors.New("repository: transaction conflict")
	// ErrTransient marks network, timeout and lock-busy failures that are safe to retry.
	ErrTransient = errors.New("repository: transient store failure")

	// ErrTxCollision is returned by a single transaction attempt whose reads were
	// invalidated before commit. RetryPolicy.Transaction turns exhaustion into ErrConflict.
	ErrTxCollision = errors.New("repository: transaction collision")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

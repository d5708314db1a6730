// Package errs holds the sentinel errors embedkv raises, per spec.md §7.
// Callers compare against these with errors.Is; call sites wrap them with
// fmt.Errorf("...: %w", ...) to add context, matching the teacher's own
// error-handling idiom in pkg/storage and pkg/manager (plain fmt.Errorf
// and %w, no third-party error-chain library).
package errs

import "errors"

var (
	// ErrNotConnected is returned for an operation on a disconnected database.
	ErrNotConnected = errors.New("embedkv: database not connected")

	// ErrInvalidState is returned for commit/abort on a non-OPEN transaction,
	// or a structural change attempted while the database is connected.
	// Writes on a transaction that is not OPEN return ErrTransactionClosed.
	ErrInvalidState = errors.New("embedkv: invalid state")

	// ErrConflict is returned when a commit is rejected because a sibling
	// transaction on the same base state committed first.
	ErrConflict = errors.New("embedkv: commit conflict")

	// ErrStackOverflow is returned when a store's state stack would exceed
	// MAX_STACK_SIZE.
	ErrStackOverflow = errors.New("embedkv: state stack overflow")

	// ErrUniqueConstraintViolation is returned when a write would duplicate
	// a secondary key in a unique index.
	ErrUniqueConstraintViolation = errors.New("embedkv: unique constraint violation")

	// ErrInvalidArguments is returned for malformed calls: duplicate stores
	// in a combined commit, a negative/zero version, a nested transaction
	// passed to a combined commit.
	ErrInvalidArguments = errors.New("embedkv: invalid arguments")

	// ErrBackendFailure wraps an I/O or batch error surfaced unchanged from
	// a backend.
	ErrBackendFailure = errors.New("embedkv: backend failure")

	// ErrCloseWhileActive is returned when Close is requested with open
	// transactions still outstanding.
	ErrCloseWhileActive = errors.New("embedkv: close requested with open transactions")

	// ErrNestedTransactionBlocked is returned for a write attempted on a
	// transaction while one of its children is open.
	ErrNestedTransactionBlocked = errors.New("embedkv: transaction has an open child")

	// ErrTransactionClosed is returned for a write attempted on a
	// transaction that is not OPEN.
	ErrTransactionClosed = errors.New("embedkv: transaction is not open")
)

package ledger

import "errors"

var (
	// ErrNotFound is returned when a block (or the predecessor a repair needs) does not exist.
	ErrNotFound = errors.New("block not found")

	// ErrIndexConflict is returned by a Store when an insert collides with an
	// existing index or would leave a gap. Append retries on it.
	ErrIndexConflict = errors.New("block index conflict")

	// ErrAppendConflict is returned by Append once its retry budget is spent.
	ErrAppendConflict = errors.New("append conflict: retries exhausted")

	// ErrSerialization is returned when block data cannot be canonically encoded.
	ErrSerialization = errors.New("data cannot be canonically encoded")

	// ErrInvalidData is returned when required block data fields are missing or malformed.
	ErrInvalidData = errors.New("invalid block data")

	// ErrStaleBlock is returned by UpdateLinks when the stored links no longer
	// match what the caller read.
	ErrStaleBlock = errors.New("block changed since it was read")

	// ErrRepairInProgress is returned when a repair is requested while another is running.
	ErrRepairInProgress = errors.New("repair already in progress")
)

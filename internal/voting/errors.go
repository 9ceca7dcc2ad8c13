package voting

import "errors"

// Sentinel errors surfaced by the ballot box. The API layer maps these onto
// HTTP status codes.
var (
	// ErrNotFound: the blockable (or the voter) does not exist.
	ErrNotFound = errors.New("voting: entity not found")

	// ErrUnsupportedPlatform: the blockable's platform has no ballot-box
	// flavor.
	ErrUnsupportedPlatform = errors.New("voting: unsupported platform")

	// ErrInvalidWeight: a negative vote weight was requested.
	ErrInvalidWeight = errors.New("voting: invalid vote weight")

	// ErrDuplicateVote: the voter's in-effect vote already has this polarity.
	ErrDuplicateVote = errors.New("voting: duplicate vote")

	// ErrOperationNotAllowed: the blockable's state, kind, or the voter's
	// privileges forbid the operation.
	ErrOperationNotAllowed = errors.New("voting: operation not allowed")
)

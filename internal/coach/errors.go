package coach

import "errors"

var (
	// ErrNotFound means the case does not exist or has already been released.
	ErrNotFound = errors.New("case not found")
	// ErrCaseClosed means the case no longer accepts input.
	ErrCaseClosed = errors.New("case closed")
	// ErrInvalidInput means the request was rejected at the boundary, e.g. empty utterance text.
	ErrInvalidInput = errors.New("invalid input")
)

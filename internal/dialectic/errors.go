package dialectic

import "errors"

var (
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrConflictResolved  = errors.New("conflict already resolved")
	ErrInvalidOption     = errors.New("option must be A, B or C")
	ErrReasoningRequired = errors.New("reasoning is required")
	ErrEmptyQuestion     = errors.New("question is required")
)

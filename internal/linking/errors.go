package linking

import (
	"errors"
	"fmt"
)

// ErrLookupFailed marks a failure isolated to a single query.
var ErrLookupFailed = errors.New("lookup failed")

// LookupError records which query failed and why.
type LookupError struct {
	QueryID string
	Err     error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup for %s failed: %v", e.QueryID, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *LookupError) Unwrap() []error {
	return []error{ErrLookupFailed, e.Err}
}

package offlinecache

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a lifecycle step runs out of order,
	// e.g. Fetch before Activate or Install twice.
	ErrInvalidState = errors.New("offlinecache: invalid worker state")

	// ErrInvalidConfig is returned by NewWorker when the config can't be used.
	ErrInvalidConfig = errors.New("offlinecache: invalid config")
)

// FetchError reports a precache response that was not ok (2xx).
type FetchError struct {
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("offlinecache: fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

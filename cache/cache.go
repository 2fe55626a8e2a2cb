package cache

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrQuotaExceeded is returned by Put when the storage has no room left for the entry.
	ErrQuotaExceeded = errors.New("cache: quota exceeded")
	// ErrCacheNotFound is returned when writing through a handle whose cache was deleted.
	ErrCacheNotFound = errors.New("cache: cache not found")
)

// Storage is the set of named caches, one per deployed version.
type Storage interface {
	// Open returns the named cache, creating it if absent.
	Open(name string) (Cache, error)
	Has(name string) (bool, error)
	// Keys returns the names of all caches.
	Keys() ([]string, error)
	// Delete removes a whole cache. It reports whether the cache existed.
	Delete(name string) (bool, error)
	Close() error
}

// Cache defines the contract for a single named request/response store.
type Cache interface {
	Name() string
	Match(key string) (*ResponseCacheEntry, bool, error)
	Put(key string, entry *ResponseCacheEntry) error
	// PutAll stores every record or none of them.
	PutAll(records []Record) error
	Delete(key string) (bool, error)
	Keys() ([]string, error)
}

// Record pairs a request key with the response stored for it.
type Record struct {
	Key   string
	Entry *ResponseCacheEntry
}

// ResponseCacheEntry holds the complete HTTP response data.
type ResponseCacheEntry struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	StatusCode int         `json:"status"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Size returns the estimated memory footprint in bytes.
func (e *ResponseCacheEntry) Size() int64 {
	// Heuristic: ~30 bytes per header key/value pair overhead
	return int64(len(e.Body)) + int64(len(e.Headers)*30) + int64(len(e.URL))
}

// Clone returns a deep copy so callers can't mutate stored state.
func (e *ResponseCacheEntry) Clone() *ResponseCacheEntry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Headers = e.Headers.Clone()
	clone.Body = append([]byte(nil), e.Body...)
	return &clone
}

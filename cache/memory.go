package cache

import (
	"container/list"
	"sync"
)

// memoryRecord links the cache key and the entry to the list element.
type memoryRecord struct {
	key   string
	size  int64
	value *ResponseCacheEntry
}

// MemoryStorage implements Storage in process memory with a hard byte quota
// shared by all caches. Writes that would exceed the quota fail with
// ErrQuotaExceeded; nothing is evicted to make room.
type MemoryStorage struct {
	mutex sync.RWMutex
	// creation order of cache names
	names  []string
	caches map[string]*memoryCache
	// Hard memory limit in bytes, zero means unlimited
	maxBytes int64
	// Current total size of all stored items
	currentBytes int64
}

// NewMemoryStorage creates a new MemoryStorage.
// maxMB is the memory limit in megabytes; zero disables the quota.
func NewMemoryStorage(maxMB int) *MemoryStorage {
	return &MemoryStorage{
		caches:   make(map[string]*memoryCache),
		maxBytes: int64(maxMB) * 1024 * 1024,
	}
}

func (s *MemoryStorage) Open(name string) (Cache, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &memoryCache{
		storage: s,
		name:    name,
		order:   list.New(),
		index:   make(map[string]*list.Element),
	}
	s.caches[name] = c
	s.names = append(s.names, name)
	return c, nil
}

func (s *MemoryStorage) Has(name string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *MemoryStorage) Keys() ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.names...), nil
}

func (s *MemoryStorage) Delete(name string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	c.deleted = true
	s.currentBytes -= c.bytes
	delete(s.caches, name)
	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			break
		}
	}
	return true, nil
}

// Close is a no-op for in-memory, but required by the interface.
func (s *MemoryStorage) Close() error {
	return nil
}

// Usage returns the number of bytes currently stored.
func (s *MemoryStorage) Usage() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.currentBytes
}

type memoryCache struct {
	storage *MemoryStorage
	name    string
	// insertion order of keys
	order   *list.List
	index   map[string]*list.Element
	bytes   int64
	deleted bool
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(key string) (*ResponseCacheEntry, bool, error) {
	c.storage.mutex.RLock()
	defer c.storage.mutex.RUnlock()

	if c.deleted {
		return nil, false, nil
	}
	element, ok := c.index[key]
	if !ok {
		return nil, false, nil
	}
	return element.Value.(*memoryRecord).value.Clone(), true, nil
}

func (c *memoryCache) Put(key string, entry *ResponseCacheEntry) error {
	return c.PutAll([]Record{{Key: key, Entry: entry}})
}

func (c *memoryCache) PutAll(records []Record) error {
	// compute before acquiring lock
	sizes := make([]int64, len(records))
	for i, r := range records {
		sizes[i] = r.Entry.Size()
	}

	c.storage.mutex.Lock()
	defer c.storage.mutex.Unlock()

	if c.deleted {
		return ErrCacheNotFound
	}

	// Check the quota for the whole batch before touching anything.
	delta := int64(0)
	seen := make(map[string]int64, len(records))
	for i, r := range records {
		if prev, ok := seen[r.Key]; ok {
			delta -= prev
		} else if element, ok := c.index[r.Key]; ok {
			delta -= element.Value.(*memoryRecord).size
		}
		seen[r.Key] = sizes[i]
		delta += sizes[i]
	}
	if c.storage.maxBytes > 0 && c.storage.currentBytes+delta > c.storage.maxBytes {
		return ErrQuotaExceeded
	}

	for i, r := range records {
		value := r.Entry.Clone()
		if element, ok := c.index[r.Key]; ok {
			// Last write wins; the key keeps its original position.
			old := element.Value.(*memoryRecord)
			old.size = sizes[i]
			old.value = value
			continue
		}
		c.index[r.Key] = c.order.PushBack(&memoryRecord{key: r.Key, size: sizes[i], value: value})
	}
	c.bytes += delta
	c.storage.currentBytes += delta
	return nil
}

func (c *memoryCache) Delete(key string) (bool, error) {
	c.storage.mutex.Lock()
	defer c.storage.mutex.Unlock()

	element, ok := c.index[key]
	if !ok || c.deleted {
		return false, nil
	}
	removed := c.order.Remove(element).(*memoryRecord)
	delete(c.index, removed.key)
	c.bytes -= removed.size
	c.storage.currentBytes -= removed.size
	return true, nil
}

func (c *memoryCache) Keys() ([]string, error) {
	c.storage.mutex.RLock()
	defer c.storage.mutex.RUnlock()

	keys := make([]string, 0, c.order.Len())
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*memoryRecord).key)
	}
	return keys, nil
}

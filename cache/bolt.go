package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStorage implements Storage on a bbolt file. Every cache is a top-level
// bucket named after the cache; entries are JSON encoded under their request key.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the database at path.
func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Open(name string) (Cache, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	return &boltCache{db: s.db, name: []byte(name)}, nil
}

func (s *BoltStorage) Has(name string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return found, err
}

// Keys returns cache names in byte order.
func (s *BoltStorage) Keys() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (s *BoltStorage) Delete(name string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		existed = true
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	return existed, nil
}

func (s *BoltStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type boltCache struct {
	db   *bolt.DB
	name []byte
}

func (c *boltCache) Name() string {
	return string(c.name)
}

func (c *boltCache) Match(key string) (*ResponseCacheEntry, bool, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.name)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, false, err
	}

	var entry ResponseCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode entry %q: %w", key, err)
	}
	return &entry, true, nil
}

func (c *boltCache) Put(key string, entry *ResponseCacheEntry) error {
	return c.PutAll([]Record{{Key: key, Entry: entry}})
}

// PutAll writes every record in a single transaction.
func (c *boltCache) PutAll(records []Record) error {
	encoded := make([][]byte, len(records))
	for i, r := range records {
		data, err := json.Marshal(r.Entry)
		if err != nil {
			return fmt.Errorf("encode entry %q: %w", r.Key, err)
		}
		encoded[i] = data
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.name)
		if b == nil {
			return ErrCacheNotFound
		}
		for i, r := range records {
			if err := b.Put([]byte(r.Key), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *boltCache) Delete(key string) (bool, error) {
	var existed bool
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.name)
		if b == nil || b.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(key))
	})
	return existed, err
}

func (c *boltCache) Keys() ([]string, error) {
	var keys []string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.name)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

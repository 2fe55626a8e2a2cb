package cache

import (
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func entry(body string) *ResponseCacheEntry {
	return &ResponseCacheEntry{
		Method:     http.MethodGet,
		URL:        "https://journal.example/entry",
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(body),
		StoredAt:   time.Now(),
	}
}

func backends(t *testing.T) map[string]func(t *testing.T) Storage {
	return map[string]func(t *testing.T) Storage{
		"memory": func(t *testing.T) Storage {
			return NewMemoryStorage(0)
		},
		"bolt": func(t *testing.T) Storage {
			s, err := NewBoltStorage(filepath.Join(t.TempDir(), "nested", "cache.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStorage_Lifecycle(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			storage := open(t)

			found, err := storage.Has("my-reflection-app-v1")
			require.NoError(t, err)
			assert.False(t, found)

			_, err = storage.Open("my-reflection-app-v1")
			require.NoError(t, err)
			_, err = storage.Open("my-reflection-app-v2")
			require.NoError(t, err)
			// opening again doesn't duplicate
			_, err = storage.Open("my-reflection-app-v1")
			require.NoError(t, err)

			names, err := storage.Keys()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"my-reflection-app-v1", "my-reflection-app-v2"}, names)

			existed, err := storage.Delete("my-reflection-app-v1")
			require.NoError(t, err)
			assert.True(t, existed)
			existed, err = storage.Delete("my-reflection-app-v1")
			require.NoError(t, err)
			assert.False(t, existed)

			names, err = storage.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"my-reflection-app-v2"}, names)
		})
	}
}

func TestCache_PutMatchDelete(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store, err := open(t).Open("v1")
			require.NoError(t, err)
			assert.Equal(t, "v1", store.Name())

			_, found, err := store.Match("GET https://journal.example/a")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, store.PutAll([]Record{
				{Key: "GET https://journal.example/a", Entry: entry("a")},
				{Key: "GET https://journal.example/b", Entry: entry("b")},
			}))
			// last write wins
			require.NoError(t, store.Put("GET https://journal.example/a", entry("a2")))

			got, found, err := store.Match("GET https://journal.example/a")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "a2", string(got.Body))
			assert.Equal(t, http.StatusOK, got.StatusCode)
			assert.Equal(t, "text/plain", got.Headers.Get("Content-Type"))

			keys, err := store.Keys()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"GET https://journal.example/a", "GET https://journal.example/b"}, keys)

			deleted, err := store.Delete("GET https://journal.example/b")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = store.Delete("GET https://journal.example/b")
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestCache_WriteAfterDelete(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			storage := open(t)
			store, err := storage.Open("v1")
			require.NoError(t, err)
			require.NoError(t, store.Put("k", entry("x")))

			_, err = storage.Delete("v1")
			require.NoError(t, err)

			require.ErrorIs(t, store.Put("k", entry("y")), ErrCacheNotFound)
			_, found, err := store.Match("k")
			require.NoError(t, err)
			assert.False(t, found)

			found, err = storage.Has("v1")
			require.NoError(t, err)
			assert.False(t, found, "a stale handle must not recreate the cache")
		})
	}
}

func TestBoltStorage_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	storage, err := NewBoltStorage(path)
	require.NoError(t, err)
	store, err := storage.Open("v1")
	require.NoError(t, err)
	require.NoError(t, store.Put("GET https://journal.example/", entry("shell")))
	require.NoError(t, storage.Close())

	reopened, err := NewBoltStorage(path)
	require.NoError(t, err)
	defer reopened.Close()
	store, err = reopened.Open("v1")
	require.NoError(t, err)
	got, found, err := store.Match("GET https://journal.example/")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "shell", string(got.Body))
	assert.Equal(t, "https://journal.example/entry", got.URL)
}

func TestMemoryStorage_Quota(t *testing.T) {
	storage := NewMemoryStorage(1)
	store, err := storage.Open("v1")
	require.NoError(t, err)

	big := entry(strings.Repeat("x", 600*1024))
	err = store.PutAll([]Record{{Key: "a", Entry: big}, {Key: "b", Entry: big}})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// batch is all-or-nothing
	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Zero(t, storage.Usage())

	require.NoError(t, store.Put("a", big))
	// overwriting the same key doesn't double count
	require.NoError(t, store.Put("a", big))
	assert.Equal(t, big.Size(), storage.Usage())

	// deleting the cache frees its bytes
	_, err = storage.Delete("v1")
	require.NoError(t, err)
	assert.Zero(t, storage.Usage())
}

func TestMemoryStorage_KeysKeepInsertionOrder(t *testing.T) {
	storage := NewMemoryStorage(0)
	store, err := storage.Open("v1")
	require.NoError(t, err)
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, store.Put(k, entry(k)))
	}
	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, keys)
}

func TestMemoryStorage_MatchReturnsCopy(t *testing.T) {
	store, err := NewMemoryStorage(0).Open("v1")
	require.NoError(t, err)
	require.NoError(t, store.Put("k", entry("body")))

	got, _, err := store.Match("k")
	require.NoError(t, err)
	got.Body[0] = 'X'
	got.Headers.Set("Content-Type", "changed")

	again, _, err := store.Match("k")
	require.NoError(t, err)
	assert.Equal(t, "body", string(again.Body))
	assert.Equal(t, "text/plain", again.Headers.Get("Content-Type"))
}

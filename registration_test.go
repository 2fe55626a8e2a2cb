package offlinecache

import (
	"errors"
	"net/http"
	"testing"

	"github.com/spdeepak/offlinecache/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistration_NoActiveWorkerGoesToNetwork(t *testing.T) {
	network := newSpyFetcher(shellRoutes())
	registration := NewRegistration(cache.NewMemoryStorage(0), network, nil)
	assert.Nil(t, registration.Active())

	resp, err := registration.Fetch(t.Context(), get(t, testScope+"index.html"))
	require.NoError(t, err)
	assert.Equal(t, "shell:/index.html", readBody(t, resp))
	assert.Equal(t, 1, network.callCount())
}

func TestRegistration_UpdateCutsOver(t *testing.T) {
	storage := cache.NewMemoryStorage(0)
	network := newSpyFetcher(shellRoutes())
	registration := NewRegistration(storage, network, nil)

	v1, err := registration.Update(t.Context(), testConfig("my-reflection-app-v1"))
	require.NoError(t, err)
	assert.Same(t, v1, registration.Active())

	network.set("/style.css", route{status: http.StatusOK, body: "v2 styles"})
	v2, err := registration.Update(t.Context(), testConfig("my-reflection-app-v2"))
	require.NoError(t, err)
	assert.Same(t, v2, registration.Active())
	assert.Equal(t, StateRedundant, v1.State())
	assert.Equal(t, StateActivated, v2.State())

	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"my-reflection-app-v2"}, names)

	client := &http.Client{Transport: &Transport{Registration: registration}}
	resp, err := client.Get(testScope + "style.css")
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache-Status"))
	assert.Equal(t, "v2 styles", readBody(t, resp))
	require.NoError(t, registration.Close())
}

func TestRegistration_FailedUpdateKeepsPreviousVersion(t *testing.T) {
	storage := cache.NewMemoryStorage(0)
	network := newSpyFetcher(shellRoutes())
	registration := NewRegistration(storage, network, nil)

	v1, err := registration.Update(t.Context(), testConfig("my-reflection-app-v1"))
	require.NoError(t, err)

	cfg := testConfig("my-reflection-app-v2")
	cfg.Precache = append(cfg.Precache, "./icons/icon-1024x1024.png")
	_, err = registration.Update(t.Context(), cfg)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)

	assert.Same(t, v1, registration.Active())
	assert.Equal(t, StateActivated, v1.State())
	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"my-reflection-app-v1"}, names)

	network.reset()
	resp, err := registration.Fetch(t.Context(), get(t, testScope))
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache-Status"))
	readBody(t, resp)
	assert.Equal(t, 0, network.callCount())
}

func TestRegistration_FailedActivationKeepsPreviousVersion(t *testing.T) {
	errIO := errors.New("disk I/O error")
	storage := &failingDeleteStorage{Storage: cache.NewMemoryStorage(0), name: "my-reflection-app-v1", err: errIO}
	network := newSpyFetcher(shellRoutes())
	registration := NewRegistration(storage, network, nil)

	v1, err := registration.Update(t.Context(), testConfig("my-reflection-app-v1"))
	require.NoError(t, err)

	_, err = registration.Update(t.Context(), testConfig("my-reflection-app-v2"))
	require.ErrorIs(t, err, errIO)

	assert.Same(t, v1, registration.Active())
	assert.Equal(t, StateActivated, v1.State())
	names, err := storage.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"my-reflection-app-v1", "my-reflection-app-v2"}, names)

	network.reset()
	resp, err := registration.Fetch(t.Context(), get(t, testScope+"style.css"))
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache-Status"))
	readBody(t, resp)
	assert.Equal(t, 0, network.callCount())
}

func TestRegistration_SameVersionReinstall(t *testing.T) {
	storage := cache.NewMemoryStorage(0)
	network := newSpyFetcher(shellRoutes())
	registration := NewRegistration(storage, network, nil)

	_, err := registration.Update(t.Context(), testConfig("v1"))
	require.NoError(t, err)
	_, err = registration.Update(t.Context(), testConfig("v1"))
	require.NoError(t, err)

	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)
}

package offlinecache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/spdeepak/offlinecache/cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const cacheStatusHeader = "X-Cache-Status"

// testHookFetchShared runs before a deduplicated fetch joins its flight.
var testHookFetchShared = func() {}

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// State is a worker lifecycle phase.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Worker is one version of the offline cache. It is installed once, activated
// once and then serves fetches from the cache store named by Config.CacheName.
type Worker struct {
	cfg     Config
	scope   *url.URL
	storage cache.Storage
	network Fetcher
	logger  *slog.Logger

	mu    sync.RWMutex
	state State
	store cache.Cache

	// pending tracks background cache writes.
	pending sync.WaitGroup
	// This ensures that concurrent fetches for the same key hit the network
	// once when DedupeInFlight is set.
	singleFlight singleflight.Group
}

// NewWorker returns a worker in state parsed. A nil cfg uses DefaultConfig.
func NewWorker(storage cache.Storage, network Fetcher, cfg *Config) (*Worker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if storage == nil || network == nil {
		return nil, fmt.Errorf("%w: storage and network are required", ErrInvalidConfig)
	}
	scope, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	c := cfg.withDefaults()
	return &Worker{
		cfg:     c,
		scope:   scope,
		storage: storage,
		network: network,
		logger:  c.Logger.With(slog.String("cacheName", c.CacheName)),
		state:   StateParsed,
	}, nil
}

// CacheName returns the name of the store this worker owns.
func (w *Worker) CacheName() string {
	return w.cfg.CacheName
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Install opens the cache store and stores every precache URL. Entries are
// committed in one batch after all fetches succeed; on any failure nothing is
// committed and the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "offlinecache.Install",
		trace.WithAttributes(
			attribute.String("cache.name", w.cfg.CacheName),
			attribute.Int("cache.precache", len(w.cfg.Precache)),
		))
	defer func() { endSpan(span, err) }()

	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}

	name := w.cfg.CacheName
	existed, err := w.storage.Has(name)
	if err != nil {
		return w.fail(fmt.Errorf("install %s: %w", name, err))
	}
	store, err := w.storage.Open(name)
	if err != nil {
		return w.fail(fmt.Errorf("install %s: %w", name, err))
	}
	w.logger.Debug("Opened cache")

	records := make([]cache.Record, len(w.cfg.Precache))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.cfg.InstallConcurrency)
	for i, raw := range w.cfg.Precache {
		group.Go(func() error {
			record, err := w.precache(groupCtx, raw)
			if err != nil {
				return err
			}
			records[i] = record
			return nil
		})
	}
	err = group.Wait()
	if err == nil {
		err = store.PutAll(records)
	}
	if err != nil {
		if !existed {
			if _, delErr := w.storage.Delete(name); delErr != nil {
				w.logger.Warn("Failed to discard partial cache", slog.Any("error", delErr))
			}
		}
		w.logger.Error("Install failed", slog.Any("error", err))
		return w.fail(fmt.Errorf("install %s: %w", name, err))
	}

	w.mu.Lock()
	w.store = store
	w.state = StateInstalled
	w.mu.Unlock()
	w.logger.Info("Installed", slog.Int("entries", len(records)))
	return nil
}

func (w *Worker) precache(ctx context.Context, raw string) (cache.Record, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return cache.Record{}, fmt.Errorf("precache %q: %w", raw, err)
	}
	target := w.scope.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.Record{}, err
	}
	resp, err := w.network.Do(req)
	if err != nil {
		return cache.Record{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cache.Record{}, &FetchError{URL: target.String(), StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Record{}, fmt.Errorf("read %s: %w", target, err)
	}
	return cache.Record{Key: w.cfg.KeyGenerator(req), Entry: w.newEntry(req, resp, body)}, nil
}

// Activate deletes every cache store except the one this worker owns.
// Activation completes only after all deletions have finished.
func (w *Worker) Activate(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "offlinecache.Activate",
		trace.WithAttributes(attribute.String("cache.name", w.cfg.CacheName)))
	defer func() { endSpan(span, err) }()

	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	names, err := w.storage.Keys()
	if err != nil {
		return w.fail(fmt.Errorf("activate %s: list caches: %w", w.cfg.CacheName, err))
	}

	whitelist := map[string]bool{w.cfg.CacheName: true}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		if whitelist[name] {
			continue
		}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			if _, err := w.storage.Delete(name); err != nil {
				return fmt.Errorf("delete cache %s: %w", name, err)
			}
			w.logger.Info("Deleted stale cache", slog.String("staleCache", name))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		w.logger.Error("Activation failed", slog.Any("error", err))
		return w.fail(fmt.Errorf("activate %s: %w", w.cfg.CacheName, err))
	}

	w.mu.Lock()
	w.state = StateActivated
	w.mu.Unlock()
	w.logger.Info("Activated")
	return nil
}

// Fetch serves req through the worker's own network.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return w.fetch(ctx, req, w.network)
}

// fetch answers req from the cache store when it holds a match and from
// network otherwise. Qualifying network responses are stored in the
// background; write errors never reach the caller.
func (w *Worker) fetch(ctx context.Context, req *http.Request, network Fetcher) (resp *http.Response, err error) {
	w.mu.RLock()
	state, store := w.state, w.store
	w.mu.RUnlock()
	if state != StateActivated {
		return nil, fmt.Errorf("%w: fetch while %s", ErrInvalidState, state)
	}

	req = w.resolve(ctx, req)
	ctx, span := tracer.Start(req.Context(), "offlinecache.Fetch",
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
		))
	defer func() { endSpan(span, err) }()
	req = req.WithContext(ctx)

	// Only GET requests are matched and stored.
	if req.Method != http.MethodGet {
		return network.Do(req)
	}
	cacheKey := w.cfg.KeyGenerator(req)
	if cacheKey == "" {
		return network.Do(req)
	}

	entry, found, err := store.Match(cacheKey)
	if err != nil {
		// treat as a miss
		w.logger.Warn("Cache lookup failed", slog.String("cacheKey", cacheKey), slog.Any("error", err))
	}
	if found {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return entryResponse(req, entry), nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	if w.cfg.DedupeInFlight {
		return w.fetchShared(req, cacheKey, store, network)
	}

	resp, err = network.Do(req)
	if err != nil {
		return nil, err
	}
	typ := Classify(w.scope, req, resp)
	if !w.cfg.ShouldCache(resp, typ) {
		return resp, nil
	}

	body, complete, readErr := readCapped(resp.Body, w.cfg.MaxBodyBytes)
	if !complete || readErr != nil {
		// Too large (or broken): replay what was read and stream the rest uncached.
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return resp, nil
	}
	resp.Body.Close()

	w.put(store, cacheKey, w.newEntry(req, resp, body))
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

type sharedResponse struct {
	resp *http.Response
	body []byte
}

func (s *sharedResponse) response(req *http.Request) *http.Response {
	resp := *s.resp
	resp.Header = s.resp.Header.Clone()
	resp.Body = io.NopCloser(bytes.NewReader(s.body))
	resp.ContentLength = int64(len(s.body))
	if resp.Request == nil {
		resp.Request = req
	}
	return &resp
}

// fetchShared runs one network fetch per key for all concurrent callers. The
// body is read fully so every caller can get its own copy.
func (w *Worker) fetchShared(req *http.Request, cacheKey string, store cache.Cache, network Fetcher) (*http.Response, error) {
	testHookFetchShared()
	v, err, shared := w.singleFlight.Do(cacheKey, func() (interface{}, error) {
		resp, err := network.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		typ := Classify(w.scope, req, resp)
		fits := w.cfg.MaxBodyBytes <= 0 || int64(len(body)) <= w.cfg.MaxBodyBytes
		if w.cfg.ShouldCache(resp, typ) && fits {
			w.put(store, cacheKey, w.newEntry(req, resp, body))
		}
		return &sharedResponse{resp: resp, body: body}, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		w.logger.Debug("Shared in-flight fetch", slog.String("cacheKey", cacheKey))
	}
	return v.(*sharedResponse).response(req), nil
}

// put stores entry asynchronously so we don't block the caller.
func (w *Worker) put(store cache.Cache, cacheKey string, entry *cache.ResponseCacheEntry) {
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		// recover to avoid uncaught goroutine panic
		defer func() {
			if p := recover(); p != nil {
				w.logger.Error("Panic while caching response", slog.String("cacheKey", cacheKey), slog.Any("panic", p))
			}
		}()
		if err := store.Put(cacheKey, entry); err != nil {
			w.logger.Warn("Failed to cache response", slog.String("cacheKey", cacheKey), slog.Any("error", err))
		}
	}()
}

// Wait blocks until all background cache writes have finished.
func (w *Worker) Wait() {
	w.pending.Wait()
}

func (w *Worker) newEntry(req *http.Request, resp *http.Response, body []byte) *cache.ResponseCacheEntry {
	return &cache.ResponseCacheEntry{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    w.cfg.StripHeaders(resp.Header),
		Body:       append([]byte(nil), body...), // copy
		StoredAt:   time.Now(),
	}
}

// resolve binds req to ctx and makes its URL absolute against the scope.
func (w *Worker) resolve(ctx context.Context, req *http.Request) *http.Request {
	if ctx == nil {
		ctx = req.Context()
	}
	if req.URL.IsAbs() {
		return req.WithContext(ctx)
	}
	clone := req.Clone(ctx)
	clone.URL = w.scope.ResolveReference(req.URL)
	return clone
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: cannot move to %s while %s", ErrInvalidState, to, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) fail(err error) error {
	w.markRedundant()
	return err
}

func (w *Worker) markRedundant() {
	w.mu.Lock()
	w.state = StateRedundant
	w.mu.Unlock()
}

func entryResponse(req *http.Request, entry *cache.ResponseCacheEntry) *http.Response {
	header := entry.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(cacheStatusHeader, "HIT")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// readCapped reads body up to maxBytes. complete is false when the body is
// longer than that; the bytes read so far are still returned.
func readCapped(body io.Reader, maxBytes int64) (data []byte, complete bool, err error) {
	if maxBytes <= 0 {
		data, err = io.ReadAll(body)
		return data, err == nil, err
	}
	data, err = io.ReadAll(io.LimitReader(body, maxBytes+1))
	return data, err == nil && int64(len(data)) <= maxBytes, err
}

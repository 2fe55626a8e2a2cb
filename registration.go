package offlinecache

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/spdeepak/offlinecache/cache"
)

// Registration keeps the active worker for one scope and swaps in new
// versions. A version that fails to install or activate never takes control;
// the previous active worker keeps serving.
type Registration struct {
	storage cache.Storage
	network Fetcher
	logger  *slog.Logger

	updateMu sync.Mutex

	mu     sync.RWMutex
	active *Worker
}

// NewRegistration returns a registration with no active worker. A nil logger
// uses slog.Default.
func NewRegistration(storage cache.Storage, network Fetcher, logger *slog.Logger) *Registration {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registration{storage: storage, network: network, logger: logger}
}

// Update installs and activates the version described by cfg. On success the
// new worker is returned and the previous one is retired after its pending
// cache writes settle.
func (r *Registration) Update(ctx context.Context, cfg *Config) (*Worker, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	if cfg != nil && cfg.Logger == nil {
		c := *cfg
		c.Logger = r.logger
		cfg = &c
	}
	worker, err := NewWorker(r.storage, r.network, cfg)
	if err != nil {
		return nil, err
	}
	if err := worker.Install(ctx); err != nil {
		return nil, err
	}
	if err := worker.Activate(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	previous := r.active
	r.active = worker
	r.mu.Unlock()

	if previous != nil && previous != worker {
		previous.Wait()
		previous.markRedundant()
		r.logger.Info("Worker superseded",
			slog.String("previous", previous.CacheName()),
			slog.String("current", worker.CacheName()))
	}
	return worker, nil
}

// Active returns the worker in control, or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Fetch routes req through the active worker. Without one it goes straight
// to the network.
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	worker := r.Active()
	if worker != nil && worker.State() != StateActivated {
		worker = nil
	}
	if worker == nil {
		if ctx != nil {
			req = req.WithContext(ctx)
		}
		return r.network.Do(req)
	}
	resp, err := worker.Fetch(ctx, req)
	if errors.Is(err, ErrInvalidState) {
		// superseded between lookup and fetch
		return r.Fetch(ctx, req)
	}
	return resp, err
}

// Close waits for the active worker's pending cache writes.
func (r *Registration) Close() error {
	if worker := r.Active(); worker != nil {
		worker.Wait()
	}
	return nil
}

// Transport is an http.RoundTripper that intercepts every request with the
// registration's active worker.
type Transport struct {
	Registration *Registration
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.Registration.Fetch(req.Context(), req)
}

package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"drover/internal/logging"
)

const defaultConcurrencyLimit = 4

// Registry maps provider names to clients and caps per-provider concurrency
// with a weighted semaphore. Registration under the same name replaces the
// entry idempotently.
type Registry struct {
	logger logging.Logger

	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	client Client
	limit  int64
	sem    *semaphore.Weighted
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		logger:  logging.OrNop(logger),
		entries: make(map[string]*registryEntry),
	}
}

// Register adds a client under its own name. concurrencyLimit <= 0 uses the
// default. Re-registering the same name replaces the client.
func (r *Registry) Register(client Client, concurrencyLimit int) {
	if concurrencyLimit <= 0 {
		concurrencyLimit = defaultConcurrencyLimit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[client.Name()]; ok && existing.limit == int64(concurrencyLimit) {
		existing.client = client
		return
	}
	r.entries[client.Name()] = &registryEntry{
		client: client,
		limit:  int64(concurrencyLimit),
		sem:    semaphore.NewWeighted(int64(concurrencyLimit)),
	}
	r.logger.Info("registered provider %s (concurrency=%d)", client.Name(), concurrencyLimit)
}

// Get returns the client for name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", name)
	}
	return entry.client, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs a request on the named provider under its concurrency cap.
// The semaphore wait honors ctx cancellation.
func (r *Registry) Execute(ctx context.Context, name string, req Request) (*Response, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", name)
	}
	if err := entry.sem.Acquire(ctx, 1); err != nil {
		return nil, NewError(name, KindCancelled, "cancelled waiting for provider slot", err)
	}
	defer entry.sem.Release(1)
	return entry.client.Execute(ctx, req)
}

// CostEstimate proxies to the named provider's estimator.
func (r *Registry) CostEstimate(name string, tokensIn, tokensOut int64, model string) (float64, error) {
	client, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	return client.CostEstimate(tokensIn, tokensOut, model), nil
}

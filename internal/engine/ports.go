package engine

import (
	"context"
	"fmt"
	"sync"

	"drover/internal/logging"
	"drover/internal/state"
)

// ResourceExhaustedError reports that a port pool has no free slots.
type ResourceExhaustedError struct {
	Pool string
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s port pool exhausted", e.Pool)
}

// PortPair is one backend/frontend allocation bound to a workflow.
type PortPair struct {
	Backend  int
	Frontend int
}

// PortAllocator hands out ports from the bounded backend and frontend pools.
// Allocations are persisted on the workflow row so a restart can reconcile
// the in-memory picture against live workflows.
type PortAllocator struct {
	store  *state.Store
	logger logging.Logger

	mu    sync.Mutex
	inUse map[int]string
}

// NewPortAllocator creates an allocator with empty pools. Call Reconcile
// before first use after a restart.
func NewPortAllocator(store *state.Store, logger logging.Logger) *PortAllocator {
	return &PortAllocator{
		store:  store,
		logger: logging.OrNop(logger),
		inUse:  make(map[int]string),
	}
}

// Reconcile seeds the in-memory allocation map from persisted bindings so
// crashed workflows do not leak ports forever.
func (a *PortAllocator) Reconcile(ctx context.Context) error {
	ports, err := a.store.AllocatedPorts(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse = ports
	a.logger.Info("port allocator reconciled %d live bindings", len(ports))
	return nil
}

// Allocate reserves one backend and one frontend port for workflowID and
// persists the binding. Exhaustion of either pool is an error and nothing is
// reserved.
func (a *PortAllocator) Allocate(ctx context.Context, workflowID string) (*PortPair, error) {
	a.mu.Lock()
	backend, ok := a.firstFreeLocked(state.BackendPortMin, state.BackendPortMax)
	if !ok {
		a.mu.Unlock()
		return nil, &ResourceExhaustedError{Pool: "backend"}
	}
	frontend, ok := a.firstFreeLocked(state.FrontendPortMin, state.FrontendPortMax)
	if !ok {
		a.mu.Unlock()
		return nil, &ResourceExhaustedError{Pool: "frontend"}
	}
	a.inUse[backend] = workflowID
	a.inUse[frontend] = workflowID
	a.mu.Unlock()

	if err := a.store.SetWorkflowPorts(ctx, workflowID, &backend, &frontend); err != nil {
		a.mu.Lock()
		delete(a.inUse, backend)
		delete(a.inUse, frontend)
		a.mu.Unlock()
		return nil, err
	}
	return &PortPair{Backend: backend, Frontend: frontend}, nil
}

// Release frees every port bound to workflowID and clears the persisted
// binding. Safe to call for workflows that hold nothing.
func (a *PortAllocator) Release(ctx context.Context, workflowID string) error {
	a.mu.Lock()
	released := false
	for port, owner := range a.inUse {
		if owner == workflowID {
			delete(a.inUse, port)
			released = true
		}
	}
	a.mu.Unlock()
	if !released {
		return nil
	}
	return a.store.SetWorkflowPorts(ctx, workflowID, nil, nil)
}

// Allocated reports how many ports are currently reserved.
func (a *PortAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

func (a *PortAllocator) firstFreeLocked(min, max int) (int, bool) {
	for port := min; port <= max; port++ {
		if _, taken := a.inUse[port]; !taken {
			return port, true
		}
	}
	return 0, false
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

// Registry maps queue names to managers. It is safe for concurrent use.
//
// Fan-out operations run once per manager in parallel and always attempt
// every manager. Failures are wrapped with the queue name, joined, and
// returned as one [sserr.CodeInternal] error whose "failed_queues" detail
// lists the queues that failed.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Register stores m under name. A later registration under the same name
// replaces the earlier one.
func (r *Registry) Register(name string, m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers[name] = m
}

// Get returns the manager registered under name.
func (r *Registry) Get(name string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[name]
	return m, ok
}

// MustGet returns the manager registered under name and panics if there is
// none. Use it only while wiring a process at startup.
func (r *Registry) MustGet(name string) *Manager {
	m, ok := r.Get(name)
	if !ok {
		panic(sserr.QueueNotFound(name))
	}
	return m
}

// Lookup returns the manager registered under name or a
// [sserr.CodeNotFoundQueue] error.
func (r *Registry) Lookup(name string) (*Manager, error) {
	m, ok := r.Get(name)
	if !ok {
		return nil, sserr.QueueNotFound(name)
	}
	return m, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.managers))
}

// Len returns the number of registered managers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

func (r *Registry) snapshot() map[string]*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.managers)
}

// AllHealth returns the health of every queue. Queues whose health check
// fails are missing from the map and reported in the error.
func (r *Registry) AllHealth(ctx context.Context) (map[string]Health, error) {
	var mu sync.Mutex
	out := make(map[string]Health)
	err := fanOut(ctx, r.snapshot(), "health check", func(ctx context.Context, name string, m *Manager) error {
		h, err := m.Health(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		out[name] = h
		mu.Unlock()
		return nil
	})
	return out, err
}

// PauseAll pauses every queue.
func (r *Registry) PauseAll(ctx context.Context) error {
	return fanOut(ctx, r.snapshot(), "pause", func(ctx context.Context, _ string, m *Manager) error {
		return m.Pause(ctx)
	})
}

// ResumeAll resumes every queue.
func (r *Registry) ResumeAll(ctx context.Context) error {
	return fanOut(ctx, r.snapshot(), "resume", func(ctx context.Context, _ string, m *Manager) error {
		return m.Resume(ctx)
	})
}

// CloseAll closes every queue and empties the registry, including the
// queues that failed to close.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	return fanOut(ctx, managers, "close", func(ctx context.Context, _ string, m *Manager) error {
		return m.Close(ctx)
	})
}

func fanOut(ctx context.Context, managers map[string]*Manager, op string, fn func(context.Context, string, *Manager) error) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   []error
		failed []string
	)
	for name, m := range managers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx, name, m); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("queue %q: %w", name, err))
				failed = append(failed, name)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(errs) == 0 {
		return nil
	}
	slices.Sort(failed)
	return sserr.Wrapf(errors.Join(errs...), sserr.CodeInternal,
		"queue: %s failed for %d of %d queues", op, len(failed), len(managers)).
		WithDetail("failed_queues", failed)
}

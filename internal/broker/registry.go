package broker

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry is the process-wide per-type dedicated-connection map
// called out in the design notes: "abstract it as a small registry
// object with acquire(type), release(type) operations." Creation is
// lazy on first claim; at most one connection per type per process is
// ever dialed, even when several goroutines race to claim the very
// first job of a type concurrently.
type Registry struct {
	mu      sync.Mutex
	clients map[string]Adapter
	dial    func(jobType string) (Adapter, error)
	group   singleflight.Group
}

// NewRegistry builds a registry that dials connections lazily via
// dial, which is typically a closure over a Redis address.
func NewRegistry(dial func(jobType string) (Adapter, error)) *Registry {
	return &Registry{
		clients: make(map[string]Adapter),
		dial:    dial,
	}
}

// Acquire returns the shared connection for jobType, dialing one if
// none exists yet. Concurrent first-time acquires for the same type
// are coalesced by singleflight so only one dial happens.
func (r *Registry) Acquire(jobType string) (Adapter, error) {
	if c := r.lookup(jobType); c != nil {
		return c, nil
	}

	v, err, _ := r.group.Do(jobType, func() (interface{}, error) {
		if c := r.lookup(jobType); c != nil {
			return c, nil
		}
		c, err := r.dial(jobType)
		if err != nil {
			return nil, fmt.Errorf("broker: dial connection for type %q: %w", jobType, err)
		}
		r.mu.Lock()
		r.clients[jobType] = c
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Adapter), nil
}

func (r *Registry) lookup(jobType string) Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[jobType]
}

// Release closes and forgets the shared connection for jobType, if
// any. Closing it is what unblocks a peer parked in
// WaitForNotification on the same connection.
func (r *Registry) Release(jobType string) error {
	r.mu.Lock()
	c, ok := r.clients[jobType]
	if ok {
		delete(r.clients, jobType)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

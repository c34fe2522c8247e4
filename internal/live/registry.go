// internal/live/registry.go
package live

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sensorstate-gateway/internal/chart"
	liveerr "sensorstate-gateway/internal/errors"
)

const discardTimeout = 5 * time.Second

// Factory creates an unconfigured session for a chart id.
type Factory func(id string) (*Session, error)

// Registry holds the sessions mounted through the chart API, one per chart id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  Factory
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{sessions: make(map[string]*Session), factory: factory}
}

// Mount creates the session for id if needed and applies cfg to it.
func (r *Registry) Mount(ctx context.Context, id string, cfg *chart.Configuration) (*Session, bool, error) {
	if cfg == nil {
		return nil, false, liveerr.ConfigInvalid("nil chart configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		var err error
		s, err = r.factory(id)
		if err != nil {
			r.mu.Unlock()
			return nil, false, err
		}
		r.sessions[id] = s
	}
	r.mu.Unlock()

	if err := s.OnConfigurationChange(ctx, cfg); err != nil {
		if !ok {
			r.discard(id, s)
		}
		return nil, false, err
	}
	return s, !ok, nil
}

// discard forgets a session that never got its first configuration.
func (r *Registry) discard(id string, s *Session) {
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()
	s.OnUnmount(ctx)
}

// Get returns the session mounted for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Unmount stops and forgets the session for id. It reports whether one existed.
func (r *Registry) Unmount(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.OnUnmount(ctx)
}

// IDs lists the mounted chart ids in order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close unmounts every session concurrently.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error { return s.OnUnmount(ctx) })
	}
	return g.Wait()
}

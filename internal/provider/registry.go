package provider

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/zulandar/coupler/internal/config"
)

// Entry is one registered integration.
type Entry struct {
	ID        string
	Name      string
	Connector Connector
	Enabled   bool
	Config    config.IntegrationConfig
}

// Registry maps integration ids to connectors. Reads load an immutable
// snapshot and never block; writers copy the snapshot under mu.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[string]Entry]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]Entry{}
	r.snap.Store(&empty)
	return r
}

// Register adds an integration. Registering an id twice is an error.
func (r *Registry) Register(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("provider: register: id is required")
	}
	if e.Connector == nil {
		return fmt.Errorf("provider: register %s: connector is nil", e.ID)
	}
	if e.Name == "" {
		e.Name = e.ID
	}
	return r.update(func(m map[string]Entry) error {
		if _, ok := m[e.ID]; ok {
			return fmt.Errorf("provider: register %s: already registered", e.ID)
		}
		m[e.ID] = e
		return nil
	})
}

// Unregister removes an integration.
func (r *Registry) Unregister(id string) error {
	return r.update(func(m map[string]Entry) error {
		if _, ok := m[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotConfigured, id)
		}
		delete(m, id)
		return nil
	})
}

// SetEnabled toggles whether an integration takes part in sync.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	return r.update(func(m map[string]Entry) error {
		e, ok := m[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotConfigured, id)
		}
		e.Enabled = enabled
		m[id] = e
		return nil
	})
}

// Get resolves an integration, enabled or not.
func (r *Registry) Get(id string) (Entry, error) {
	e, ok := (*r.snap.Load())[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotConfigured, id)
	}
	return e, nil
}

// List returns every registered integration sorted by id.
func (r *Registry) List() []Entry {
	return r.list(false)
}

// ListEnabled returns enabled integrations sorted by id.
func (r *Registry) ListEnabled() []Entry {
	return r.list(true)
}

func (r *Registry) list(enabledOnly bool) []Entry {
	m := *r.snap.Load()
	out := make([]Entry, 0, len(m))
	for _, id := range slices.Sorted(maps.Keys(m)) {
		if enabledOnly && !m[id].Enabled {
			continue
		}
		out = append(out, m[id])
	}
	return out
}

func (r *Registry) update(fn func(map[string]Entry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := maps.Clone(*r.snap.Load())
	if err := fn(next); err != nil {
		return err
	}
	r.snap.Store(&next)
	return nil
}

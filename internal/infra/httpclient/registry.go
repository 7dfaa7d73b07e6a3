package httpclient

import (
	"sync"
)

// Registry hands out one pooled Client per integration name, shared by every
// caller in the process.
type Registry struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	opts      []Option
	clients   map[string]*Client
}

// NewRegistry creates a registry. overrides are merged over defaults per integration.
func NewRegistry(defaults Config, overrides map[string]Config, opts ...Option) *Registry {
	return &Registry{
		defaults:  DefaultConfig().Merge(defaults),
		overrides: overrides,
		opts:      opts,
		clients:   make(map[string]*Client),
	}
}

// Client returns the shared client of integration, creating it on first use.
func (r *Registry) Client(integration string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[integration]; ok {
		return c
	}
	cfg := r.defaults
	if o, ok := r.overrides[integration]; ok {
		cfg = cfg.Merge(o)
	}
	c := New(integration, cfg, r.opts...)
	r.clients[integration] = c
	return c
}

// Close releases idle connections of every client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clients {
		_ = c.Close()
	}
	return nil
}

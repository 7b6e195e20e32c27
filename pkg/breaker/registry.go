package breaker

import (
	"sort"
	"sync"
)

// Registry hands out one Breaker per dependency name. Names come from
// service configuration, never from request data, so the map stays small.
type Registry struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	opts      []Option
	breakers  map[string]*Breaker
}

func NewRegistry(defaults Config, opts ...Option) *Registry {
	return &Registry{
		defaults:  defaults.normalized(),
		overrides: map[string]Config{},
		opts:      opts,
		breakers:  map[string]*Breaker{},
	}
}

// Configure sets the config for name. It only affects breakers not yet
// created.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	r.overrides[name] = cfg.normalized()
	r.mu.Unlock()
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}
	b := New(name, cfg, r.opts...)
	r.breakers[name] = b
	return b
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AnyOpen reports whether some dependency is currently short-circuited.
func (r *Registry) AnyOpen() bool {
	for _, s := range r.Snapshots() {
		if s.State == Open.String() {
			return true
		}
	}
	return false
}

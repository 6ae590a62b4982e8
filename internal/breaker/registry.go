package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry hands out one Breaker per target name, all sharing a config.
type Registry struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// SetClock replaces the time source for breakers created afterwards.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = newWithClock(name, r.cfg, r.now)
		r.breakers[name] = b
	}
	return b
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Stats() map[string]Stats {
	out := make(map[string]Stats)
	for _, n := range r.Names() {
		out[n] = r.Get(n).Stats()
	}
	return out
}

func (r *Registry) States() map[string]State {
	out := make(map[string]State)
	for _, n := range r.Names() {
		out[n] = r.Get(n).State()
	}
	return out
}

func (r *Registry) Reset() {
	for _, n := range r.Names() {
		r.Get(n).Reset()
	}
}

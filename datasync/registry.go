package datasync

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/atelier/idgen"
)

// DefaultCooldown is the echo-suppression window after a local mutation.
const DefaultCooldown = 500 * time.Millisecond

// Option configures a Registry.
type Option func(*options)

// WithCooldown sets the echo-suppression window.
func WithCooldown(d time.Duration) Option {
	return func(o *options) { o.cooldown = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDs sets the generator for client-minted record ids.
func WithIDs(g idgen.Generator) Option {
	return func(o *options) { o.ids = g }
}

// WithFetchTimeout bounds background fetches started by Subscribe.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) { o.fetchTimeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Registry resolves collection names for one sandbox. Declared names get a
// *Collection; anything else gets a *Stub.
type Registry struct {
	backend Backend
	opts    *options

	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewRegistry creates a registry with the declared collection names.
func NewRegistry(backend Backend, names []string, opts ...Option) *Registry {
	o := &options{
		cooldown:     DefaultCooldown,
		fetchTimeout: 10 * time.Second,
		now:          time.Now,
		ids:          idgen.RecordID(),
		logger:       slog.Default(),
	}
	for _, fn := range opts {
		fn(o)
	}
	r := &Registry{backend: backend, opts: o, collections: make(map[string]*Collection)}
	for _, n := range names {
		if n != "" {
			r.collections[n] = newCollection(n, backend, o)
		}
	}
	return r
}

// Get returns the store for name.
func (r *Registry) Get(name string) Store {
	r.mu.RLock()
	c, ok := r.collections[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	return &Stub{name: name, backend: r.backend, ids: r.opts.ids}
}

// Collection returns the declared collection for name, if any.
func (r *Registry) Collection(name string) (*Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[name]
	return c, ok
}

// Names returns the declared names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.collections))
	for n := range r.collections {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ApplyRealtime routes a pushed {collection: records} snapshot to the
// declared collections. Unknown names are ignored. It returns the names
// whose push was applied.
func (r *Registry) ApplyRealtime(update map[string][]Record) []string {
	var applied []string
	for name, records := range update {
		c, ok := r.Collection(name)
		if !ok {
			continue
		}
		if c.ApplyRealtime(records) {
			applied = append(applied, name)
		}
	}
	sort.Strings(applied)
	return applied
}

// Close drops every subscriber. The registry must not be used afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.collections {
		c.close()
	}
}

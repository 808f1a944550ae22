// Package registry keeps process-wide, idle-expiring lookup tables.
//
// Every access touches the entry. Entries idle for longer than the timeout are
// treated as absent and removed by Sweep. An entry that is leased through
// Acquire is never swept, so a sweep cannot remove a value out from under an
// in-flight operation.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tatianab/storyforge/internal/gameerr"
)

type options struct {
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*options)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for sweep reports.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

type entry[V any] struct {
	value      V
	lastAccess time.Time
	leases     int
}

// Registry maps identifiers to values with idle expiry.
type Registry[V any] struct {
	name    string
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry[V]
}

// New creates a registry whose entries expire after timeout of inactivity.
func New[V any](name string, timeout time.Duration, opts ...Option) *Registry[V] {
	o := options{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[V]{
		name:    name,
		timeout: timeout,
		now:     o.now,
		logger:  o.logger.With(zap.String("registry", name)),
		entries: make(map[string]*entry[V]),
	}
}

func (r *Registry[V]) notFound(id string) error {
	return gameerr.New(gameerr.CodeSessionNotFound, "%s %q not found or expired", r.name, id)
}

func (r *Registry[V]) expired(e *entry[V], now time.Time) bool {
	return e.leases == 0 && r.timeout > 0 && now.Sub(e.lastAccess) > r.timeout
}

// lookup returns a live entry, dropping it if it has expired. Callers hold r.mu.
func (r *Registry[V]) lookup(id string) (*entry[V], bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	if r.expired(e, r.now()) {
		delete(r.entries, id)
		return nil, false
	}
	return e, true
}

// Put stores v under id, replacing any previous value.
func (r *Registry[V]) Put(id string, v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry[V]{value: v, lastAccess: r.now()}
}

// Get returns the value stored under id and touches it.
func (r *Registry[V]) Get(id string) (V, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookup(id)
	if !ok {
		var zero V
		return zero, r.notFound(id)
	}
	e.lastAccess = r.now()
	return e.value, nil
}

// Acquire returns the value under id and leases it until release is called.
// A leased entry is exempt from expiry. release touches the entry again.
func (r *Registry[V]) Acquire(id string) (V, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookup(id)
	if !ok {
		var zero V
		return zero, func() {}, r.notFound(id)
	}
	e.lastAccess = r.now()
	e.leases++

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			e.leases--
			e.lastAccess = r.now()
		})
	}
	return e.value, release, nil
}

// LastActivity returns when id was last accessed.
func (r *Registry[V]) LastActivity(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.lastAccess, true
}

// Delete removes id. Deleting an absent id is a no-op.
func (r *Registry[V]) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of stored entries, expired or not.
func (r *Registry[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep removes every expired, unleased entry and returns how many were removed.
func (r *Registry[V]) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, e := range r.entries {
		if r.expired(e, now) {
			delete(r.entries, id)
			removed++
			r.logger.Debug("Swept idle entry", zap.String("id", id))
		}
	}
	if removed > 0 {
		r.logger.Info("Swept idle entries", zap.Int("removed", removed), zap.Int("remaining", len(r.entries)))
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry[V]) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

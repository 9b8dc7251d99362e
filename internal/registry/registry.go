// Package registry maps (session, exchange) identifiers to live output
// stream handles. It is the single source of truth for whether an
// exchange's stream is still open.
package registry

import (
	"log/slog"
	"sync"

	"github.com/workspace/editor-bridge/internal/stream"
)

// Key identifies one exchange within a session. A session may have many
// concurrent exchanges; the pair is unique.
type Key struct {
	SessionID  string
	ExchangeID string
}

// String returns the composite lookup key.
func (k Key) String() string {
	return k.SessionID + ":" + k.ExchangeID
}

// CancelFunc runs when a registered stream's cancellation signal fires.
// Implementations ask the sidecar to cancel the running operation for the
// key and forward the resulting events back through dispatch.
type CancelFunc func(Key)

// Registry stores the handle for each open exchange stream, plus the most
// recently looked-up handle as a best-effort routing fallback for events
// that arrive without resolvable identifiers.
type Registry struct {
	onCancel CancelFunc

	mu      sync.Mutex
	handles map[string]*stream.Handle
	latest  *stream.Handle
}

// New creates a registry. onCancel may be nil.
func New(onCancel CancelFunc) *Registry {
	return &Registry{
		onCancel: onCancel,
		handles:  make(map[string]*stream.Handle),
	}
}

// Register stores the handle for key and subscribes to its cancellation
// signal. At most one handle is registered per key; re-registering
// replaces the previous handle.
func (r *Registry) Register(key Key, h *stream.Handle) {
	r.mu.Lock()
	if prev, ok := r.handles[key.String()]; ok && prev != h {
		slog.Warn("registry: replacing registered stream", "sessionID", key.SessionID, "exchangeID", key.ExchangeID)
		if r.latest == prev {
			r.latest = nil
		}
	}
	r.handles[key.String()] = h
	r.mu.Unlock()

	if r.onCancel != nil {
		h.OnCancel(func() { r.onCancel(key) })
	}
}

// Lookup returns the handle for key if present. A successful lookup also
// records the handle as the latest routing target: cancellation-driven
// follow-up events may arrive on a new handle while late events from the
// original still need a target, so routing through the last looked-up
// handle avoids orphaning terminal events.
func (r *Registry) Lookup(key Key) (*stream.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[key.String()]
	if !ok {
		return nil, false
	}
	r.latest = h
	return h, true
}

// Latest returns the most recently looked-up handle, if any.
func (r *Registry) Latest() (*stream.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return nil, false
	}
	return r.latest, true
}

// Remove deletes the entry for key, clearing the latest reference if it
// pointed at the removed handle. Reports whether an entry was removed.
func (r *Registry) Remove(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[key.String()]
	if !ok {
		return false
	}
	delete(r.handles, key.String())
	if r.latest == h {
		r.latest = nil
	}
	return true
}

// All returns every currently registered handle. Used for bulk teardown.
func (r *Registry) All() []*stream.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]*stream.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

// Keys returns the keys of every registered entry.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]Key, 0, len(r.handles))
	for _, h := range r.handles {
		keys = append(keys, Key{SessionID: h.SessionID(), ExchangeID: h.ExchangeID()})
	}
	return keys
}

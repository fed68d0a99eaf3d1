// Package daemon wires together the components the system prompt's
// packages build in isolation: registry, vtcatalog, feedlock, supervisor,
// scheduler, and the HTTP surfaces the teacher already exposes
// (handlers, metrics, debug).
package daemon

import "sync/atomic"

// ReadyGate publishes whether the VT catalog has completed at least one
// successful refresh, plus the collection hash from that refresh. Both are
// set together under one write so spec.md §8 invariant 6 ("ready implies a
// published hash") always holds — no window where ready is true but hash
// is still the zero value.
type ReadyGate struct {
	ready atomic.Bool
	hash  atomic.Pointer[[]byte]
}

// NewReadyGate returns a gate that starts not-ready.
func NewReadyGate() *ReadyGate {
	return &ReadyGate{}
}

// Get reports whether the catalog is ready to serve VT queries.
func (g *ReadyGate) Get() bool {
	return g.ready.Load()
}

// Hash returns the collection hash published at the last successful
// refresh, or nil if never set.
func (g *ReadyGate) Hash() []byte {
	p := g.hash.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Publish marks the gate ready and stores hash atomically alongside it.
func (g *ReadyGate) Publish(hash []byte) {
	g.hash.Store(&hash)
	g.ready.Store(true)
}

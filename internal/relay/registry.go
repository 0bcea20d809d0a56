// Package relay is the reference server for the approval handshake. It
// binds channels to addresses, answers oracle lookups and drives mints.
package relay

import (
	"sync"

	"github.com/wfounders/clubwallet/internal/protocol"
	"github.com/wfounders/clubwallet/internal/store"
)

// Peer is one bound channel.
type Peer interface {
	ID() string
	Send(ev protocol.Event) error
}

// Registry maps addresses to the channels registered for them. One address
// may have several channels (the applicant and the oracle that scanned it).
type Registry struct {
	mu      sync.RWMutex
	byAddr  map[string]map[Peer]struct{}
	addrsOf map[Peer]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byAddr:  make(map[string]map[Peer]struct{}),
		addrsOf: make(map[Peer]map[string]struct{}),
	}
}

// Bind adds p to address. Binding twice is a no-op.
func (r *Registry) Bind(address string, p Peer) {
	key := store.NormalizeAddress(address)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.byAddr[key]
	if !ok {
		peers = make(map[Peer]struct{})
		r.byAddr[key] = peers
	}
	peers[p] = struct{}{}

	addrs, ok := r.addrsOf[p]
	if !ok {
		addrs = make(map[string]struct{})
		r.addrsOf[p] = addrs
	}
	addrs[key] = struct{}{}
}

// Unbind removes p from every address.
func (r *Registry) Unbind(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.addrsOf[p] {
		peers := r.byAddr[key]
		delete(peers, p)
		if len(peers) == 0 {
			delete(r.byAddr, key)
		}
	}
	delete(r.addrsOf, p)
}

// IsBound reports whether p is registered for address.
func (r *Registry) IsBound(address string, p Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAddr[store.NormalizeAddress(address)][p]
	return ok
}

// Count returns the number of channels bound to address.
func (r *Registry) Count(address string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr[store.NormalizeAddress(address)])
}

// Push sends ev to every channel bound to address and returns how many
// writes succeeded.
func (r *Registry) Push(address string, ev protocol.Event) int {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.byAddr[store.NormalizeAddress(address)]))
	for p := range r.byAddr[store.NormalizeAddress(address)] {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, p := range peers {
		if err := p.Send(ev); err == nil {
			delivered++
		}
	}
	return delivered
}

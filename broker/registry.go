package broker

import (
	"log"
	"net"
	"sort"
	"sync"
	"time"
)

// PeerInfo is one registered peer as seen by the broker.
type PeerInfo struct {
	ID       string
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// registry tracks every registered peer by id, together with the datagram
// source address frames for that peer are sent back to. The address always
// comes from the most recent datagram, never from frame fields.
type registry struct {
	mu    sync.RWMutex
	peers map[string]*PeerInfo
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*PeerInfo)}
}

// Upsert registers or re-registers a peer. It reports whether the id was new.
// A returning peer keeps its id but adopts the new source address.
func (r *registry) Upsert(id string, addr *net.UDPAddr, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.peers[id]
	r.peers[id] = &PeerInfo{ID: id, Addr: addr, LastSeen: now}
	return !existed
}

// Touch refreshes a peer's last-seen time and source address. It reports
// whether the id was known.
func (r *registry) Touch(id string, addr *net.UDPAddr, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return false
	}
	p.Addr = addr
	p.LastSeen = now
	return true
}

// Lookup returns the current address for a peer id.
func (r *registry) Lookup(id string) (*net.UDPAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return p.Addr, true
}

// Snapshot returns every registered peer, ordered by id.
func (r *registry) Snapshot() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the registered peer ids, ordered.
func (r *registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Expire removes every peer not seen within window and returns the removed
// ids.
func (r *registry) Expire(window time.Duration, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) > window {
			delete(r.peers, id)
			removed = append(removed, id)
			log.Printf("[TIMEOUT] Removed inactive peer %s (last seen %s ago)", id, now.Sub(p.LastSeen).Round(time.Second))
		}
	}
	sort.Strings(removed)
	return removed
}

// Len reports the number of registered peers.
func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

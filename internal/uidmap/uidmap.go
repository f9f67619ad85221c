// Package uidmap provides the external UID-map collaborator used by the
// isolated-uid merge policy in pull result post-processing (§4.3).
package uidmap

import "sync"

// Resolver reports whether a uid is an isolated uid, and if so, the host
// uid it should be collapsed into.
type Resolver interface {
	// Resolve returns (hostUID, true) if uid is isolated; (uid, false)
	// otherwise, in which case the caller must leave uid unchanged.
	Resolve(uid uint32) (hostUID uint32, isolated bool)
}

// StaticMap is an in-memory Resolver backed by a plain map, suitable for
// both production (populated from a periodically refreshed system source)
// and tests.
type StaticMap struct {
	mu    sync.RWMutex
	hosts map[uint32]uint32 // isolated uid -> host uid
}

func NewStaticMap() *StaticMap {
	return &StaticMap{hosts: make(map[uint32]uint32)}
}

func (m *StaticMap) Resolve(uid uint32) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	host, ok := m.hosts[uid]
	if !ok {
		return uid, false
	}
	return host, true
}

// Set records uid as isolated, owned by hostUID. Set(uid, uid) is
// equivalent to removing any isolation record for uid.
func (m *StaticMap) Set(uid, hostUID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uid == hostUID {
		delete(m.hosts, uid)
		return
	}
	m.hosts[uid] = hostUID
}

// Remove clears any isolation record for uid.
func (m *StaticMap) Remove(uid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, uid)
}

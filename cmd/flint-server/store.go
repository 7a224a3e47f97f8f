// store.go implements the in-memory key-value store and the capability
// interface both server architectures execute commands against.
//
// The Store itself is deliberately not thread-safe. The event loop is the
// only goroutine that ever touches it, so locking there would be pure
// overhead. The threaded architecture wraps the same Store in a lockedStore,
// which serializes every call with a mutex. Command execution code sees only
// the keyValue interface and works unchanged under either model.

package main

import "sync"

// keyValue is the capability the command executor needs from a store. Either
// concurrency architecture supplies its own synchronization around it.
type keyValue interface {
	Set(key, value string)
	Get(key string) (string, bool)
	Delete(key string) bool
	Exists(key string) bool
}

type Store struct {
	data map[string]string
}

func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

// Set stores value under key, overwriting any previous value.
func (s *Store) Set(key, value string) {
	s.data[key] = value
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.data[key]
	return v, ok
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(key string) bool {
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	return true
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) bool {
	_, ok := s.data[key]
	return ok
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	return len(s.data)
}

// CopyEntries returns a point-in-time copy of the entire store. Background
// persistence workers receive this copy at spawn and own it exclusively; the
// live map is never shared across the spawn point.
func (s *Store) CopyEntries() map[string]string {
	entries := make(map[string]string, len(s.data))
	for k, v := range s.data {
		entries[k] = v
	}
	return entries
}

// lockedStore adapts Store for the thread-per-client architecture by
// wrapping every capability call in a critical section.
type lockedStore struct {
	mu    sync.Mutex
	store *Store
}

func newLockedStore(store *Store) *lockedStore {
	return &lockedStore{store: store}
}

func (ls *lockedStore) Set(key, value string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.store.Set(key, value)
}

func (ls *lockedStore) Get(key string) (string, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.store.Get(key)
}

func (ls *lockedStore) Delete(key string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.store.Delete(key)
}

func (ls *lockedStore) Exists(key string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.store.Exists(key)
}

// internal/storage/memory.go
package storage

import (
	"sort"
	"sync"

	"sensorstate-gateway/internal/data"
)

// Store holds the latest known state per entity key. An update only replaces
// the stored state for its own key, and only when its ObservedAt is strictly
// newer. Values are deep-copied on the way in and out, so callers never
// hold an alias into the store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]data.EntityState
}

func NewStore() *Store {
	return &Store{entries: make(map[string]data.EntityState)}
}

// Replace swaps the whole content for snapshot. The new map is built before
// the lock is taken so readers see either the old or the new content.
// Duplicate keys inside snapshot keep the newest observation.
func (s *Store) Replace(snapshot []data.EntityState) {
	next := make(map[string]data.EntityState, len(snapshot))
	for _, st := range snapshot {
		k := st.Key.String()
		if cur, ok := next[k]; ok && !st.ObservedAt.After(cur.ObservedAt) {
			continue
		}
		next[k] = st.Clone()
	}

	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
}

// ApplyUpdate stores update if its key is unknown or it is strictly newer
// than the stored state, and reports whether the store changed.
func (s *Store) ApplyUpdate(update data.EntityState) bool {
	k := update.Key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[k]; ok && !update.ObservedAt.After(cur.ObservedAt) {
		return false
	}
	s.entries[k] = update.Clone()
	return true
}

// Get returns the state stored for key.
func (s *Store) Get(key data.EntityKey) (data.EntityState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.entries[key.String()]
	return st.Clone(), ok
}

// Snapshot returns a copy of every stored state ordered by machine then sensor.
func (s *Store) Snapshot() []data.EntityState {
	s.mu.RLock()
	result := make([]data.EntityState, 0, len(s.entries))
	for _, st := range s.entries {
		result = append(result, st.Clone())
	}
	s.mu.RUnlock()

	sortStates(result)
	return result
}

// Select returns copies of the states for the given keys, skipping unknown ones.
func (s *Store) Select(keys []data.EntityKey) []data.EntityState {
	s.mu.RLock()
	result := make([]data.EntityState, 0, len(keys))
	for _, k := range keys {
		if st, ok := s.entries[k.String()]; ok {
			result = append(result, st.Clone())
		}
	}
	s.mu.RUnlock()

	sortStates(result)
	return result
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func sortStates(states []data.EntityState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].Key.MachineID != states[j].Key.MachineID {
			return states[i].Key.MachineID < states[j].Key.MachineID
		}
		return states[i].Key.SensorID < states[j].Key.SensorID
	})
}

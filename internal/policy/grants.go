// Package policy tracks explicit read grants on credentials and evaluates
// optional rule-based read access.
package policy

import (
	"sort"
	"sync"
)

// Store maps agent IDs to the credential IDs they were explicitly granted.
// Creator access is implicit and never recorded here. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	grants map[string]map[string]struct{}
}

// NewStore creates an empty grant store.
func NewStore() *Store {
	return &Store{grants: make(map[string]map[string]struct{})}
}

// Grant records that agent may read credID. Returns false if the grant
// already existed.
func (s *Store) Grant(agent, credID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.grants[agent]
	if !ok {
		set = make(map[string]struct{})
		s.grants[agent] = set
	}
	if _, exists := set[credID]; exists {
		return false
	}
	set[credID] = struct{}{}
	return true
}

// Revoke removes a grant. Returns false if there was nothing to revoke.
func (s *Store) Revoke(agent, credID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.grants[agent]
	if !ok {
		return false
	}
	if _, exists := set[credID]; !exists {
		return false
	}
	delete(set, credID)
	if len(set) == 0 {
		delete(s.grants, agent)
	}
	return true
}

// RevokeAll drops every grant on credID and returns how many were removed.
func (s *Store) RevokeAll(credID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for agent, set := range s.grants {
		if _, ok := set[credID]; !ok {
			continue
		}
		delete(set, credID)
		n++
		if len(set) == 0 {
			delete(s.grants, agent)
		}
	}
	return n
}

// Allowed reports whether agent holds an explicit grant on credID.
func (s *Store) Allowed(agent, credID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[agent][credID]
	return ok
}

// GrantsFor returns the credential IDs granted to agent, sorted.
func (s *Store) GrantsFor(agent string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.grants[agent])
}

// Agents returns the number of agents holding at least one grant.
func (s *Store) Agents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.grants)
}

// Snapshot returns a deep copy of the grant map with sorted ID lists.
func (s *Store) Snapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string, len(s.grants))
	for agent, set := range s.grants {
		out[agent] = sortedKeys(set)
	}
	return out
}

// Restore replaces all grants with snap.
func (s *Store) Restore(snap map[string][]string) {
	grants := make(map[string]map[string]struct{}, len(snap))
	for agent, ids := range snap {
		if len(ids) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		grants[agent] = set
	}

	s.mu.Lock()
	s.grants = grants
	s.mu.Unlock()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

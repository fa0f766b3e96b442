package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps agent IDs to MCP session IDs so expiry notices can
// reach the creating agent. Populated whenever an agent calls a tool with
// its agent_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // agentID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an agent ID with a session ID.
// A later registration for the same agent wins (reconnect).
func (r *SessionRegistry) Register(agentID, sessionID string) {
	if agentID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = sessionID
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Remove deletes every agent mapped to sessionID and reports how many
// were dropped. Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
			removed++
		}
	}
	return removed
}

// Agents returns the connected agent IDs, sorted.
func (r *SessionRegistry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for aid := range r.sessions {
		out = append(out, aid)
	}
	sort.Strings(out)
	return out
}

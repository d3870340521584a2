package mcp

import (
	"sort"
	"sync"
	"time"
)

type agentSession struct {
	sessionID string
	seenAt    time.Time
}

// SessionRegistry maps agent IDs to the MCP session they last called a tool from.
type SessionRegistry struct {
	mu     sync.RWMutex
	agents map[string]agentSession
	now    func() time.Time
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		agents: make(map[string]agentSession),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register points agentID at sessionID. A reconnecting agent replaces its old session.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	if agentID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = agentSession{sessionID: sessionID, seenAt: r.now()}
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[agentID]
	return s.sessionID, ok
}

// Remove forgets every agent bound to sessionID and returns them.
func (r *SessionRegistry) Remove(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for agentID, s := range r.agents {
		if s.sessionID == sessionID {
			delete(r.agents, agentID)
			removed = append(removed, agentID)
		}
	}
	sort.Strings(removed)
	return removed
}

// Connected lists agents seen at or after since, sorted by ID.
func (r *SessionRegistry) Connected(since time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for agentID, s := range r.agents {
		if !s.seenAt.Before(since) {
			out = append(out, agentID)
		}
	}
	sort.Strings(out)
	return out
}

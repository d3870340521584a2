package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndReconnect(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("dispatcher", "session-old")
	r.Register("dispatcher", "session-new")

	sid, ok := r.SessionFor("dispatcher")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)

	_, ok = r.SessionFor("pm-copilot")
	assert.False(t, ok)
}

func TestSessionRegistry_IgnoresEmpty(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("", "session-1")
	r.Register("dispatcher", "")
	assert.Empty(t, r.Connected(time.Time{}))
}

func TestSessionRegistry_RemoveReturnsAgents(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("pm-copilot", "shared")
	r.Register("dispatcher", "shared")
	r.Register("client-comms", "own")

	assert.Equal(t, []string{"dispatcher", "pm-copilot"}, r.Remove("shared"))
	assert.Empty(t, r.Remove("shared"))

	sid, ok := r.SessionFor("client-comms")
	assert.True(t, ok)
	assert.Equal(t, "own", sid)
}

func TestSessionRegistry_Connected(t *testing.T) {
	r := NewSessionRegistry()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	r.Register("dispatcher", "s1")
	now = base.Add(10 * time.Minute)
	r.Register("pm-copilot", "s2")
	r.Register("client-comms", "s3")

	assert.Equal(t, []string{"client-comms", "dispatcher", "pm-copilot"}, r.Connected(base))
	assert.Equal(t, []string{"client-comms", "pm-copilot"}, r.Connected(base.Add(time.Minute)))
}

func TestGateIDOf(t *testing.T) {
	assert.Equal(t, "g-1", gateIDOf(map[string]any{"gate_id": "g-1", "state": "paused"}))
	assert.Empty(t, gateIDOf(map[string]any{"state": "paused"}))
	assert.Empty(t, gateIDOf("g-1"))
	assert.Empty(t, gateIDOf(nil))
}

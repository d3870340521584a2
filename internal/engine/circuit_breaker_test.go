package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainops/pkg/schema"
)

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	r.now = func() time.Time { return now }
	return r, &now
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	r, _ := newTestBreakers(3, time.Minute)
	assert.NoError(t, r.Allow("dispatcher"))
	assert.Equal(t, CircuitClosed, r.State("dispatcher"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r, _ := newTestBreakers(3, time.Minute)
	assert.Equal(t, CircuitClosed, r.RecordFailure("dispatcher"))
	assert.Equal(t, CircuitClosed, r.RecordFailure("dispatcher"))
	assert.Equal(t, CircuitOpen, r.RecordFailure("dispatcher"))

	err := r.Allow("dispatcher")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	r, _ := newTestBreakers(2, time.Minute)
	r.RecordFailure("dispatcher")
	r.RecordSuccess("dispatcher")
	assert.Equal(t, CircuitClosed, r.RecordFailure("dispatcher"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	r, now := newTestBreakers(1, time.Minute)
	r.RecordFailure("pm-copilot")
	require.Error(t, r.Allow("pm-copilot"))

	*now = now.Add(time.Minute)
	require.NoError(t, r.Allow("pm-copilot"), "first call after cooldown probes")
	assert.Error(t, r.Allow("pm-copilot"), "only one probe in flight")

	r.RecordSuccess("pm-copilot")
	assert.NoError(t, r.Allow("pm-copilot"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	r, now := newTestBreakers(1, time.Minute)
	r.RecordFailure("pm-copilot")
	*now = now.Add(2 * time.Minute)
	require.NoError(t, r.Allow("pm-copilot"))
	assert.Equal(t, CircuitOpen, r.RecordFailure("pm-copilot"))
	assert.Error(t, r.Allow("pm-copilot"))
}

func TestCircuitBreaker_PerAgentIsolation(t *testing.T) {
	r, _ := newTestBreakers(1, time.Minute)
	r.RecordFailure("dispatcher")
	assert.Error(t, r.Allow("dispatcher"))
	assert.NoError(t, r.Allow("client-comms"))
}

func TestCircuitBreaker_DisabledWithZeroThreshold(t *testing.T) {
	r, _ := newTestBreakers(0, time.Minute)
	for range 10 {
		r.RecordFailure("dispatcher")
	}
	assert.NoError(t, r.Allow("dispatcher"))
}

func TestCircuitBreaker_Stats(t *testing.T) {
	r, _ := newTestBreakers(5, time.Minute)
	r.RecordFailure("pm-copilot")
	r.RecordSuccess("dispatcher")

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "dispatcher", stats[0].Agent)
	assert.Equal(t, "pm-copilot", stats[1].Agent)
	assert.Equal(t, 1, stats[1].ConsecutiveFailures)
	assert.Equal(t, "closed", stats[1].State)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/chainops/pkg/schema"
)

// CircuitState represents the state of an agent's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	// Zero disables the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration `yaml:"cooldown"`
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int `yaml:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the default breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// CircuitStats is the diagnostic view of one agent's breaker.
type CircuitStats struct {
	Agent               string `json:"agent"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

// CircuitBreakerRegistry keeps one breaker per agent reference.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow checks whether a call to the agent may proceed. It returns a
// CIRCUIT_OPEN error while the breaker is open.
func (r *CircuitBreakerRegistry) Allow(agent string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.get(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailure)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for agent %q after %d consecutive failures", agent, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"agent":              agent,
				"cooldown_remaining": (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for agent %q: probe in flight", agent).
				WithDetails(map[string]any{"agent": agent})
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the agent's breaker.
func (r *CircuitBreakerRegistry) RecordSuccess(agent string) {
	cb := r.get(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed call and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(agent string) CircuitState {
	cb := r.get(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = r.now()

	// Any failure in half-open reopens the circuit.
	if cb.state == CircuitHalfOpen ||
		(r.config.FailureThreshold > 0 && cb.consecutiveFailures >= r.config.FailureThreshold) {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state of the agent's breaker.
func (r *CircuitBreakerRegistry) State(agent string) CircuitState {
	cb := r.get(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailure) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Stats returns diagnostics for every agent that has been called, sorted by agent.
func (r *CircuitBreakerRegistry) Stats() []CircuitStats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]CircuitStats, 0, len(names))
	for _, name := range names {
		state := r.State(name)
		cb := r.get(name)
		cb.mu.Lock()
		out = append(out, CircuitStats{
			Agent:               name,
			State:               state.String(),
			ConsecutiveFailures: cb.consecutiveFailures,
			FailureThreshold:    r.config.FailureThreshold,
			Cooldown:            r.config.Cooldown.String(),
		})
		cb.mu.Unlock()
	}
	return out
}

func (r *CircuitBreakerRegistry) get(agent string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[agent]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[agent] = cb
	}
	return cb
}

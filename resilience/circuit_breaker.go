package resilience

import (
	"sync"
	"time"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen short-circuits all requests
	StateOpen
	// StateHalfOpen permits a limited number of trial requests
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateListener is notified on every state transition.
type StateListener func(toolID string, from, to State)

// CircuitBreaker is a per-tool consecutive-failure state machine:
//
//	CLOSED --failure_threshold consecutive failures--> OPEN
//	OPEN   --recovery_timeout elapsed, next call-----> HALF_OPEN
//	HALF_OPEN --success_threshold consecutive successes--> CLOSED
//	HALF_OPEN --any single failure--> OPEN
//
// Direct CLOSED->HALF_OPEN and OPEN->CLOSED transitions never occur.
// One instance exists per tool for the process lifetime.
type CircuitBreaker struct {
	toolID string
	cfg    core.BreakerConfig
	logger core.Logger

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastStateChange      time.Time
	halfOpenInFlight     int
	listeners            []StateListener

	// now is injectable for deterministic recovery-timeout tests.
	now func() time.Time
}

// Snapshot is a point-in-time view of breaker state for introspection.
type Snapshot struct {
	ToolID               string    `json:"tool_id"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastStateChange      time.Time `json:"last_state_change"`
}

// NewCircuitBreaker creates a breaker for one tool.
func NewCircuitBreaker(toolID string, cfg core.BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		toolID:          toolID,
		cfg:             cfg,
		logger:          &core.NoOpLogger{},
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// SetLogger sets the logger provider
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.logger = &core.NoOpLogger{}
	} else {
		cb.logger = logger
	}
}

// SetClock injects the time source, for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// AddListener registers a transition listener. Listeners run inline under
// the breaker lock and must not call back into the breaker.
func (cb *CircuitBreaker) AddListener(l StateListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, l)
}

// Allow reports whether a call may proceed. An OPEN breaker whose
// recovery timeout has elapsed transitions to HALF_OPEN on this call;
// HALF_OPEN admits at most half_open_max_calls concurrent trials.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.cfg.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			cb.halfOpenInFlight = 1
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			return false
		}
		cb.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0

	switch cb.state {
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.consecutiveSuccesses++
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		// A single failure during trial re-opens the circuit.
		cb.consecutiveFailures++
		cb.transition(StateOpen)
	}
}

// ForceOpen opens the circuit immediately. Used by the health monitor to
// accelerate opening when a tool is observed unhealthy.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		cb.transition(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetSnapshot returns a point-in-time view for introspection.
func (cb *CircuitBreaker) GetSnapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		ToolID:               cb.toolID,
		State:                cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastStateChange:      cb.lastStateChange,
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	if to != StateHalfOpen {
		cb.halfOpenInFlight = 0
	}

	cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"tool_id":   cb.toolID,
		"from":      from.String(),
		"to":        to.String(),
	})
	for _, l := range cb.listeners {
		l(cb.toolID, from, to)
	}
}

// BreakerGroup manages one breaker per tool ID.
type BreakerGroup struct {
	cfg       core.BreakerConfig
	logger    core.Logger
	breakers  sync.Map // tool ID -> *CircuitBreaker
	listeners []StateListener
	mu        sync.Mutex
}

// NewBreakerGroup creates a group that lazily builds per-tool breakers.
func NewBreakerGroup(cfg core.BreakerConfig) *BreakerGroup {
	return &BreakerGroup{cfg: cfg, logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger provider for the group and future breakers
func (g *BreakerGroup) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	g.logger = logger
}

// AddListener registers a listener applied to every breaker in the group.
func (g *BreakerGroup) AddListener(l StateListener) {
	g.mu.Lock()
	g.listeners = append(g.listeners, l)
	g.mu.Unlock()
	g.breakers.Range(func(_, v interface{}) bool {
		v.(*CircuitBreaker).AddListener(l)
		return true
	})
}

// For returns the breaker for a tool, creating it on first use.
func (g *BreakerGroup) For(toolID string) *CircuitBreaker {
	if v, ok := g.breakers.Load(toolID); ok {
		return v.(*CircuitBreaker)
	}
	cb := NewCircuitBreaker(toolID, g.cfg)
	cb.SetLogger(g.logger)
	actual, loaded := g.breakers.LoadOrStore(toolID, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}
	g.mu.Lock()
	for _, l := range g.listeners {
		cb.AddListener(l)
	}
	g.mu.Unlock()
	return cb
}

// ForceOpen opens the breaker for a tool immediately. Implements the
// health monitor's BreakerOpener.
func (g *BreakerGroup) ForceOpen(toolID string) {
	g.For(toolID).ForceOpen()
}

// Snapshots returns introspection views for all known breakers.
func (g *BreakerGroup) Snapshots() []Snapshot {
	var out []Snapshot
	g.breakers.Range(func(_, v interface{}) bool {
		out = append(out, v.(*CircuitBreaker).GetSnapshot())
		return true
	})
	return out
}

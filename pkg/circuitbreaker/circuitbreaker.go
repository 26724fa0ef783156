// Package circuitbreaker stops calling a failing dependency for a while
// after repeated failures, then probes it before resuming.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling fn while the breaker is open or the
// half-open probe budget is spent.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Config holds circuit breaker configuration. FailureThreshold consecutive
// failures open the breaker; after Timeout up to MaxRequestsHalfOpen probes
// are let through and SuccessThreshold successes close it again.
type Config struct {
	FailureThreshold    int
	SuccessThreshold    int
	Timeout             time.Duration
	MaxRequestsHalfOpen int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	halfOpenRequests int
	openedAt         time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen < config.SuccessThreshold {
		config.MaxRequestsHalfOpen = config.SuccessThreshold
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// SetClock replaces the time source
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// OnStateChange registers a callback invoked synchronously, outside the
// breaker's lock, on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker rejects the call. Errors from fn are
// returned unchanged; a cancelled ctx is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return ErrOpen
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	notify := func() {}
	defer func() {
		cb.mu.Unlock()
		notify()
	}()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return false
		}
		notify = cb.transitionLocked(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			return false
		}
		cb.halfOpenRequests++
	}
	return true
}

// release returns a half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	notify := func() {}
	switch {
	case success && cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(StateClosed)
		}
	case success:
		cb.failures = 0
	case cb.state == StateHalfOpen:
		notify = cb.transitionLocked(StateOpen)
	default:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			notify = cb.transitionLocked(StateOpen)
		}
	}
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	fn := cb.onStateChange
	if from == to || fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}

package risk

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitBreakerOpen is returned without invoking the wrapped call while the breaker is open.
var ErrCircuitBreakerOpen = errors.New("circuit breaker: too many failures")

// CircuitBreakerConfig configures one breaker instance.
// Threshold <= 0 falls back to 5, Cooldown <= 0 to 60s.
type CircuitBreakerConfig struct {
	Name      string
	Threshold int
	Cooldown  time.Duration
	// OnReject is called each time a call is refused. Optional.
	OnReject func(name string)
}

// CircuitBreaker stops calling a failing operation after Threshold consecutive
// failures until Cooldown has elapsed since the most recent failure.
// One instance guards one operation.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	threshold   int
	cooldown    time.Duration
	failures    int
	lastFailure time.Time
	onReject    func(string)

	now func() time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		onReject:  cfg.OnReject,
		now:       time.Now,
	}
}

// Name returns the guarded operation name.
func (cb *CircuitBreaker) Name() string {
	if cb == nil {
		return ""
	}
	return cb.name
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	if cb == nil {
		return 0
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Allow reports whether a call may proceed right now.
func (cb *CircuitBreaker) Allow() error {
	if cb == nil {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.failures >= cb.threshold && cb.now().Sub(cb.lastFailure) < cb.cooldown {
		return ErrCircuitBreakerOpen
	}
	return nil
}

// OnSuccess resets the failure count.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.failures = 0
	cb.mu.Unlock()
}

// OnError records a failure.
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.failures++
	cb.lastFailure = cb.now()
	cb.mu.Unlock()
}

// Execute runs fn unless the breaker is open. The error of fn is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		if cb.onReject != nil {
			cb.onReject(cb.name)
		}
		return err
	}
	if err := fn(); err != nil {
		cb.OnError()
		return err
	}
	cb.OnSuccess()
	return nil
}

// Call is Execute for operations that return a value.
func Call[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

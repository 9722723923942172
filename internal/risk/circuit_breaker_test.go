package risk

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	cb.now = clock.now
	return cb
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	boom := errors.New("boom")

	calls := 0
	failing := func() error { calls++; return boom }

	for i := 0; i < 5; i++ {
		if err := cb.Execute(failing); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected underlying error, got %v", i, err)
		}
		clock.advance(time.Second)
	}
	if calls != 5 {
		t.Fatalf("expected 5 calls, got %d", calls)
	}

	clock.advance(10 * time.Second)
	if err := cb.Execute(failing); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("wrapped call must not run while open, calls=%d", calls)
	}
	if ErrCircuitBreakerOpen.Error() != "circuit breaker: too many failures" {
		t.Fatalf("unexpected message %q", ErrCircuitBreakerOpen.Error())
	}
}

func TestCircuitBreaker_CallsThroughAfterCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errors.New("x") })
	}

	clock.advance(61 * time.Second)
	invoked := false
	if err := cb.Execute(func() error { invoked = true; return nil }); err != nil {
		t.Fatalf("expected call to pass after cooldown, got %v", err)
	}
	if !invoked {
		t.Fatalf("wrapped call was not invoked")
	}
	if cb.Failures() != 0 {
		t.Fatalf("success must reset failures, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_FailureAfterCooldownReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errors.New("x") })
	}
	clock.advance(61 * time.Second)
	_ = cb.Execute(func() error { return errors.New("still down") })
	if cb.Failures() != 6 {
		t.Fatalf("expected 6 failures, got %d", cb.Failures())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected breaker open again, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 4; i++ {
		_ = cb.Execute(func() error { return errors.New("x") })
	}
	_ = cb.Execute(func() error { return nil })
	for i := 0; i < 4; i++ {
		_ = cb.Execute(func() error { return errors.New("x") })
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("4 failures after a success must not open the breaker: %v", err)
	}
}

func TestCall_ReturnsValueAndRejects(t *testing.T) {
	var rejected []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "orders", Threshold: 1, Cooldown: time.Hour,
		OnReject: func(name string) { rejected = append(rejected, name) }})

	v, err := Call(cb, func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("Call()=%d,%v", v, err)
	}
	_, _ = Call(cb, func() (int, error) { return 0, errors.New("down") })
	if _, err := Call(cb, func() (int, error) { return 1, nil }); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected open, got %v", err)
	}
	if len(rejected) != 1 || rejected[0] != "orders" {
		t.Fatalf("unexpected rejections %v", rejected)
	}
}

func TestNilBreakerPassesThrough(t *testing.T) {
	var cb *CircuitBreaker
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("nil breaker must pass through: %v", err)
	}
}

package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManager_RunsAllHooksOnce(t *testing.T) {
	m := NewManager()
	var n atomic.Int32
	m.OnShutdown("a", func(context.Context) error { n.Add(1); return nil })
	m.OnShutdown("b", func(context.Context) error { n.Add(1); return errors.New("ignored") })

	m.Shutdown(context.Background())
	m.Shutdown(context.Background())

	if n.Load() != 2 {
		t.Fatalf("expected 2 hook runs, got %d", n.Load())
	}
}

func TestManager_RespectsDeadline(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	defer close(release)
	m.OnShutdown("stuck", func(context.Context) error { <-release; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	m.Shutdown(ctx)
	if time.Since(start) > time.Second {
		t.Fatalf("Shutdown must return at the deadline")
	}
}

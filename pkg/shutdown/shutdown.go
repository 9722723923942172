package shutdown

import (
	"context"
	"sync"

	"github.com/betbot/p2prelease/pkg/logger"
)

// Handler releases one resource. It should return once ctx is done.
type Handler func(ctx context.Context) error

type hook struct {
	name string
	fn   Handler
}

// Manager runs registered close hooks on shutdown.
type Manager struct {
	mu    sync.Mutex
	hooks []hook
	done  bool
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown registers a named hook.
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: handler})
}

// Shutdown runs every hook concurrently and blocks until they finish or ctx expires.
// Only the first call does any work.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	hooks := m.hooks
	m.mu.Unlock()

	if len(hooks) == 0 {
		return
	}
	logger.Infof("shutting down, %d hooks", len(hooks))

	var wg sync.WaitGroup
	wg.Add(len(hooks))
	for _, h := range hooks {
		go func(h hook) {
			defer wg.Done()
			if err := h.fn(ctx); err != nil {
				logger.Warnf("shutdown hook %s: %v", h.name, err)
			}
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all shutdown hooks finished")
	case <-ctx.Done():
		logger.Warnf("shutdown timed out: %v", ctx.Err())
	}
}

package syncgroup

import "sync"

// SyncGroup wraps sync.WaitGroup so goroutines are added and marked done in one place.
// Functions are queued with Add and started together by Run.
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []func()
}

func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add queues fn for the next Run.
func (g *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.pending = append(g.pending, fn)
	g.mu.Unlock()
}

// Run starts every queued function in its own goroutine.
func (g *SyncGroup) Run() {
	g.mu.Lock()
	fns := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(fn func()) {
			defer g.wg.Done()
			fn()
		}(fn)
	}
}

// Wait blocks until every started goroutine returned.
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}

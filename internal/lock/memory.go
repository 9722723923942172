package lock

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrHeld means another release for the same key is in flight (or its TTL has not expired).
var ErrHeld = errors.New("release already in flight")

// Locker guards one release per order number.
type Locker interface {
	// Acquire takes the key for at most ttl. The returned func releases it early.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// MemoryLocker is an in-process Locker. Shards keep contention low; expired entries
// are cleaned lazily on access.
type MemoryLocker struct {
	shards []memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu sync.Mutex
	m  map[string]memoryEntry
}

type memoryEntry struct {
	expiresAt time.Time
	token     uint64
}

var tokenSeq atomic.Uint64

func NewMemoryLocker(shardCount int) *MemoryLocker {
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]memoryShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]memoryEntry)
	}
	return &MemoryLocker{shards: shards, now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	if key == "" {
		return func() {}, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := l.now()
	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for k, e := range sh.m {
		if !e.expiresAt.After(now) {
			delete(sh.m, k)
		}
	}
	if e, ok := sh.m[key]; ok && e.expiresAt.After(now) {
		return nil, ErrHeld
	}
	tok := tokenSeq.Add(1)
	sh.m[key] = memoryEntry{expiresAt: now.Add(ttl), token: tok}

	var once sync.Once
	return func() {
		once.Do(func() {
			sh.mu.Lock()
			// Only the holder removes its own entry; an expired lock may have been re-taken.
			if e, ok := sh.m[key]; ok && e.token == tok {
				delete(sh.m, key)
			}
			sh.mu.Unlock()
		})
	}, nil
}

func (l *MemoryLocker) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[int(h.Sum32()%uint32(len(l.shards)))]
}

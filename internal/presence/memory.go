package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pollchat/internal/keylock"
	"pollchat/internal/logger"
)

// DefaultSweepInterval is how often expired sets are evicted from memory.
const DefaultSweepInterval = 30 * time.Second

type memItem struct {
	entries   Entries
	expiresAt time.Time
}

// MemoryStore is a process-local Store. Expired sets are invisible to Load and
// are evicted by the sweeper.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
	locks *keylock.Map
	clock Clock
	log   *zap.Logger
}

func NewMemoryStore(clock Clock, log *zap.Logger) *MemoryStore {
	if clock == nil {
		clock = SystemClock
	}
	return &MemoryStore{
		items: make(map[string]memItem),
		locks: keylock.New(),
		clock: clock,
		log:   logger.OrNop(log),
	}
}

func (m *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(Entries) Entries) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.locks.Lock(key)
	defer unlock()

	current, _ := m.Load(ctx, key)
	next := fn(current)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(next) == 0 {
		delete(m.items, key)
		return nil
	}
	m.items[key] = memItem{entries: copyEntries(next), expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, key string) (Entries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !m.clock.Now().Before(item.expiresAt) {
		return Entries{}, nil
	}
	return copyEntries(item.entries), nil
}

// StartSweeper evicts expired sets every interval until ctx is done.
func (m *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go m.sweepLoop(ctx, interval)
}

func (m *MemoryStore) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug("presence sweep", zap.Int("evicted", n))
			}
		}
	}
}

// Sweep removes expired sets and reports how many were dropped.
func (m *MemoryStore) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of stored sets, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func copyEntries(in Entries) Entries {
	out := make(Entries, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

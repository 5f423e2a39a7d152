package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger remembers message ids applied at the transport boundary so
// redelivered messages are not applied again.
type Ledger interface {
	// Seen reports whether key was recorded and has not expired.
	Seen(ctx context.Context, key string) (bool, error)
	// MarkSeen records key and reports whether this was its first sighting.
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// MemoryLedger keeps keys in process for ttl. Expired keys are pruned lazily
// on writes.
type MemoryLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	seen    map[string]time.Time
	now     func() time.Time
	writes  int
	pruneAt int
}

type MemoryLedgerOption func(*MemoryLedger)

// WithLedgerClock overrides time.Now, for tests.
func WithLedgerClock(now func() time.Time) MemoryLedgerOption {
	return func(l *MemoryLedger) { l.now = now }
}

func NewMemoryLedger(ttl time.Duration, opts ...MemoryLedgerOption) *MemoryLedger {
	l := &MemoryLedger{
		ttl:     ttl,
		seen:    make(map[string]time.Time),
		now:     time.Now,
		pruneAt: 1024,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *MemoryLedger) Seen(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("ledger key is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	expires, ok := l.seen[key]
	return ok && l.now().Before(expires), nil
}

func (l *MemoryLedger) MarkSeen(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("ledger key is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.seen[key]; ok && now.Before(expires) {
		return false, nil
	}
	l.seen[key] = now.Add(l.ttl)
	l.writes++
	if l.writes >= l.pruneAt {
		l.writes = 0
		for k, expires := range l.seen {
			if !now.Before(expires) {
				delete(l.seen, k)
			}
		}
	}
	return true, nil
}

// Len reports how many keys are currently held, expired or not.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

const ledgerKeyPrefix = "idgraph:inbox:"

// RedisLedger shares the dedupe window across instances using SET NX.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

func (l *RedisLedger) Seen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("ledger key is required")
	}
	n, err := l.client.Exists(ctx, ledgerKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return n > 0, nil
}

func (l *RedisLedger) MarkSeen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("ledger key is required")
	}
	first, err := l.client.SetNX(ctx, ledgerKeyPrefix+key, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s seen: %w", key, err)
	}
	return first, nil
}

package aggregate

import (
	"context"
	"slices"
	"sync"

	identitymodels "idgraph/internal/identity/models"
	relmodels "idgraph/internal/relationship/models"
	id "idgraph/pkg/domain"
)

// LockKey names one lockable unit. Identity keys cover an identity and every
// relationship and workflow attached to it. Graph keys cover the whole
// subgraph of one hierarchical relationship type during cycle checks.
type LockKey string

func IdentityKey(identityID id.IdentityID) LockKey {
	return LockKey("identity:" + identityID.String())
}

func GraphKey(t relmodels.Type) LockKey {
	return LockKey("graph:" + string(t))
}

// ReferenceKey serializes commands that bind the same external reference.
func ReferenceKey(t identitymodels.Type, ref string) LockKey {
	return LockKey("reference:" + string(t) + ":" + ref)
}

// Keys builds a key list from identity ids, skipping nil ids.
func Keys(ids ...id.IdentityID) []LockKey {
	keys := make([]LockKey, 0, len(ids))
	for _, identityID := range ids {
		if !identityID.IsNil() {
			keys = append(keys, IdentityKey(identityID))
		}
	}
	return keys
}

// normalize sorts and dedupes keys. Graph keys sort before identity keys, and
// identity keys sort by id, which fixes one global acquisition order.
func normalize(keys []LockKey) []LockKey {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// covers reports whether held contains every key in want. Both are normalized.
func covers(held, want []LockKey) bool {
	for _, k := range want {
		if _, found := slices.BinarySearch(held, k); !found {
			return false
		}
	}
	return true
}

// lockTable hands out one context-aware mutex per key. Entries are reference
// counted and dropped when nobody holds or waits on them.
type lockTable struct {
	mu      sync.Mutex
	entries map[LockKey]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[LockKey]*lockEntry)}
}

// acquire takes every key in order. keys must be normalized. On failure the
// keys already taken are released before returning.
func (t *lockTable) acquire(ctx context.Context, keys []LockKey) (func(), error) {
	held := make([]LockKey, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.unlock(held[i])
		}
	}
	for _, k := range keys {
		if err := t.lock(ctx, k); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}
	return release, nil
}

func (t *lockTable) lock(ctx context.Context, k LockKey) error {
	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		t.entries[k] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.drop(k, e)
		return ctx.Err()
	}
}

func (t *lockTable) unlock(k LockKey) {
	t.mu.Lock()
	e := t.entries[k]
	t.mu.Unlock()
	<-e.ch
	t.drop(k, e)
}

func (t *lockTable) drop(k LockKey, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, k)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"peer-transfers/internal/errors"
)

// lockTable hands out one exclusive lock per account. Locks are buffered
// channels so acquisition can give up when the context expires. An entry
// lives only while some transaction holds or waits for it.
type lockTable struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uuid.UUID]*lockEntry)}
}

func (t *lockTable) ref(id uuid.UUID) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.locks[id]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		t.locks[id] = entry
	}
	entry.refs++
	return entry
}

func (t *lockTable) unref(id uuid.UUID, entry *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(t.locks, id)
	}
}

func (t *lockTable) acquire(ctx context.Context, id uuid.UUID) error {
	entry := t.ref(id)
	select {
	case entry.ch <- struct{}{}:
		return nil
	default:
	}

	select {
	case entry.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.unref(id, entry)
		return errors.ErrBusy.WithDetails("timed out waiting for account lock " + id.String())
	}
}

func (t *lockTable) release(id uuid.UUID) {
	t.mu.Lock()
	entry := t.locks[id]
	t.mu.Unlock()

	<-entry.ch
	t.unref(id, entry)
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

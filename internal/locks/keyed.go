// Package locks provides the exclusion primitives guarding document
// transitions: an in-process keyed mutex and an optional Redis lease for
// multi-instance deployments.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout indicates the lock could not be acquired within the
// configured wait. Safe to retry.
var ErrLockTimeout = errors.New("locks: acquisition timed out")

// Guard acquires exclusive ownership of a key and returns a release func.
type Guard interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// DocumentKey builds the lock key for a document critical section.
func DocumentKey(id uuid.UUID) string {
	return fmt.Sprintf("documents:%s:lock", id)
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// Keyed serialises callers per key. Acquisition waits are bounded by the
// configured timeout; entries are dropped once no caller holds or waits on
// the key.
type Keyed struct {
	timeout time.Duration
	mu      sync.Mutex
	locks   map[string]*keyLock
}

// NewKeyed constructs a Keyed guard with the given acquisition timeout.
func NewKeyed(timeout time.Duration) *Keyed {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Keyed{timeout: timeout, locks: make(map[string]*keyLock)}
}

// Acquire blocks until the key is exclusively held, the timeout elapses, or
// the context is cancelled.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("locks: key required")
	}
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	timer := time.NewTimer(k.timeout)
	defer timer.Stop()

	select {
	case entry.ch <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-entry.ch
				k.drop(key, entry)
			})
		}
		return release, nil
	case <-ctx.Done():
		k.drop(key, entry)
		return nil, fmt.Errorf("locks: acquire %s: %w", key, ctx.Err())
	case <-timer.C:
		k.drop(key, entry)
		return nil, fmt.Errorf("locks: acquire %s: %w", key, ErrLockTimeout)
	}
}

func (k *Keyed) drop(key string, entry *keyLock) {
	k.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Chain acquires a sequence of guards in order and releases them in reverse.
type Chain []Guard

// Acquire takes every guard in order; a failure releases whatever was taken.
func (c Chain) Acquire(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	for _, g := range c {
		release, err := g.Acquire(ctx, key)
		if err != nil {
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
			return nil, err
		}
		releases = append(releases, release)
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}, nil
}

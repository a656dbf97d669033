package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKeyedExclusion(t *testing.T) {
	guard := NewKeyed(time.Second)
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "documents:a:lock")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		second, err := guard.Acquire(ctx, "documents:a:lock")
		require.NoError(t, err)
		second()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire succeeded while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed")
	}
}

func TestKeyedTimeout(t *testing.T) {
	guard := NewKeyed(50 * time.Millisecond)
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "documents:b:lock")
	require.NoError(t, err)
	defer release()

	_, err = guard.Acquire(ctx, "documents:b:lock")
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestKeyedIndependentKeys(t *testing.T) {
	guard := NewKeyed(time.Second)
	ctx := context.Background()

	releaseA, err := guard.Acquire(ctx, "documents:a:lock")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := guard.Acquire(ctx, "documents:b:lock")
	require.NoError(t, err)
	releaseB()
}

func TestKeyedDropsIdleEntries(t *testing.T) {
	guard := NewKeyed(time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := guard.Acquire(ctx, "documents:c:lock")
			require.NoError(t, err)
			release()
		}()
	}
	wg.Wait()

	guard.mu.Lock()
	defer guard.mu.Unlock()
	require.Empty(t, guard.locks)
}

func TestKeyedReleaseIsIdempotent(t *testing.T) {
	guard := NewKeyed(time.Second)
	release, err := guard.Acquire(context.Background(), "documents:d:lock")
	require.NoError(t, err)
	release()
	release()

	again, err := guard.Acquire(context.Background(), "documents:d:lock")
	require.NoError(t, err)
	again()
}

func TestLeaseExclusion(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lease := NewLease(client, 5*time.Second, 100*time.Millisecond)
	ctx := context.Background()

	release, err := lease.Acquire(ctx, "documents:x:lock")
	require.NoError(t, err)

	_, err = lease.Acquire(ctx, "documents:x:lock")
	require.ErrorIs(t, err, ErrLockTimeout)

	release()
	second, err := lease.Acquire(ctx, "documents:x:lock")
	require.NoError(t, err)
	second()
}

func TestLeaseReleaseOnlyDropsOwnToken(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lease := NewLease(client, 5*time.Second, 100*time.Millisecond)
	ctx := context.Background()

	release, err := lease.Acquire(ctx, "documents:y:lock")
	require.NoError(t, err)
	release()

	other, err := lease.Acquire(ctx, "documents:y:lock")
	require.NoError(t, err)
	defer other()

	// Stale release from the first holder must not free the new lease.
	release()
	require.True(t, srv.Exists("documents:y:lock"))
}

func TestChainReleasesInReverseOnFailure(t *testing.T) {
	held := NewKeyed(30 * time.Millisecond)
	releaseOuter, err := held.Acquire(context.Background(), "documents:z:lock")
	require.NoError(t, err)
	defer releaseOuter()

	free := NewKeyed(time.Second)
	chain := Chain{free, held}
	_, err = chain.Acquire(context.Background(), "documents:z:lock")
	require.ErrorIs(t, err, ErrLockTimeout)

	// The first guard must have been released by the failed chain acquire.
	release, err := free.Acquire(context.Background(), "documents:z:lock")
	require.NoError(t, err)
	release()
}

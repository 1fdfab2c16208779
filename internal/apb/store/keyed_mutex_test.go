package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
)

func TestKeyedMutex_SameKeySerializes(t *testing.T) {
	km := store.NewKeyedMutex()

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "alice")
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()

			n := active.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 0, km.Len(), "entries are released after the last unlock")
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	km := store.NewKeyedMutex()

	unlockA, err := km.Lock(context.Background(), "alice")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		defer close(done)
		unlock, err := km.Lock(context.Background(), "bob")
		if err != nil {
			t.Error(err)
			return
		}
		unlock()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	km := store.NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "alice")
	require.NoError(t, err)
	unlock()
	unlock()

	require.Equal(t, 0, km.Len())
	// The key is usable again.
	unlock, err = km.Lock(context.Background(), "alice")
	require.NoError(t, err)
	unlock()
}

func TestKeyedMutex_WaitHonorsDeadline(t *testing.T) {
	km := store.NewKeyedMutex()

	unlock, err := km.Lock(context.Background(), "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = km.Lock(ctx, "alice")
	took := time.Since(start)

	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, took, time.Second)
	assert.Equal(t, 1, km.Len(), "a timed-out waiter leaves no reference behind")

	unlock()
	assert.Equal(t, 0, km.Len())

	// The holder's slot was not consumed by the failed waiter.
	unlock, err = km.Lock(context.Background(), "alice")
	require.NoError(t, err)
	unlock()
}

func TestKeyedMutex_CancelledBeforeWait(t *testing.T) {
	km := store.NewKeyedMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := km.Lock(ctx, "alice")
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, km.Len())
}

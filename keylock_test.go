package caravel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	l := newKeyLock()
	id := uuid.New()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			release, err := l.lock(context.Background(), id)
			require.NoError(t, err)
			defer release()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "critical section must be exclusive per key")
}

func TestKeyLock_IndependentKeys(t *testing.T) {
	l := newKeyLock()

	releaseA, err := l.lock(context.Background(), uuid.New())
	require.NoError(t, err)
	defer releaseA()

	// A different key must not block behind the first.
	done := make(chan struct{})
	go func() {
		defer close(done)
		releaseB, err := l.lock(context.Background(), uuid.New())
		assert.NoError(t, err)
		releaseB()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}
}

func TestKeyLock_ContextCancellation(t *testing.T) {
	l := newKeyLock()
	id := uuid.New()

	release, err := l.lock(context.Background(), id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.lock(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The holder is unaffected and the key is reusable afterwards.
	release()

	release2, err := l.lock(context.Background(), id)
	require.NoError(t, err)
	release2()
}

func TestKeyLock_TableShrinksToInFlightKeys(t *testing.T) {
	l := newKeyLock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := uuid.New()
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := l.lock(context.Background(), id)
				require.NoError(t, err)
				release()
			}()
		}
	}
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.locks)
}

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireUnderCapacity(t *testing.T) {
	l := New(5, time.Second)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	st := l.Status()
	assert.Equal(t, 5, st.RequestsInWindow)
	assert.Equal(t, 5, st.MaxRequests)
	assert.Equal(t, 0, st.QueueLength)
}

func TestWindowInvariant(t *testing.T) {
	const max = 4
	window := 300 * time.Millisecond
	l := New(max, window)

	var (
		mu       sync.Mutex
		admitted []time.Time
		wg       sync.WaitGroup
	)
	for i := 0; i < 2*max; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, admitted, 2*max)

	// no sliding window of length W may contain more than max admissions
	for i := range admitted {
		count := 0
		for j := range admitted {
			d := admitted[j].Sub(admitted[i])
			if d >= 0 && d < window {
				count++
			}
		}
		assert.LessOrEqual(t, count, max, "too many admissions inside one window")
	}
}

func TestAcquireContextCancel(t *testing.T) {
	l := New(1, time.Minute)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, l.Status().QueueLength)
}

func TestClearQueue(t *testing.T) {
	l := New(1, time.Minute)
	require.NoError(t, l.Acquire(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Acquire(context.Background())
	}()

	// wait for the waiter to queue up
	require.Eventually(t, func() bool {
		return l.Status().QueueLength == 1
	}, time.Second, 5*time.Millisecond)

	l.ClearQueue()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueCleared)
	case <-time.After(time.Second):
		t.Fatal("cleared waiter never unblocked")
	}
}

func TestIndependentInstances(t *testing.T) {
	pub := New(1, time.Minute)
	priv := New(1, time.Minute)

	require.NoError(t, pub.Acquire(context.Background()))

	// exhausting the public limiter must not starve the private one
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, priv.Acquire(ctx))
}

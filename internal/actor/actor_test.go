package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_DoRunsSerially(t *testing.T) {
	t.Parallel()
	l := New(8)
	defer l.Close()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Do(context.Background(), func() { counter++ }))
		}()
	}
	wg.Wait()

	var got int
	require.NoError(t, l.Do(context.Background(), func() { got = counter }))
	assert.Equal(t, 100, got)
}

func TestLoop_PostPreservesOrder(t *testing.T) {
	t.Parallel()
	l := New(4)
	defer l.Close()

	var seen []int
	for i := 0; i < 20; i++ {
		i := i
		require.True(t, l.Post(func() { seen = append(seen, i) }))
	}

	var snapshot []int
	require.NoError(t, l.Do(context.Background(), func() { snapshot = append(snapshot, seen...) }))
	require.Len(t, snapshot, 20)
	for i, v := range snapshot {
		assert.Equal(t, i, v)
	}
}

func TestLoop_Closed(t *testing.T) {
	t.Parallel()
	l := New(1)
	l.Close()
	l.Close()

	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrClosed)
	assert.False(t, l.Post(func() {}))
}

func TestLoop_DoHonorsContext(t *testing.T) {
	t.Parallel()
	l := New(0)
	defer l.Close()

	release := make(chan struct{})
	l.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

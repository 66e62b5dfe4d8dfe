package origin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPendingFIFO(t *testing.T) {
	l := New()
	var got []int
	for i := range 5 {
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	assert.Equal(t, 5, l.Pending())
	assert.Equal(t, 5, l.RunPending())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, l.RunPending())
}

func TestRunPendingDefersNestedPosts(t *testing.T) {
	l := New()
	var got []string
	require.NoError(t, l.Post(func() {
		got = append(got, "outer")
		_ = l.Post(func() { got = append(got, "inner") })
	}))

	assert.Equal(t, 1, l.RunPending())
	assert.Equal(t, []string{"outer"}, got)
	assert.Equal(t, 1, l.RunPending())
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestRunRunsOnDrivingGoroutineUntilClosed(t *testing.T) {
	l := New()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Post(func() {})
		}()
	}
	go func() {
		wg.Wait()
		l.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, 0, l.Pending())
}

func TestCloseRejectsPostsButDrains(t *testing.T) {
	l := New()
	ran := false
	require.NoError(t, l.Post(func() { ran = true }))
	l.Close()

	require.ErrorIs(t, l.Post(func() {}), ErrClosed)
	require.NoError(t, l.Run(context.Background()))
	assert.True(t, ran)

	ok, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunOnceHonorsContext(t *testing.T) {
	l := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := l.RunOnce(ctx)
	assert.False(t, ok)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPostRejectsNil(t *testing.T) {
	require.Error(t, New().Post(nil))
}

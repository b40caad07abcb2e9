package asyncjobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInPostOrder(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	defer loop.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, loop.Post(func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		}))
	}
	require.NoError(t, loop.Do(ctx, func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopSurvivesPanickingCallback(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	defer loop.Close()

	loop.Post(func() { panic("listener bug") })

	ran := false
	require.NoError(t, loop.Do(ctx, func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopRejectsPostAfterClose(t *testing.T) {
	loop := NewLoop(nil)
	loop.Close()
	loop.Close()

	assert.False(t, loop.Post(func() {}))
	assert.ErrorIs(t, loop.Do(context.Background(), func() {}), context.Canceled)
}

func TestLoopDoReturnsWhenClosedWhileQueued(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)

	entered := make(chan struct{})
	release := make(chan struct{})
	loop.Post(func() {
		close(entered)
		<-release
	})
	<-entered

	errCh := make(chan error, 1)
	ran := false
	go func() { errCh <- loop.Do(context.Background(), func() { ran = true }) }()

	// Do の関数がキューに入るまで待ってから閉じる
	require.Eventually(t, func() bool {
		loop.mu.Lock()
		defer loop.mu.Unlock()
		return len(loop.queue) == 1
	}, testTimeout, time.Millisecond)
	loop.Close()
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("Do did not return after Close")
	}
	assert.False(t, ran)
}

package imagecacher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_SerializesCalls(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		overlap bool
		count   int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := loop.Do(ctx, func() {
				mu.Lock()
				active++
				if active > 1 {
					overlap = true
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				count++
				mu.Unlock()
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Equal(t, 20, count)
}

func TestLoop_DoAfterStop(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan error, 1)
	go func() { stopped <- loop.Run(ctx) }()
	cancel()
	require.ErrorIs(t, <-stopped, context.Canceled)

	err := loop.Do(context.Background(), func() { t.Error("must not run") })
	assert.ErrorIs(t, err, ErrLoopStopped)
}

func TestLoop_DoHonorsContext(t *testing.T) {
	loop := NewLoop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := loop.Do(ctx, func() { t.Error("must not run") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

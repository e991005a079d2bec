package worker

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPool_RunsAllTasks(t *testing.T) {
	p := NewPool(2, discard())

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		p.Submit("task", func() { done.Add(1) })
	}
	p.Wait()

	assert.Equal(t, int32(10), done.Load())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2, discard())

	var mu sync.Mutex
	var active, peak int
	for i := 0; i < 8; i++ {
		p.Submit("task", func() {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		})
	}
	p.Wait()

	require.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestPool_RecoversFromPanic(t *testing.T) {
	p := NewPool(1, discard())

	var ran atomic.Bool
	p.Submit("explodes", func() { panic("boom") })
	p.Submit("survives", func() { ran.Store(true) })
	p.Wait()

	assert.True(t, ran.Load())
}

func TestPool_ZeroSizeDefaultsToOne(t *testing.T) {
	p := NewPool(0, discard())

	var done atomic.Bool
	p.Submit("task", func() { done.Store(true) })
	p.Wait()

	assert.True(t, done.Load())
}

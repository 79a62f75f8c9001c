package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func TestOpsQueue(t *testing.T) {
	t.Run("runs ops in order", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test")
		oq.Start()
		defer oq.Stop()

		var mu sync.Mutex
		var got []int
		for i := 0; i < 1000; i++ {
			i := i
			oq.Enqueue(func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			})
		}

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1000
		}, 5*time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		for i, v := range got {
			require.Equal(t, i, v)
		}
	})

	t.Run("ops enqueued before start are run", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test")
		done := make(chan struct{})
		oq.Enqueue(func() { close(done) })
		oq.Start()
		defer oq.Stop()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("op did not run")
		}
	})

	t.Run("enqueue after stop is a no-op", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test")
		oq.Start()
		oq.Stop()
		oq.Stop()
		require.True(t, oq.IsStopped())

		ran := make(chan struct{}, 1)
		oq.Enqueue(func() { ran <- struct{}{} })
		select {
		case <-ran:
			t.Fatal("op ran after stop")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("op may enqueue another op", func(t *testing.T) {
		oq := NewOpsQueue(logger.GetLogger(), "test")
		oq.Start()
		defer oq.Stop()

		done := make(chan struct{})
		oq.Enqueue(func() {
			oq.Enqueue(func() { close(done) })
		})
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("nested op did not run")
		}
	})
}

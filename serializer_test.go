package cmdbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cmdbus"
)

func TestCommitQueueRunsInOrder(t *testing.T) {
	q := cmdbus.NewCommitQueue()
	defer q.Close()

	var (
		mu      sync.Mutex
		order   []int
		running int
		peak    int
	)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				running++
				peak = max(peak, running)
				order = append(order, i)
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	assert.Len(t, order, 20)
}

func TestCommitQueueIsFirstInFirstOut(t *testing.T) {
	q := cmdbus.NewCommitQueue()
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
		require.Eventually(t, func() bool {
			return cmdbus.QueuedJobs(q) == i+1
		}, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestCommitQueueCloseFailsQueuedJobs(t *testing.T) {
	q := cmdbus.NewCommitQueue()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	queued := make(chan error, 1)
	go func() {
		queued <- q.Do(context.Background(), func(context.Context) error {
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		return cmdbus.QueuedJobs(q) == 1
	}, time.Second, time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	q.Close()

	select {
	case err := <-queued:
		assert.ErrorIs(t, err, cmdbus.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("queued job was not released")
	}
}

func TestCommitQueueReturnsJobError(t *testing.T) {
	q := cmdbus.NewCommitQueue()
	defer q.Close()

	boom := errors.New("boom")
	err := q.Do(context.Background(), func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestCommitQueueCanceledContext(t *testing.T) {
	q := cmdbus.NewCommitQueue()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := q.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestCommitQueueClosed(t *testing.T) {
	q := cmdbus.NewCommitQueue()
	q.Close()

	err := q.Do(context.Background(), func(context.Context) error {
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cmdbus.ErrQueueClosed)
}

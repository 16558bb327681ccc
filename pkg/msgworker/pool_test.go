package msgworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Dispatch must return immediately even when the job is slow
func TestPool_DispatchNonBlocking(t *testing.T) {
	pool := NewPool(2, 10)
	pool.Start(context.Background())
	defer pool.Stop()

	start := time.Now()
	pool.Dispatch(Job{
		ConnectionID: "conn",
		ChatJID:      "123@s.whatsapp.net",
		Handler: func(ctx context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	})
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

// Jobs del mismo chat deben procesarse en orden
func TestPool_SameChatKeepsOrder(t *testing.T) {
	pool := NewPool(4, 100)
	pool.Start(context.Background())

	var (
		mu      sync.Mutex
		results []int
	)
	for i := 1; i <= 5; i++ {
		val := i
		pool.Dispatch(Job{
			ConnectionID: "conn1",
			ChatJID:      "chat1",
			Handler: func(ctx context.Context) error {
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				results = append(results, val)
				mu.Unlock()
				return nil
			},
		})
	}

	// Stop drains everything that was accepted
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3, 4, 5}, results)
}

func TestPool_PanicsAndErrorsAreCounted(t *testing.T) {
	pool := NewPool(1, 10)
	pool.Start(context.Background())

	pool.Dispatch(Job{ConnectionID: "c", ChatJID: "a", Handler: func(ctx context.Context) error { panic("boom") }})
	pool.Dispatch(Job{ConnectionID: "c", ChatJID: "a", Handler: func(ctx context.Context) error { return errors.New("fail") }})

	var ran atomic.Bool
	pool.Dispatch(Job{ConnectionID: "c", ChatJID: "a", Handler: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})
	pool.Stop()

	stats := pool.Stats()
	assert.True(t, ran.Load(), "a panicking job must not kill the worker")
	assert.Equal(t, int64(2), stats.TotalErrors)
	assert.Equal(t, int64(3), stats.TotalProcessed)
}

func TestPool_DropsWhenQueueFull(t *testing.T) {
	pool := NewPool(1, 1)
	pool.Start(context.Background())
	defer pool.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	pool.Dispatch(Job{ConnectionID: "c", ChatJID: "a", Handler: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started

	assert.True(t, pool.TryDispatch(Job{ConnectionID: "c", ChatJID: "a", Handler: func(ctx context.Context) error { return nil }}))
	assert.False(t, pool.TryDispatch(Job{ConnectionID: "c", ChatJID: "a", Handler: func(ctx context.Context) error { return nil }}))
	close(block)

	assert.Equal(t, int64(1), pool.Stats().TotalDropped)
}

func TestPool_ConsistentSharding(t *testing.T) {
	pool := NewPool(4, 100)

	first := pool.shardFor("conn1", "chat123")
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, pool.shardFor("conn1", "chat123"))
	}

	counts := make(map[int]int)
	for i := 0; i < 200; i++ {
		counts[pool.shardFor("conn1", fmt.Sprintf("chat-%d", i))]++
	}
	for shard, count := range counts {
		assert.Greater(t, count, 20, "worker %d got too few chats", shard)
	}
}

func TestPool_RejectsAfterStop(t *testing.T) {
	pool := NewPool(2, 10)
	pool.Start(context.Background())
	pool.Stop()

	assert.False(t, pool.TryDispatch(Job{ConnectionID: "c", ChatJID: "a", Handler: func(ctx context.Context) error { return nil }}))
}

package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/core/config"
	pkgError "github.com/AzielCF/az-wap-connector/pkg/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconnector struct {
	mu        sync.Mutex
	calls     []string
	attempts  []int
	exhausted map[string]int
	scheduled int
	fail      func(id string, attempt int) error
	done      chan string
}

func newFakeReconnector() *fakeReconnector {
	return &fakeReconnector{exhausted: make(map[string]int), done: make(chan string, 100)}
}

func (f *fakeReconnector) OnScheduled(task connection.ReconnectTask, attempt int, delay time.Duration) {
	f.mu.Lock()
	f.scheduled++
	f.mu.Unlock()
}

func (f *fakeReconnector) OnExhausted(task connection.ReconnectTask, attempts int) {
	f.mu.Lock()
	f.exhausted[task.ConnectionID] = attempts
	f.mu.Unlock()
	f.done <- "exhausted:" + task.ConnectionID
}

func (f *fakeReconnector) Reconnect(ctx context.Context, task connection.ReconnectTask, attempt int) error {
	f.mu.Lock()
	f.calls = append(f.calls, task.ConnectionID)
	f.attempts = append(f.attempts, attempt)
	fail := f.fail
	f.mu.Unlock()

	var err error
	if fail != nil {
		err = fail(task.ConnectionID, attempt)
	}
	f.done <- task.ConnectionID
	return err
}

func (f *fakeReconnector) snapshot() ([]string, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]int(nil), f.attempts...)
}

func fastReconnectConfig(workers int) config.ReconnectConfig {
	cfg := defaultReconnectConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 4 * time.Millisecond
	cfg.LaunchJitter = 0
	cfg.Workers = workers
	return cfg
}

func waitDone(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduler")
		return ""
	}
}

func TestScheduler_PriorityOrder(t *testing.T) {
	target := newFakeReconnector()
	s := NewReconnectScheduler(fastReconnectConfig(1), target)

	base := time.Now()
	s.Enqueue(connection.ReconnectTask{ConnectionID: "a", Priority: connection.PriorityNormal, EnqueuedAt: base})
	s.Enqueue(connection.ReconnectTask{ConnectionID: "b", Priority: connection.PriorityHigh, EnqueuedAt: base.Add(time.Millisecond)})
	s.Enqueue(connection.ReconnectTask{ConnectionID: "c", Priority: connection.PriorityNormal, EnqueuedAt: base.Add(2 * time.Millisecond)})

	s.Start(context.Background())
	defer s.Stop()

	for i := 0; i < 3; i++ {
		waitDone(t, target.done)
	}
	calls, _ := target.snapshot()
	assert.Equal(t, []string{"b", "a", "c"}, calls)
}

func TestScheduler_CoalescesAndRaisesPriority(t *testing.T) {
	s := NewReconnectScheduler(fastReconnectConfig(1), newFakeReconnector())

	base := time.Now()
	s.Enqueue(connection.ReconnectTask{ConnectionID: "a", EnqueuedAt: base})
	s.Enqueue(connection.ReconnectTask{ConnectionID: "b", EnqueuedAt: base.Add(time.Millisecond)})
	s.Enqueue(connection.ReconnectTask{ConnectionID: "b", Priority: connection.PriorityHigh})

	assert.Equal(t, 2, s.Pending())
	assert.True(t, s.IsScheduled("b"))
	assert.Equal(t, "b", s.queue[0].task.ConnectionID)
}

func TestScheduler_RetriesTransientErrorsUntilExhausted(t *testing.T) {
	target := newFakeReconnector()
	target.fail = func(id string, attempt int) error {
		return pkgError.TransientError("connection reset")
	}
	cfg := fastReconnectConfig(2)
	cfg.MaxAttempts = 3
	s := NewReconnectScheduler(cfg, target)
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(connection.ReconnectTask{ConnectionID: "a"})

	for i := 0; i < 3; i++ {
		assert.Equal(t, "a", waitDone(t, target.done))
	}
	assert.Equal(t, "exhausted:a", waitDone(t, target.done))

	_, attempts := target.snapshot()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	target.mu.Lock()
	assert.Equal(t, 3, target.exhausted["a"])
	target.mu.Unlock()
}

func TestScheduler_NonRetryableStops(t *testing.T) {
	target := newFakeReconnector()
	target.fail = func(id string, attempt int) error {
		return pkgError.AuthorizationError("tenant mismatch")
	}
	s := NewReconnectScheduler(fastReconnectConfig(1), target)
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(connection.ReconnectTask{ConnectionID: "a"})
	waitDone(t, target.done)

	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case v := <-target.done:
		t.Fatalf("unexpected extra call %s", v)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestScheduler_CancelAbortsWait(t *testing.T) {
	target := newFakeReconnector()
	cfg := fastReconnectConfig(1)
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	s := NewReconnectScheduler(cfg, target)
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(connection.ReconnectTask{ConnectionID: "a"})
	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return target.scheduled == 1
	}, time.Second, 5*time.Millisecond)

	s.Cancel("a")
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	calls, _ := target.snapshot()
	assert.Empty(t, calls)
}

func TestScheduler_ResetClearsAttempts(t *testing.T) {
	target := newFakeReconnector()
	target.fail = func(id string, attempt int) error {
		if attempt == 1 {
			return errors.New("timeout")
		}
		return nil
	}
	s := NewReconnectScheduler(fastReconnectConfig(1), target)
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(connection.ReconnectTask{ConnectionID: "a"})
	waitDone(t, target.done)
	waitDone(t, target.done)
	assert.Equal(t, 2, s.Attempts("a"))

	s.Reset("a")
	assert.Equal(t, 0, s.Attempts("a"))
}

package application

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/core/config"
	pkgError "github.com/AzielCF/az-wap-connector/pkg/error"
	"github.com/sirupsen/logrus"
)

// Reconnector is what the scheduler drives. The supervisor implements it.
type Reconnector interface {
	// OnScheduled is called once the attempt number and delay are known, before waiting.
	OnScheduled(task connection.ReconnectTask, attempt int, delay time.Duration)
	// OnExhausted is called instead of Reconnect once MaxAttempts is exceeded.
	OnExhausted(task connection.ReconnectTask, attempts int)
	Reconnect(ctx context.Context, task connection.ReconnectTask, attempt int) error
}

// ReconnectScheduler runs reconnect tasks from a priority queue on a fixed
// pool of workers, waiting a jittered backoff before each attempt.
type ReconnectScheduler struct {
	cfg     config.ReconnectConfig
	backoff *Backoff
	target  Reconnector

	mu       sync.Mutex
	queue    taskQueue
	queued   map[string]*queueItem
	active   map[string]context.CancelFunc
	requeue  map[string]connection.ReconnectTask
	attempts map[string]int

	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	now     func() time.Time
}

func NewReconnectScheduler(cfg config.ReconnectConfig, target Reconnector) *ReconnectScheduler {
	return &ReconnectScheduler{
		cfg:      cfg,
		backoff:  NewBackoff(cfg),
		target:   target,
		queued:   make(map[string]*queueItem),
		active:   make(map[string]context.CancelFunc),
		requeue:  make(map[string]connection.ReconnectTask),
		attempts: make(map[string]int),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// SetTarget wires the reconnector after construction. It must be called before Start.
func (s *ReconnectScheduler) SetTarget(target Reconnector) {
	s.target = target
}

func (s *ReconnectScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logrus.Infof("[RECONNECT] Scheduler started with %d workers", workers)
	s.signal()
}

// Stop cancels every pending wait and waits for workers to return.
func (s *ReconnectScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	logrus.Info("[RECONNECT] Scheduler stopped")
}

// Enqueue adds a task. A queued id is coalesced, keeping the higher priority;
// an id being processed is queued again once its current attempt finishes.
func (s *ReconnectScheduler) Enqueue(task connection.ReconnectTask) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.active[task.ConnectionID]; busy {
		if prev, ok := s.requeue[task.ConnectionID]; ok && prev.Priority > task.Priority {
			task.Priority = prev.Priority
		}
		s.requeue[task.ConnectionID] = task
		return
	}
	s.pushLocked(task)
}

func (s *ReconnectScheduler) pushLocked(task connection.ReconnectTask) {
	if item, ok := s.queued[task.ConnectionID]; ok {
		if task.Priority > item.task.Priority {
			item.task.Priority = task.Priority
			heap.Fix(&s.queue, item.index)
		}
		return
	}
	item := &queueItem{task: task}
	heap.Push(&s.queue, item)
	s.queued[task.ConnectionID] = item
	s.signal()
}

// Cancel drops a queued task and aborts the wait of an active one.
func (s *ReconnectScheduler) Cancel(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.queued[connectionID]; ok {
		heap.Remove(&s.queue, item.index)
		delete(s.queued, connectionID)
	}
	delete(s.requeue, connectionID)
	if cancel, ok := s.active[connectionID]; ok {
		cancel()
	}
}

// Reset clears the attempt counter, typically after a successful open.
func (s *ReconnectScheduler) Reset(connectionID string) {
	s.mu.Lock()
	delete(s.attempts, connectionID)
	s.mu.Unlock()
}

func (s *ReconnectScheduler) Attempts(connectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[connectionID]
}

func (s *ReconnectScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() + len(s.active)
}

func (s *ReconnectScheduler) IsScheduled(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, queued := s.queued[connectionID]
	_, active := s.active[connectionID]
	return queued || active
}

func (s *ReconnectScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *ReconnectScheduler) worker(id int) {
	defer s.wg.Done()
	for {
		task, taskCtx, ok := s.next()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		s.run(id, task, taskCtx)
	}
}

// next pops the highest priority task and marks it active.
func (s *ReconnectScheduler) next() (connection.ReconnectTask, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil || s.queue.Len() == 0 {
		return connection.ReconnectTask{}, nil, false
	}
	item := heap.Pop(&s.queue).(*queueItem)
	delete(s.queued, item.task.ConnectionID)

	taskCtx, cancel := context.WithCancel(s.ctx)
	s.active[item.task.ConnectionID] = cancel

	// more work may be waiting for another worker
	if s.queue.Len() > 0 {
		s.signal()
	}
	return item.task, taskCtx, true
}

func (s *ReconnectScheduler) finish(task connection.ReconnectTask, retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[task.ConnectionID]; ok {
		cancel()
		delete(s.active, task.ConnectionID)
	}
	if next, ok := s.requeue[task.ConnectionID]; ok {
		delete(s.requeue, task.ConnectionID)
		s.pushLocked(next)
		return
	}
	if retry && s.ctx.Err() == nil {
		task.EnqueuedAt = s.now()
		s.pushLocked(task)
	}
}

func (s *ReconnectScheduler) run(workerID int, task connection.ReconnectTask, ctx context.Context) {
	retry := false
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[RECONNECT] Worker %d panic for %s: %v", workerID, task.ConnectionID, r)
		}
		s.finish(task, retry)
	}()

	s.mu.Lock()
	attempt := s.attempts[task.ConnectionID] + 1
	exhausted := attempt > s.cfg.MaxAttempts
	if exhausted {
		delete(s.attempts, task.ConnectionID)
	} else {
		s.attempts[task.ConnectionID] = attempt
	}
	s.mu.Unlock()

	if exhausted {
		logrus.Warnf("[RECONNECT] %s exhausted %d attempts", task.ConnectionID, s.cfg.MaxAttempts)
		s.target.OnExhausted(task, attempt-1)
		return
	}

	delay := s.backoff.Delay(attempt) + s.backoff.Jitter(s.cfg.LaunchJitter)
	if delay < 0 {
		delay = 0
	}
	s.target.OnScheduled(task, attempt, delay)
	logrus.WithField("connection_id", task.ConnectionID).
		Infof("[RECONNECT] Attempt %d/%d in %s (priority %d)", attempt, s.cfg.MaxAttempts, delay.Round(time.Millisecond), task.Priority)

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		logrus.Debugf("[RECONNECT] Wait cancelled for %s", task.ConnectionID)
		return
	case <-timer.C:
	}

	err := s.target.Reconnect(ctx, task, attempt)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return
	}
	if !pkgError.IsRetryable(err) {
		logrus.WithError(err).Warnf("[RECONNECT] %s failed with a non-retryable error", task.ConnectionID)
		return
	}
	logrus.WithError(err).Warnf("[RECONNECT] Attempt %d failed for %s", attempt, task.ConnectionID)
	retry = true
}

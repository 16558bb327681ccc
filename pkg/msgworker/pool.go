package msgworker

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Job is one unit of inbound processing. Jobs sharing ConnectionID and ChatJID
// run on the same worker, in dispatch order.
type Job struct {
	ConnectionID string
	ChatJID      string
	Handler      func(ctx context.Context) error
}

func (j Job) key() string {
	return j.ConnectionID + "|" + j.ChatJID
}

// PoolStats contiene métricas en tiempo real del worker pool
type PoolStats struct {
	NumWorkers      int   `json:"num_workers"`
	QueueSize       int   `json:"queue_size"`
	ActiveWorkers   int   `json:"active_workers"`
	QueuedJobs      int   `json:"queued_jobs"`
	TotalDispatched int64 `json:"total_dispatched"`
	TotalProcessed  int64 `json:"total_processed"`
	TotalDropped    int64 `json:"total_dropped"`
	TotalErrors     int64 `json:"total_errors"`
}

// Pool shards jobs over a fixed set of workers by fnv hash of connection|chat.
type Pool struct {
	numWorkers int
	queueSize  int
	workers    []*worker
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopped    atomic.Bool

	totalDispatched atomic.Int64
	totalProcessed  atomic.Int64
	totalDropped    atomic.Int64
	totalErrors     atomic.Int64
}

type worker struct {
	id           int
	jobs         chan Job
	ctx          context.Context
	cancel       context.CancelFunc
	isProcessing atomic.Bool
	pool         *Pool
}

func NewPool(numWorkers, queueSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 10
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		numWorkers: numWorkers,
		queueSize:  queueSize,
		workers:    make([]*worker, numWorkers),
	}
}

// Start inicia todos los workers del pool
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		w := &worker{
			id:     i,
			jobs:   make(chan Job, p.queueSize),
			ctx:    workerCtx,
			cancel: cancel,
			pool:   p,
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(&p.wg)
	}

	logrus.Infof("[MSG_WORKER_POOL] Started with %d workers, queue size: %d", p.numWorkers, p.queueSize)
}

// TryDispatch enqueues without blocking and reports whether the job was accepted.
func (p *Pool) TryDispatch(job Job) bool {
	if p.stopped.Load() {
		p.totalDropped.Add(1)
		return false
	}

	shard := p.shardFor(job.ConnectionID, job.ChatJID)
	p.totalDispatched.Add(1)

	sent := func() (ok bool) {
		// el canal puede estar cerrado si Stop corre en paralelo
		defer func() {
			if r := recover(); r != nil {
				ok = false
			}
		}()
		select {
		case p.workers[shard].jobs <- job:
			return true
		default:
			return false
		}
	}()
	if sent {
		return true
	}

	p.totalDropped.Add(1)
	logrus.Warnf("[MSG_WORKER_POOL] Worker %d queue full (or stopped), dropping job for %s", shard, job.key())
	return false
}

func (p *Pool) Dispatch(job Job) {
	_ = p.TryDispatch(job)
}

// Stop closes the queues and waits for workers to drain what was already accepted.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		logrus.Info("[MSG_WORKER_POOL] Stopping workers...")

		for _, w := range p.workers {
			if w == nil {
				continue
			}
			close(w.jobs)
		}
		p.wg.Wait()

		for _, w := range p.workers {
			if w != nil {
				w.cancel()
			}
		}
		logrus.Info("[MSG_WORKER_POOL] All workers stopped")
	})
}

// shardFor calcula el worker para un chat usando hash consistente
func (p *Pool) shardFor(connectionID, chatJID string) int {
	h := fnv.New32a()
	h.Write([]byte(connectionID + "|" + chatJID))
	return int(h.Sum32() % uint32(p.numWorkers))
}

func (p *Pool) Stats() PoolStats {
	active, queued := 0, 0
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		if w.isProcessing.Load() {
			active++
		}
		queued += len(w.jobs)
	}
	return PoolStats{
		NumWorkers:      p.numWorkers,
		QueueSize:       p.queueSize,
		ActiveWorkers:   active,
		QueuedJobs:      queued,
		TotalDispatched: p.totalDispatched.Load(),
		TotalProcessed:  p.totalProcessed.Load(),
		TotalDropped:    p.totalDropped.Load(),
		TotalErrors:     p.totalErrors.Load(),
	}
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	logrus.Debugf("[MSG_WORKER_POOL] Worker %d started", w.id)

	for job := range w.jobs {
		w.process(job)
	}
	logrus.Debugf("[MSG_WORKER_POOL] Worker %d shutting down", w.id)
}

func (w *worker) process(job Job) {
	w.isProcessing.Store(true)
	defer func() {
		if r := recover(); r != nil {
			w.pool.totalErrors.Add(1)
			logrus.Errorf("[MSG_WORKER_POOL] Worker %d panic for %s: %v", w.id, job.key(), r)
		}
		w.isProcessing.Store(false)
		w.pool.totalProcessed.Add(1)
	}()

	if err := job.Handler(w.ctx); err != nil {
		w.pool.totalErrors.Add(1)
		logrus.WithError(err).Errorf("[MSG_WORKER_POOL] Worker %d job failed for %s", w.id, job.key())
	}
}

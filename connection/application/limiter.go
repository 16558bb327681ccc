package application

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConnectLimiter bounds concurrent connect attempts globally and per tenant.
// Waiters are served in FIFO order.
type ConnectLimiter struct {
	global      *semaphore.Weighted
	tenantLimit int64

	mu      sync.Mutex
	tenants map[string]*semaphore.Weighted
}

func NewConnectLimiter(globalLimit, tenantLimit int64) *ConnectLimiter {
	return &ConnectLimiter{
		global:      semaphore.NewWeighted(globalLimit),
		tenantLimit: tenantLimit,
		tenants:     make(map[string]*semaphore.Weighted),
	}
}

func (l *ConnectLimiter) tenant(id string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.tenants[id]
	if !ok {
		sem = semaphore.NewWeighted(l.tenantLimit)
		l.tenants[id] = sem
	}
	return sem
}

// Acquire takes the tenant slot first, then the global one. The returned
// release func is safe to call more than once.
func (l *ConnectLimiter) Acquire(ctx context.Context, tenantID string) (func(), error) {
	tsem := l.tenant(tenantID)
	if err := tsem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.global.Acquire(ctx, 1); err != nil {
		tsem.Release(1)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.global.Release(1)
			tsem.Release(1)
		})
	}, nil
}

package repository

import (
	"context"
	"sync"
	"time"

	"github.com/AzielCF/az-wap-connector/infrastructure/valkey"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MemoryAttemptLock is the single-process attempt guard.
type MemoryAttemptLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryAttemptLock() *MemoryAttemptLock {
	return &MemoryAttemptLock{held: make(map[string]struct{})}
}

func (l *MemoryAttemptLock) Acquire(_ context.Context, connectionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[connectionID]; ok {
		return false, nil
	}
	l.held[connectionID] = struct{}{}
	return true, nil
}

func (l *MemoryAttemptLock) Release(_ context.Context, connectionID string) {
	l.mu.Lock()
	delete(l.held, connectionID)
	l.mu.Unlock()
}

// Extend reports whether the id is still held; memory locks do not expire.
func (l *MemoryAttemptLock) Extend(_ context.Context, connectionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[connectionID]
	return ok, nil
}

// ValkeyAttemptLock holds SET NX EX locks so only one process connects a given id.
// The TTL bounds how long a crashed holder can block others.
type ValkeyAttemptLock struct {
	client *valkey.Client
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

func NewValkeyAttemptLock(client *valkey.Client, ttl time.Duration) *ValkeyAttemptLock {
	return &ValkeyAttemptLock{
		client: client,
		ttl:    ttl,
		tokens: make(map[string]string),
	}
}

func (l *ValkeyAttemptLock) key(connectionID string) string {
	return l.client.Key("connect_lock", connectionID)
}

func (l *ValkeyAttemptLock) Acquire(ctx context.Context, connectionID string) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(connectionID), token, l.ttl)
	if err != nil || !ok {
		return false, err
	}
	l.mu.Lock()
	l.tokens[connectionID] = token
	l.mu.Unlock()
	return true, nil
}

func (l *ValkeyAttemptLock) Release(ctx context.Context, connectionID string) {
	l.mu.Lock()
	token, ok := l.tokens[connectionID]
	delete(l.tokens, connectionID)
	l.mu.Unlock()
	if !ok {
		return
	}
	if err := l.client.ReleaseIfOwner(ctx, l.key(connectionID), token); err != nil {
		logrus.WithError(err).Warnf("[SESSION] Failed to release connect lock for %s", connectionID)
	}
}

// Extend restarts the TTL of a lock this process holds.
func (l *ValkeyAttemptLock) Extend(ctx context.Context, connectionID string) (bool, error) {
	l.mu.Lock()
	token, ok := l.tokens[connectionID]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	return l.client.ExtendIfOwner(ctx, l.key(connectionID), token, l.ttl)
}

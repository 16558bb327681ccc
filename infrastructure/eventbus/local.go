package eventbus

import (
	"context"
	"sync"

	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/sirupsen/logrus"
)

// Handler receives a published event. It runs on the publisher's goroutine.
type Handler func(ctx context.Context, evt message.Event)

// Local is an in-process fan-out bus.
type Local struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Local) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *Local) Publish(ctx context.Context, evt message.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(ctx, h, evt)
	}
}

func deliver(ctx context.Context, h Handler, evt message.Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[EVENTBUS] Subscriber panic on %s for %s: %v", evt.Type, evt.ConnectionID, r)
		}
	}()
	h(ctx, evt)
}

// Multi publishes to every bus in order.
type Multi []message.IEventBus

func (m Multi) Publish(ctx context.Context, evt message.Event) {
	for _, b := range m {
		if b != nil {
			b.Publish(ctx, evt)
		}
	}
}

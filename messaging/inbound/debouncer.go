package inbound

import (
	"context"
	"sync"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/pkg/chatpresence"
	"github.com/sirupsen/logrus"
)

// FlowHandler receives the last message of a burst from one contact.
type FlowHandler func(ctx context.Context, msg message.InboundMessage)

type debounceEntry struct {
	msg      message.InboundMessage
	timer    *time.Timer
	queuedAt time.Time
}

type inflightEntry struct {
	cancel    context.CancelFunc
	token     uint64
	startedAt time.Time
}

// Debouncer holds the latest inbound message per contact until the contact
// goes quiet, then hands it to the flow. Earlier messages of the burst are
// already stored and are not merged.
type Debouncer struct {
	mu       sync.Mutex
	entries  map[string]*debounceEntry
	inflight map[string]inflightEntry
	seq      uint64

	delay    time.Duration
	waitIdle time.Duration
	presence *chatpresence.Tracker
	handler  FlowHandler
}

func NewDebouncer(delay, waitIdle time.Duration, presence *chatpresence.Tracker, handler FlowHandler) *Debouncer {
	return &Debouncer{
		entries:  make(map[string]*debounceEntry),
		inflight: make(map[string]inflightEntry),
		delay:    delay,
		waitIdle: waitIdle,
		presence: presence,
		handler:  handler,
	}
}

func (d *Debouncer) Enqueue(msg message.InboundMessage) {
	key := msg.ConnectionID + "|" + msg.ChatJID + "|" + msg.From

	if d.delay <= 0 {
		d.run(key, msg)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Cancelar cualquier procesamiento "en vuelo" para este mismo chat
	if prev, ok := d.inflight[key]; ok && prev.cancel != nil {
		prev.cancel()
		delete(d.inflight, key)
	}

	e, ok := d.entries[key]
	if !ok {
		e = &debounceEntry{}
		d.entries[key] = e
	}
	e.msg = msg
	e.queuedAt = time.Now()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d.delay, func() {
		d.flush(key)
	})
}

// Pending reports how many contacts have a burst waiting.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Sweep drops entries whose timer should have fired long ago and cancels
// flows running longer than maxAge. It returns how many it removed.
func (d *Debouncer) Sweep(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, e := range d.entries {
		if time.Since(e.queuedAt) <= maxAge {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(d.entries, k)
		n++
	}
	for k, f := range d.inflight {
		if time.Since(f.startedAt) <= maxAge {
			continue
		}
		f.cancel()
		delete(d.inflight, k)
		n++
	}
	return n
}

// Stop drops pending bursts and cancels in-flight flows.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, e := range d.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(d.entries, k)
	}
	for k, f := range d.inflight {
		f.cancel()
		delete(d.inflight, k)
	}
}

func (d *Debouncer) flush(key string) {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.entries, key)
	d.mu.Unlock()

	logrus.Infof("[DEBOUNCER] Flushing message %s for %s", e.msg.MessageID, key)
	d.run(key, e.msg)
}

func (d *Debouncer) run(key string, msg message.InboundMessage) {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.seq++
	token := d.seq
	d.inflight[key] = inflightEntry{cancel: cancel, token: token, startedAt: time.Now()}
	d.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.Errorf("[DEBOUNCER] Flow handler panic for %s: %v", key, r)
			}
			d.mu.Lock()
			if cur, ok := d.inflight[key]; ok && cur.token == token {
				delete(d.inflight, key)
			}
			d.mu.Unlock()
			cancel()
		}()

		if d.presence != nil && d.waitIdle > 0 {
			if !d.presence.WaitIdle(ctx, msg.ConnectionID, msg.ChatJID, d.waitIdle) && ctx.Err() != nil {
				return
			}
		}
		if d.handler == nil {
			logrus.Infof("[DEBOUNCER] No flow handler, message %s from %s dropped after debounce", msg.MessageID, msg.From)
			return
		}
		d.handler(ctx, msg)
	}()
}

package inbound

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/pkg/chatpresence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flowSink struct {
	mu   sync.Mutex
	msgs []message.InboundMessage
	at   []time.Time
}

func (f *flowSink) handle(_ context.Context, msg message.InboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	f.at = append(f.at, time.Now())
}

func (f *flowSink) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func inbound(from, text string) message.InboundMessage {
	return message.InboundMessage{ConnectionID: "c1", ChatJID: from, From: from, Text: text}
}

func TestDebouncer_SeparateContacts(t *testing.T) {
	sink := &flowSink{}
	d := NewDebouncer(30*time.Millisecond, 0, nil, sink.handle)
	defer d.Stop()

	d.Enqueue(inbound("a@s.whatsapp.net", "uno"))
	d.Enqueue(inbound("b@s.whatsapp.net", "dos"))
	assert.Equal(t, 2, d.Pending())

	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, d.Pending())
}

func TestDebouncer_ZeroDelayRunsImmediately(t *testing.T) {
	sink := &flowSink{}
	d := NewDebouncer(0, 0, nil, sink.handle)

	d.Enqueue(inbound("a@s.whatsapp.net", "uno"))
	require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDebouncer_WaitsForContactToStopTyping(t *testing.T) {
	sink := &flowSink{}
	tracker := chatpresence.NewTracker(5 * time.Second)
	tracker.Update("c1", "a@s.whatsapp.net", true, false)

	d := NewDebouncer(10*time.Millisecond, 2*time.Second, tracker, sink.handle)
	defer d.Stop()

	start := time.Now()
	d.Enqueue(inbound("a@s.whatsapp.net", "uno"))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, sink.len())

	tracker.Clear("c1", "a@s.whatsapp.net")
	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	assert.GreaterOrEqual(t, sink.at[0].Sub(start), 300*time.Millisecond)
	sink.mu.Unlock()
}

func TestDebouncer_NilHandler(t *testing.T) {
	d := NewDebouncer(0, 0, nil, nil)
	assert.NotPanics(t, func() { d.Enqueue(inbound("a@s.whatsapp.net", "uno")) })
}

func TestDebouncer_BurstDeliversLatestOnly(t *testing.T) {
	sink := &flowSink{}
	d := NewDebouncer(30*time.Millisecond, 0, nil, sink.handle)
	defer d.Stop()

	d.Enqueue(inbound("a@s.whatsapp.net", "uno"))
	d.Enqueue(inbound("a@s.whatsapp.net", "dos"))
	assert.Equal(t, 1, d.Pending())

	require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "dos", sink.msgs[0].Text)
}

func TestDebouncer_SweepDropsStaleEntries(t *testing.T) {
	sink := &flowSink{}
	d := NewDebouncer(time.Hour, 0, nil, sink.handle)
	defer d.Stop()

	d.Enqueue(inbound("a@s.whatsapp.net", "uno"))
	assert.Equal(t, 0, d.Sweep(time.Hour))
	assert.Equal(t, 1, d.Pending())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Sweep(10*time.Millisecond))
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 0, sink.len())
}

func TestDebouncer_SweepCancelsStuckFlow(t *testing.T) {
	cancelled := make(chan struct{})
	d := NewDebouncer(0, 0, nil, func(ctx context.Context, _ message.InboundMessage) {
		<-ctx.Done()
		close(cancelled)
	})

	d.Enqueue(inbound("a@s.whatsapp.net", "uno"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Sweep(10*time.Millisecond))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("flow was not cancelled")
	}
}

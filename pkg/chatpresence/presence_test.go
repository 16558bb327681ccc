package chatpresence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_ComposingExpires(t *testing.T) {
	tr := NewTracker(50 * time.Millisecond)
	tr.Update("conn", "chat", true, false)
	assert.True(t, tr.IsComposing("conn", "chat"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, tr.IsComposing("conn", "chat"), "stale composing must not be trusted")
}

func TestTracker_WaitIdleReturnsWhenCleared(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.pollEvery = 10 * time.Millisecond
	tr.Update("conn", "chat", true, false)

	go func() {
		time.Sleep(30 * time.Millisecond)
		tr.Clear("conn", "chat")
	}()

	assert.True(t, tr.WaitIdle(context.Background(), "conn", "chat", time.Second))
}

func TestTracker_WaitIdleTimeout(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.pollEvery = 10 * time.Millisecond
	tr.Update("conn", "chat", false, true)

	assert.False(t, tr.WaitIdle(context.Background(), "conn", "chat", 40*time.Millisecond))
}

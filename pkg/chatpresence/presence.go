package chatpresence

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultStaleAfter is how long a composing signal is trusted without a refresh.
const DefaultStaleAfter = 12 * time.Second

type entry struct {
	composing bool
	recording bool
	updatedAt time.Time
}

// Tracker remembers which remote contacts are currently composing, per connection.
type Tracker struct {
	mu         sync.Mutex
	store      map[string]entry
	staleAfter time.Duration
	pollEvery  time.Duration
}

func NewTracker(staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Tracker{
		store:      make(map[string]entry),
		staleAfter: staleAfter,
		pollEvery:  250 * time.Millisecond,
	}
}

func key(connectionID, chatJID string) string {
	return connectionID + "|" + chatJID
}

// Update records the latest chat state reported for a contact.
func (t *Tracker) Update(connectionID, chatJID string, composing, recording bool) {
	connectionID = strings.TrimSpace(connectionID)
	chatJID = strings.TrimSpace(chatJID)
	if connectionID == "" || chatJID == "" {
		return
	}

	t.mu.Lock()
	t.store[key(connectionID, chatJID)] = entry{
		composing: composing,
		recording: recording,
		updatedAt: time.Now(),
	}
	t.mu.Unlock()
}

// Clear drops the state for a contact, e.g. when a message from them arrives.
func (t *Tracker) Clear(connectionID, chatJID string) {
	t.mu.Lock()
	delete(t.store, key(connectionID, chatJID))
	t.mu.Unlock()
}

func (t *Tracker) IsComposing(connectionID, chatJID string) bool {
	k := key(strings.TrimSpace(connectionID), strings.TrimSpace(chatJID))

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.store[k]
	if !ok {
		return false
	}
	if time.Since(e.updatedAt) > t.staleAfter {
		delete(t.store, k)
		return false
	}
	return e.composing || e.recording
}

// WaitIdle blocks until the contact stops composing, the timeout elapses or ctx ends.
// Returns true only when the contact is idle.
func (t *Tracker) WaitIdle(ctx context.Context, connectionID, chatJID string, timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(t.pollEvery)
	defer poll.Stop()

	for {
		if !t.IsComposing(connectionID, chatJID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-poll.C:
		}
	}
}

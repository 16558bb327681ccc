package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is a multi-chunk reply in flight to one recipient.
type QueuedMessage struct {
	ID           string
	RecipientKey string
	Chunks       []string
	CreatedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu serializes the actual send against cancellation.
	sendMu sync.Mutex

	mu        sync.Mutex
	next      int
	sent      int
	cancelled bool

	done     chan struct{}
	doneOnce sync.Once
}

func (m *QueuedMessage) Context() context.Context { return m.ctx }

// Done is closed once the queue has completed or cancelled the message.
func (m *QueuedMessage) Done() <-chan struct{} { return m.done }

func (m *QueuedMessage) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func (m *QueuedMessage) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// Fire sends the next pending chunk unless the message was cancelled.
// Cancellation waits for an in-flight Fire, so a chunk is either fully sent or never sent.
func (m *QueuedMessage) Fire(send func(index int, chunk string) error) (bool, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.cancelled || m.next >= len(m.Chunks) {
		m.mu.Unlock()
		return false, nil
	}
	idx := m.next
	m.mu.Unlock()

	err := send(idx, m.Chunks[idx])

	m.mu.Lock()
	m.next++
	if err == nil {
		m.sent++
	}
	m.mu.Unlock()
	return true, err
}

// abort marks the message cancelled and returns how many chunks will never be sent.
func (m *QueuedMessage) abort() int {
	m.mu.Lock()
	m.cancelled = true
	m.mu.Unlock()
	m.cancel()

	// wait out a send in progress
	m.sendMu.Lock()
	m.sendMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Chunks) - m.next
}

func (m *QueuedMessage) finish() {
	m.cancel()
	m.doneOnce.Do(func() { close(m.done) })
}

// Queue indexes live multi-chunk messages by recipient key (connection|jid).
type Queue struct {
	mu    sync.Mutex
	byKey map[string]map[string]*QueuedMessage
}

func NewQueue() *Queue {
	return &Queue{byKey: make(map[string]map[string]*QueuedMessage)}
}

// RecipientKey builds the queue key for a recipient of a connection.
func RecipientKey(connectionID, jid string) string {
	return connectionID + "|" + jid
}

func (q *Queue) Register(key string, chunks []string) *QueuedMessage {
	ctx, cancel := context.WithCancel(context.Background())
	msg := &QueuedMessage{
		ID:           uuid.NewString(),
		RecipientKey: key,
		Chunks:       append([]string(nil), chunks...),
		CreatedAt:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	set, ok := q.byKey[key]
	if !ok {
		set = make(map[string]*QueuedMessage)
		q.byKey[key] = set
	}
	set[msg.ID] = msg
	return msg
}

// CancelRecipient cancels every live message for key and returns the number of dropped chunks.
func (q *Queue) CancelRecipient(key string) int {
	q.mu.Lock()
	set := q.byKey[key]
	delete(q.byKey, key)
	q.mu.Unlock()

	dropped := 0
	for _, msg := range set {
		dropped += msg.abort()
		msg.finish()
	}
	return dropped
}

func (q *Queue) IsLive(msg *QueuedMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[msg.RecipientKey][msg.ID]
	return ok
}

// Complete removes msg from the index.
func (q *Queue) Complete(msg *QueuedMessage) {
	q.remove(msg)
	msg.finish()
}

// Sweep cancels messages older than maxAge and returns how many were removed.
func (q *Queue) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var stale []*QueuedMessage

	q.mu.Lock()
	for _, set := range q.byKey {
		for _, msg := range set {
			if msg.CreatedAt.Before(cutoff) {
				stale = append(stale, msg)
			}
		}
	}
	q.mu.Unlock()

	for _, msg := range stale {
		q.remove(msg)
		msg.abort()
		msg.finish()
	}
	return len(stale)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, set := range q.byKey {
		n += len(set)
	}
	return n
}

func (q *Queue) remove(msg *QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	set, ok := q.byKey[msg.RecipientKey]
	if !ok {
		return
	}
	delete(set, msg.ID)
	if len(set) == 0 {
		delete(q.byKey, msg.RecipientKey)
	}
}

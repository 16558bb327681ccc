package application

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/common"
	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/connection/repository"
	"github.com/AzielCF/az-wap-connector/core/config"
	pkgError "github.com/AzielCF/az-wap-connector/pkg/error"
	"github.com/stretchr/testify/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Connection: config.ConnectionConfig{
			ConnectTimeout: 2 * time.Second,
			QRDedupWindow:  12 * time.Second,
			QRTimeout:      2 * time.Second,
			LogoutTimeout:  100 * time.Millisecond,
		},
		Health: config.HealthConfig{
			PingTimeout:      100 * time.Millisecond,
			LatencyWindow:    10,
			DegradedLatency:  2 * time.Second,
			UnhealthyLatency: 5 * time.Second,
		},
		Reconnect: defaultReconnectConfig(),
		Session: config.SessionConfig{
			MaxBackupsPerConnection: 5,
			MaxBackupBytes:          100 << 20,
		},
	}
}

// fakeClient is a scriptable protocol.Client.
type fakeClient struct {
	id        string
	events    chan protocol.Event
	connected atomic.Bool
	closed    atomic.Bool
	pingErr   atomic.Value // error
	logouts   atomic.Int32
	closeOnce sync.Once
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id, events: make(chan protocol.Event, 16)}
}

func (c *fakeClient) emit(evt protocol.Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	if evt.Kind == protocol.EventOpen {
		c.connected.Store(true)
	}
	c.events <- evt
}

func (c *fakeClient) setPingErr(err error) { c.pingErr.Store(&err) }

func (c *fakeClient) Connect(ctx context.Context) error { return nil }
func (c *fakeClient) Disconnect()                       { c.connected.Store(false) }
func (c *fakeClient) Close() {
	c.closeOnce.Do(func() { c.closed.Store(true) })
}
func (c *fakeClient) Logout(ctx context.Context) error {
	c.logouts.Add(1)
	return nil
}
func (c *fakeClient) Events() <-chan protocol.Event { return c.events }
func (c *fakeClient) IsConnected() bool             { return c.connected.Load() }
func (c *fakeClient) SelfJID() string               { return "5215551234567@s.whatsapp.net" }
func (c *fakeClient) Ping(ctx context.Context) error {
	if v, ok := c.pingErr.Load().(*error); ok && v != nil {
		return *v
	}
	return nil
}
func (c *fakeClient) SendText(ctx context.Context, to, text, quotedID string) (common.SendResponse, error) {
	return common.SendResponse{MessageID: "m1", Timestamp: time.Now()}, nil
}
func (c *fakeClient) SendMedia(ctx context.Context, to string, media common.MediaUpload) (common.SendResponse, error) {
	return common.SendResponse{}, nil
}
func (c *fakeClient) SendPoll(ctx context.Context, to, question string, options []string, selectable int) (common.PollSendResponse, error) {
	return common.PollSendResponse{}, nil
}
func (c *fakeClient) SendPresence(ctx context.Context, to string, presence protocol.Presence) error {
	return nil
}
func (c *fakeClient) ResolveLID(ctx context.Context, lid string) (string, error) { return "", nil }
func (c *fakeClient) GroupMetadata(ctx context.Context, jid string) (common.GroupInfo, error) {
	return common.GroupInfo{}, nil
}
func (c *fakeClient) Download(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	return nil, nil
}
func (c *fakeClient) DownloadDirect(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	return nil, nil
}
func (c *fakeClient) DownloadStream(ctx context.Context, ref *protocol.MediaRef, dst *os.File) error {
	return nil
}
func (c *fakeClient) DecryptPollVote(ctx context.Context, msg *protocol.RawMessage) ([][]byte, error) {
	return nil, nil
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeClient
	delay   time.Duration
}

func (f *fakeFactory) New(ctx context.Context, connectionID, sessionDir string) (protocol.Client, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	c := newFakeClient(connectionID)
	f.mu.Lock()
	f.created = append(f.created, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// memStorage keeps channel connections in memory; the inbound tables are unused here.
type memStorage struct {
	mu    sync.Mutex
	conns map[string]*message.ChannelConnection
}

func newMemStorage(records ...message.ChannelConnection) *memStorage {
	s := &memStorage{conns: make(map[string]*message.ChannelConnection)}
	for i := range records {
		r := records[i]
		s.conns[r.ID] = &r
	}
	return s
}

func (s *memStorage) status(id string) connection.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[id]; ok {
		return c.Status
	}
	return ""
}

func (s *memStorage) GetChannelConnection(ctx context.Context, id string) (*message.ChannelConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, pkgError.NotFoundError("not found")
	}
	cp := *c
	return &cp, nil
}
func (s *memStorage) ListChannelConnections(ctx context.Context) ([]message.ChannelConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []message.ChannelConnection
	for _, c := range s.conns {
		res = append(res, *c)
	}
	return res, nil
}
func (s *memStorage) UpsertChannelConnection(ctx context.Context, conn *message.ChannelConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conn
	s.conns[conn.ID] = &cp
	return nil
}
func (s *memStorage) UpdateChannelConnectionStatus(ctx context.Context, id string, status connection.Status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[id]; ok {
		c.Status = status
		c.LastError = lastError
	}
	return nil
}
func (s *memStorage) UpdateChannelConnection(ctx context.Context, id string, upd message.ChannelConnectionUpdate) error {
	return nil
}
func (s *memStorage) GetOrCreateContact(ctx context.Context, in message.ContactInput) (*message.Contact, error) {
	return nil, nil
}
func (s *memStorage) FindContactBySenderLID(ctx context.Context, connectionID, lid string) (*message.Contact, error) {
	return nil, nil
}
func (s *memStorage) GetConversationByContactAndChannel(ctx context.Context, contactID, channelID string) (*message.Conversation, error) {
	return nil, nil
}
func (s *memStorage) CreateConversation(ctx context.Context, conv *message.Conversation) error {
	return nil
}
func (s *memStorage) UpdateConversation(ctx context.Context, id string, upd message.ConversationUpdate) error {
	return nil
}
func (s *memStorage) CreateMessage(ctx context.Context, msg *message.Message) error { return nil }
func (s *memStorage) GetMessageByExternalID(ctx context.Context, conversationID, externalID string) (*message.Message, error) {
	return nil, nil
}

// mockBus records published events through testify/mock.
type mockBus struct {
	mock.Mock
	mu     sync.Mutex
	events []message.Event
}

func newMockBus() *mockBus {
	b := &mockBus{}
	b.On("Publish", mock.Anything, mock.Anything).Return()
	return b
}

func (b *mockBus) Publish(ctx context.Context, evt message.Event) {
	b.mu.Lock()
	b.events = append(b.events, evt)
	b.mu.Unlock()
	b.Called(ctx, evt)
}

func (b *mockBus) count(t message.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// statuses lists the published status updates of a connection in order.
func (b *mockBus) statuses(connectionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res []string
	for _, e := range b.events {
		if e.Type != message.EventConnectionStatusUpdate || e.ConnectionID != connectionID {
			continue
		}
		if p, ok := e.Payload.(map[string]any); ok {
			res = append(res, p["status"].(string))
		}
	}
	return res
}

// countingLock records how often each held lock was extended.
type countingLock struct {
	*repository.MemoryAttemptLock
	mu      sync.Mutex
	extends map[string]int
}

func newCountingLock() *countingLock {
	return &countingLock{MemoryAttemptLock: repository.NewMemoryAttemptLock(), extends: make(map[string]int)}
}

func (l *countingLock) Extend(ctx context.Context, connectionID string) (bool, error) {
	l.mu.Lock()
	l.extends[connectionID]++
	l.mu.Unlock()
	return l.MemoryAttemptLock.Extend(ctx, connectionID)
}

func (l *countingLock) count(connectionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extends[connectionID]
}

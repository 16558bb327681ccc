package outbound

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/common"
	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/connection/repository"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sendClient records everything the pipeline sends.
type sendClient struct {
	mu        sync.Mutex
	texts     []string
	media     []common.MediaUpload
	presences []protocol.Presence
	seq       atomic.Int32
}

func (c *sendClient) nextID() string {
	return fmt.Sprintf("out-%d", c.seq.Add(1))
}

func (c *sendClient) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func (c *sendClient) SendText(ctx context.Context, to, text, quotedID string) (common.SendResponse, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return common.SendResponse{MessageID: c.nextID(), Timestamp: time.Now()}, nil
}
func (c *sendClient) SendMedia(ctx context.Context, to string, media common.MediaUpload) (common.SendResponse, error) {
	c.mu.Lock()
	c.media = append(c.media, media)
	c.mu.Unlock()
	return common.SendResponse{MessageID: c.nextID(), Timestamp: time.Now()}, nil
}
func (c *sendClient) SendPoll(ctx context.Context, to, question string, options []string, selectable int) (common.PollSendResponse, error) {
	return common.PollSendResponse{
		SendResponse: common.SendResponse{MessageID: c.nextID(), Timestamp: time.Now()},
		EncKey:       []byte("0123456789abcdef0123456789abcdef"),
	}, nil
}
func (c *sendClient) SendPresence(ctx context.Context, to string, presence protocol.Presence) error {
	c.mu.Lock()
	c.presences = append(c.presences, presence)
	c.mu.Unlock()
	return nil
}
func (c *sendClient) ResolveLID(ctx context.Context, lid string) (string, error) { return "", nil }
func (c *sendClient) GroupMetadata(ctx context.Context, jid string) (common.GroupInfo, error) {
	return common.GroupInfo{}, nil
}
func (c *sendClient) Download(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	return nil, nil
}
func (c *sendClient) DownloadDirect(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	return nil, nil
}
func (c *sendClient) DownloadStream(ctx context.Context, ref *protocol.MediaRef, dst *os.File) error {
	return nil
}
func (c *sendClient) DecryptPollVote(ctx context.Context, msg *protocol.RawMessage) ([][]byte, error) {
	return nil, nil
}
func (c *sendClient) Connect(ctx context.Context) error { return nil }
func (c *sendClient) Disconnect()                       {}
func (c *sendClient) Close()                            {}
func (c *sendClient) Logout(ctx context.Context) error  { return nil }
func (c *sendClient) Events() <-chan protocol.Event     { return nil }
func (c *sendClient) IsConnected() bool                 { return true }
func (c *sendClient) SelfJID() string                   { return "5215550000000@s.whatsapp.net" }
func (c *sendClient) Ping(ctx context.Context) error    { return nil }

// fakeConns stands in for the supervisor.
type fakeConns struct {
	clients     map[string]protocol.Client
	sent        atomic.Int64
	rateLimited atomic.Int64
}

func (f *fakeConns) Client(id string) (protocol.Client, bool) {
	c, ok := f.clients[id]
	return c, ok
}
func (f *fakeConns) Owner(id string) (connection.Owner, bool) {
	return connection.Owner{TenantID: "tenant-1"}, true
}
func (f *fakeConns) RecordSent(string)        { f.sent.Add(1) }
func (f *fakeConns) RecordRateLimited(string) { f.rateLimited.Add(1) }

// busRecorder collects published events.
type busRecorder struct {
	mu     sync.Mutex
	events []message.Event
}

func (b *busRecorder) Publish(_ context.Context, evt message.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *busRecorder) count(t message.EventType) int {
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

func newStorage(t *testing.T) *repository.StorageGormRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := repository.NewStorageGormRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

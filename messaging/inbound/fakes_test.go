package inbound

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/AzielCF/az-wap-connector/connection/domain/common"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/connection/repository"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const selfJID = "5215550000000@s.whatsapp.net"

// recvClient is a protocol.Client whose read side is scriptable.
type recvClient struct {
	mu        sync.Mutex
	lids      map[string]string
	groups    map[string]common.GroupInfo
	download  func(ref *protocol.MediaRef) ([]byte, error)
	direct    func(ref *protocol.MediaRef) ([]byte, error)
	stream    func(ref *protocol.MediaRef, dst *os.File) error
	decrypt   func(msg *protocol.RawMessage) ([][]byte, error)
	lidLookup int
	groupHits int
	calls     []string
}

func newRecvClient() *recvClient {
	return &recvClient{lids: map[string]string{}, groups: map[string]common.GroupInfo{}}
}

func (c *recvClient) called(name string) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
}

func (c *recvClient) ResolveLID(ctx context.Context, lid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lidLookup++
	return c.lids[lid], nil
}
func (c *recvClient) GroupMetadata(ctx context.Context, jid string) (common.GroupInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groupHits++
	info, ok := c.groups[jid]
	if !ok {
		return common.GroupInfo{}, errors.New("not in group")
	}
	return info, nil
}
func (c *recvClient) Download(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	c.called("download")
	if c.download == nil {
		return nil, errors.New("download unavailable")
	}
	return c.download(ref)
}
func (c *recvClient) DownloadDirect(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	c.called("direct")
	if c.direct == nil {
		return nil, errors.New("direct unavailable")
	}
	return c.direct(ref)
}
func (c *recvClient) DownloadStream(ctx context.Context, ref *protocol.MediaRef, dst *os.File) error {
	c.called("stream")
	if c.stream == nil {
		return errors.New("stream unavailable")
	}
	return c.stream(ref, dst)
}
func (c *recvClient) DecryptPollVote(ctx context.Context, msg *protocol.RawMessage) ([][]byte, error) {
	if c.decrypt == nil {
		return nil, errors.New("no secret in store")
	}
	return c.decrypt(msg)
}
func (c *recvClient) SendText(ctx context.Context, to, text, quotedID string) (common.SendResponse, error) {
	return common.SendResponse{}, nil
}
func (c *recvClient) SendMedia(ctx context.Context, to string, media common.MediaUpload) (common.SendResponse, error) {
	return common.SendResponse{}, nil
}
func (c *recvClient) SendPoll(ctx context.Context, to, question string, options []string, selectable int) (common.PollSendResponse, error) {
	return common.PollSendResponse{}, nil
}
func (c *recvClient) SendPresence(ctx context.Context, to string, presence protocol.Presence) error {
	return nil
}
func (c *recvClient) Connect(ctx context.Context) error { return nil }
func (c *recvClient) Disconnect()                       {}
func (c *recvClient) Close()                            {}
func (c *recvClient) Logout(ctx context.Context) error  { return nil }
func (c *recvClient) Events() <-chan protocol.Event     { return nil }
func (c *recvClient) IsConnected() bool                 { return true }
func (c *recvClient) SelfJID() string                   { return selfJID }
func (c *recvClient) Ping(ctx context.Context) error    { return nil }

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

type cancelRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (c *cancelRecorder) CancelRecipient(connectionID, jid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, connectionID+"|"+jid)
	return 0
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

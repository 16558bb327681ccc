package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/connection/repository"
	pkgError "github.com/AzielCF/az-wap-connector/pkg/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var owner = connection.Owner{TenantID: "t1", UserID: "u1"}

type harness struct {
	sup      *Supervisor
	factory  *fakeFactory
	storage  *memStorage
	bus      *mockBus
	sessions *repository.SessionStore
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	cfg := testConfig()
	h := &harness{
		factory:  &fakeFactory{},
		storage:  newMemStorage(message.ChannelConnection{ID: "conn-1", TenantID: "t1", Status: connection.StatusDisconnected}),
		bus:      newMockBus(),
		sessions: repository.NewSessionStore(t.TempDir(), nil, cfg.Session),
	}
	d := Deps{
		Config:   cfg,
		Factory:  h.factory,
		Sessions: h.sessions,
		Storage:  h.storage,
		Bus:      h.bus,
		Lock:     repository.NewMemoryAttemptLock(),
	}
	for _, m := range mutate {
		m(&d)
	}
	h.sup = NewSupervisor(d)
	t.Cleanup(func() { h.sup.Shutdown(context.Background()) })
	return h
}

func (h *harness) status(id string) connection.Status {
	st, _ := h.sup.State(id)
	return st.Status
}

func (h *harness) connectAndOpen(t *testing.T) *fakeClient {
	t.Helper()
	require.NoError(t, h.sup.Connect(context.Background(), "conn-1", owner))
	client := h.factory.last()
	require.NotNil(t, client)
	client.emit(protocol.Event{Kind: protocol.EventOpen})
	require.Eventually(t, func() bool { return h.status("conn-1") == connection.StatusConnected }, time.Second, 5*time.Millisecond)
	return client
}

func TestSupervisor_ConcurrentConnectOpensOneHandle(t *testing.T) {
	h := newHarness(t)
	h.factory.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.sup.Connect(context.Background(), "conn-1", owner)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.factory.count())
	assert.Equal(t, connection.StatusConnecting, h.status("conn-1"))
}

func TestSupervisor_TenantMismatchIsRejected(t *testing.T) {
	h := newHarness(t)

	err := h.sup.Connect(context.Background(), "conn-1", connection.Owner{TenantID: "intruder"})
	var authz pkgError.AuthorizationError
	require.ErrorAs(t, err, &authz)
	assert.False(t, pkgError.IsRetryable(err))
	assert.Zero(t, h.factory.count())

	err = h.sup.Connect(context.Background(), "missing", owner)
	var nf pkgError.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSupervisor_OpenMarksConnected(t *testing.T) {
	h := newHarness(t)
	client := h.connectAndOpen(t)

	st, ok := h.sup.State("conn-1")
	require.True(t, ok)
	assert.Equal(t, "5215551234567@s.whatsapp.net", st.PhoneNumber)
	assert.Equal(t, 100, st.HealthScore)
	assert.Equal(t, connection.StatusConnected, h.storage.status("conn-1"))

	got, ok := h.sup.Client("conn-1")
	require.True(t, ok)
	assert.Same(t, client, got)

	_, monitored := h.sup.Health().Snapshot("conn-1")
	assert.True(t, monitored)
	h.bus.AssertCalled(t, "Publish", mock.Anything, mock.MatchedBy(func(e message.Event) bool {
		return e.Type == message.EventConnectionStatusUpdate && e.TenantID == "t1"
	}))

	// a second Connect on a live connection is a no-op
	require.NoError(t, h.sup.Connect(context.Background(), "conn-1", owner))
	assert.Equal(t, 1, h.factory.count())
}

func TestSupervisor_ConnectionLostSchedulesHighPriorityReconnect(t *testing.T) {
	h := newHarness(t)
	client := h.connectAndOpen(t)

	client.emit(protocol.Event{Kind: protocol.EventClose, Close: &protocol.CloseInfo{Reason: protocol.CloseConnectionLost}})

	require.Eventually(t, func() bool { return h.status("conn-1") == connection.StatusReconnecting }, time.Second, 5*time.Millisecond)
	assert.True(t, h.sup.Scheduler().IsScheduled("conn-1"))
	assert.True(t, client.closed.Load())

	h.sup.Scheduler().mu.Lock()
	item := h.sup.Scheduler().queued["conn-1"]
	h.sup.Scheduler().mu.Unlock()
	require.NotNil(t, item)
	assert.Equal(t, connection.PriorityHigh, item.task.Priority)
}

func TestSupervisor_LoggedOutPurgesCredentials(t *testing.T) {
	h := newHarness(t)
	client := h.connectAndOpen(t)
	require.NoError(t, h.sessions.WriteMeta("conn-1", connection.SessionMeta{JID: "x@s.whatsapp.net"}))

	client.emit(protocol.Event{Kind: protocol.EventClose, Close: &protocol.CloseInfo{Reason: protocol.CloseLoggedOut}})

	require.Eventually(t, func() bool { return h.status("conn-1") == connection.StatusLoggedOut }, time.Second, 5*time.Millisecond)
	assert.False(t, h.sessions.Exists("conn-1"))
	assert.False(t, h.sup.Scheduler().IsScheduled("conn-1"))
	h.bus.AssertCalled(t, "Publish", mock.Anything, mock.MatchedBy(func(e message.Event) bool {
		p, ok := e.Payload.(map[string]any)
		return e.Type == message.EventConnectionError && ok && p["code"] == "AUTHENTICATION_ERROR"
	}))
}

func TestSupervisor_StreamReplacedIsNotRetried(t *testing.T) {
	h := newHarness(t)
	client := h.connectAndOpen(t)

	client.emit(protocol.Event{Kind: protocol.EventClose, Close: &protocol.CloseInfo{Reason: protocol.CloseReplaced, Message: "replaced"}})

	require.Eventually(t, func() bool { return h.status("conn-1") == connection.StatusError }, time.Second, 5*time.Millisecond)
	assert.False(t, h.sup.Scheduler().IsScheduled("conn-1"))
}

func TestSupervisor_QRDedupAndExpiry(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.Connection.QRTimeout = 80 * time.Millisecond })
	require.NoError(t, h.sup.Connect(context.Background(), "conn-1", owner))
	client := h.factory.last()

	client.emit(protocol.Event{Kind: protocol.EventQR, QR: "2@abc"})
	client.emit(protocol.Event{Kind: protocol.EventQR, QR: "2@abc"})
	require.Eventually(t, func() bool { return h.status("conn-1") == connection.StatusQRCode }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return h.status("conn-1") == connection.StatusDisconnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.bus.count(message.EventQRCode))
	st, _ := h.sup.State("conn-1")
	assert.Empty(t, st.LastQR)
	assert.True(t, client.closed.Load())

	// attempt released: a new connect opens a new handle
	require.NoError(t, h.sup.Connect(context.Background(), "conn-1", owner))
	assert.Equal(t, 2, h.factory.count())
}

func TestSupervisor_QRExtendsAttemptLock(t *testing.T) {
	lock := newCountingLock()
	h := newHarness(t, func(d *Deps) { d.Lock = lock })
	require.NoError(t, h.sup.Connect(context.Background(), "conn-1", owner))
	client := h.factory.last()

	client.emit(protocol.Event{Kind: protocol.EventQR, QR: "2@abc"})
	client.emit(protocol.Event{Kind: protocol.EventQR, QR: "2@def"})
	require.Eventually(t, func() bool { return lock.count("conn-1") == 2 }, time.Second, 5*time.Millisecond)

	// still held, so another attempt is refused
	ok, err := lock.Acquire(context.Background(), "conn-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSupervisor_ConnectTimeout(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.Connection.ConnectTimeout = 40 * time.Millisecond })
	require.NoError(t, h.sup.Connect(context.Background(), "conn-1", owner))

	require.Eventually(t, func() bool { return h.status("conn-1") == connection.StatusError }, time.Second, 5*time.Millisecond)
	st, _ := h.sup.State("conn-1")
	assert.Equal(t, "connect timeout", st.LastError)
	// user-initiated attempts are not retried automatically
	assert.False(t, h.sup.Scheduler().IsScheduled("conn-1"))
}

func TestSupervisor_UnhealthyConnectionIsRescheduled(t *testing.T) {
	h := newHarness(t)
	client := h.connectAndOpen(t)

	h.sup.Health().setSnapshot("conn-1", connection.HealthSnapshot{Score: 15, ConsecutiveFailures: 1, ErrorCount: 1})
	client.setPingErr(errors.New("usync failed"))

	snap, ok := h.sup.Health().Check(context.Background(), "conn-1")
	require.True(t, ok)
	assert.Equal(t, 0, snap.Score)
	assert.Equal(t, 2, snap.ConsecutiveFailures)

	assert.Equal(t, connection.StatusReconnecting, h.status("conn-1"))
	assert.True(t, h.sup.Scheduler().IsScheduled("conn-1"))
	_, monitored := h.sup.Health().Snapshot("conn-1")
	assert.False(t, monitored)
}

func TestSupervisor_DisconnectPurgesAndForgets(t *testing.T) {
	h := newHarness(t)
	client := h.connectAndOpen(t)
	require.NoError(t, h.sessions.WriteMeta("conn-1", connection.SessionMeta{JID: "x@s.whatsapp.net"}))

	require.NoError(t, h.sup.Disconnect(context.Background(), "conn-1", owner))

	assert.Equal(t, int32(1), client.logouts.Load())
	assert.True(t, client.closed.Load())
	assert.False(t, h.sessions.Exists("conn-1"))
	_, ok := h.sup.State("conn-1")
	assert.False(t, ok)
	assert.Equal(t, connection.StatusDisconnected, h.storage.status("conn-1"))
}

func TestSupervisor_DisconnectDuringConnectAttempt(t *testing.T) {
	h := newHarness(t)
	h.factory.delay = 200 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- h.sup.Connect(context.Background(), "conn-1", owner) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.sup.Disconnect(context.Background(), "conn-1", owner))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}

	_, live := h.sup.handle("conn-1")
	assert.False(t, live)
	_, ok := h.sup.State("conn-1")
	assert.False(t, ok)
	assert.Equal(t, connection.StatusDisconnected, h.storage.status("conn-1"))
	assert.False(t, h.sessions.Exists("conn-1"))
	require.Equal(t, 1, h.factory.count())
	assert.True(t, h.factory.last().closed.Load())
	assert.NotContains(t, h.bus.statuses("conn-1"), string(connection.StatusConnecting))

	// the id is free again
	h.factory.delay = 0
	require.NoError(t, h.sup.Connect(context.Background(), "conn-1", owner))
	assert.Equal(t, 2, h.factory.count())
}

func TestSupervisor_ReconnectBacksUpBeforeFourthAttempt(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sessions.WriteMeta("conn-1", connection.SessionMeta{JID: "x@s.whatsapp.net"}))

	task := connection.ReconnectTask{ConnectionID: "conn-1", Owner: owner}
	require.NoError(t, h.sup.Reconnect(context.Background(), task, 4))

	backups, err := h.sessions.Backups("conn-1")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
	assert.True(t, h.sessions.Exists("conn-1"))
	assert.Equal(t, 1, h.factory.count())
}

func TestSupervisor_ReconnectRepairsCorruptedSession(t *testing.T) {
	h := newHarness(t)
	// unparseable meta.json fails validation
	dir, err := h.sessions.Ensure("conn-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.db"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), []byte("{"), 0o600))

	task := connection.ReconnectTask{ConnectionID: "conn-1", Owner: owner}
	require.NoError(t, h.sup.Reconnect(context.Background(), task, 6))

	backups, err := h.sessions.Backups("conn-1")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
	assert.Equal(t, 1, h.factory.count())
	assert.Equal(t, 0, h.sup.Scheduler().Attempts("conn-1"))
	statuses := h.bus.statuses("conn-1")
	require.NotEmpty(t, statuses)
	assert.Equal(t, string(connection.StatusQRCode), statuses[0])
	assert.Contains(t, statuses, string(connection.StatusConnecting))
}

func TestSupervisor_RestoreEnqueuesKnownSessions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.storage.UpsertChannelConnection(context.Background(), &message.ChannelConnection{ID: "conn-2", TenantID: "t2", Status: connection.StatusConnected}))
	require.NoError(t, h.sessions.WriteMeta("conn-2", connection.SessionMeta{JID: "y@s.whatsapp.net"}))
	// conn-1 is disconnected in storage and has no session

	n, err := h.sup.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.sup.Scheduler().IsScheduled("conn-2"))
	assert.False(t, h.sup.Scheduler().IsScheduled("conn-1"))
}

package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/core/config"
	pkgError "github.com/AzielCF/az-wap-connector/pkg/error"
	"github.com/sirupsen/logrus"
)

// InboundHandler receives decoded protocol traffic for persistence and routing.
type InboundHandler interface {
	HandleMessage(ctx context.Context, connectionID string, owner connection.Owner, client protocol.Client, raw *protocol.RawMessage)
	HandleHistory(ctx context.Context, connectionID string, owner connection.Owner, client protocol.Client, batch *protocol.HistoryBatch) (stored, skipped int, err error)
}

// Deps groups the collaborators of the Supervisor.
type Deps struct {
	Config   *config.Config
	Factory  protocol.Factory
	Sessions connection.SessionManager
	Storage  message.IStorage
	Bus      message.IEventBus
	Lock     connection.AttemptLock
	Inbound  InboundHandler
}

// managedConn is one live protocol handle plus the timers of its current attempt.
type managedConn struct {
	id     string
	owner  connection.Owner
	client protocol.Client
	cancel context.CancelFunc

	intentional   atomic.Bool
	fromScheduler bool
	qrSeen        bool

	releaseOnce sync.Once
	releaseSlot func()

	connectTimer *time.Timer
	qrTimer      *time.Timer
}

// attempt marks a connect or disconnect in progress for one id. done is closed
// when the setup phase of its owner returns.
type attempt struct {
	cancel    context.CancelFunc
	done      chan struct{}
	exclusive bool
}

func (mc *managedConn) freeSlot() {
	mc.releaseOnce.Do(func() {
		if mc.releaseSlot != nil {
			mc.releaseSlot()
		}
	})
}

// Supervisor owns the lifecycle of every tenant connection: connect attempts,
// event handling, health and reconnection.
type Supervisor struct {
	cfg      *config.Config
	factory  protocol.Factory
	sessions connection.SessionManager
	storage  message.IStorage
	bus      message.IEventBus
	lock     connection.AttemptLock
	inbound  InboundHandler

	limiter   *ConnectLimiter
	scheduler *ReconnectScheduler
	health    *HealthMonitor

	mu       sync.Mutex
	conns    map[string]*managedConn
	states   map[string]*connection.State
	attempts map[string]*attempt

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSupervisor(d Deps) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      d.Config,
		factory:  d.Factory,
		sessions: d.Sessions,
		storage:  d.Storage,
		bus:      d.Bus,
		lock:     d.Lock,
		inbound:  d.Inbound,
		limiter:  NewConnectLimiter(d.Config.Reconnect.GlobalConnectLimit, d.Config.Reconnect.TenantConnectLimit),
		conns:    make(map[string]*managedConn),
		states:   make(map[string]*connection.State),
		attempts: make(map[string]*attempt),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.scheduler = NewReconnectScheduler(d.Config.Reconnect, s)
	s.health = NewHealthMonitor(d.Config.Health, s.handle)
	s.health.OnSnapshot = s.onHealth
	s.health.OnUnhealthy = func(id string) { s.ForceReconnect(id, "health check failed") }
	return s
}

// SetInbound wires the inbound processor, which itself depends on the supervisor.
func (s *Supervisor) SetInbound(h InboundHandler) {
	s.inbound = h
}

func (s *Supervisor) Scheduler() *ReconnectScheduler { return s.scheduler }

func (s *Supervisor) Health() *HealthMonitor { return s.health }

// Start launches the reconnect workers.
func (s *Supervisor) Start(ctx context.Context) {
	s.scheduler.Start(ctx)
}

// --- Read API ---

func (s *Supervisor) State(connectionID string) (connection.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[connectionID]
	if !ok {
		return connection.State{}, false
	}
	return st.Clone(), true
}

func (s *Supervisor) States() []connection.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]connection.State, 0, len(s.states))
	for _, st := range s.states {
		res = append(res, st.Clone())
	}
	return res
}

// Client returns the transport of a connected session.
func (s *Supervisor) Client(connectionID string) (protocol.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.conns[connectionID]
	st := s.states[connectionID]
	if !ok || st == nil || st.Status != connection.StatusConnected {
		return nil, false
	}
	return mc.client, true
}

// Owner returns the tenant a connection belongs to.
func (s *Supervisor) Owner(connectionID string) (connection.Owner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[connectionID]
	if !ok {
		return connection.Owner{}, false
	}
	return st.Owner, true
}

func (s *Supervisor) RecordSent(connectionID string) {
	s.mutate(connectionID, func(st *connection.State) { st.MessagesSent++ })
}

func (s *Supervisor) RecordRateLimited(connectionID string) {
	s.mutate(connectionID, func(st *connection.State) { st.RateLimited++ })
}

// handle returns the live handle regardless of status, for health probes.
func (s *Supervisor) handle(connectionID string) (protocol.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.conns[connectionID]
	if !ok {
		return nil, false
	}
	return mc.client, true
}

func (s *Supervisor) mutate(connectionID string, fn func(*connection.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[connectionID]; ok {
		fn(st)
		st.UpdatedAt = time.Now()
	}
}

// --- Commands ---

// Connect starts a connect attempt for an owned connection. It returns
// immediately when the connection is already up or an attempt is in flight.
func (s *Supervisor) Connect(ctx context.Context, connectionID string, owner connection.Owner) error {
	if err := s.authorize(ctx, connectionID, owner); err != nil {
		return err
	}
	return s.connect(ctx, connectionID, owner, false)
}

func (s *Supervisor) connect(ctx context.Context, connectionID string, owner connection.Owner, fromScheduler bool) error {
	s.mu.Lock()
	st, ok := s.states[connectionID]
	if !ok {
		st = connection.NewState(connectionID, owner)
		s.states[connectionID] = st
	}
	if mc, live := s.conns[connectionID]; live && st.Status == connection.StatusConnected && mc.client.IsConnected() {
		s.mu.Unlock()
		return nil
	}
	if s.attempts[connectionID] != nil {
		s.mu.Unlock()
		logrus.Debugf("[SUPERVISOR] Attempt already in flight for %s", connectionID)
		return nil
	}
	actx, acancel := context.WithCancel(ctx)
	at := &attempt{cancel: acancel, done: make(chan struct{})}
	s.attempts[connectionID] = at
	s.mu.Unlock()
	defer close(at.done)
	defer acancel()

	if s.lock != nil {
		acquired, err := s.lock.Acquire(actx, connectionID)
		if err != nil || !acquired {
			if !s.owns(connectionID, at) {
				return s.abandoned(connectionID, nil, nil)
			}
			s.dropAttempt(connectionID, at)
			if err != nil {
				return pkgError.TransientError(fmt.Sprintf("connect lock for %s: %v", connectionID, err))
			}
			logrus.Infof("[SUPERVISOR] %s is being connected by another process", connectionID)
			return nil
		}
	}

	release, err := s.limiter.Acquire(actx, owner.TenantID)
	if err != nil {
		if !s.owns(connectionID, at) {
			return s.abandoned(connectionID, nil, nil)
		}
		s.releaseAttempt(connectionID)
		return fmt.Errorf("waiting for connect slot: %w", err)
	}

	s.teardown(connectionID)

	if err := s.sessions.Validate(actx, connectionID); err != nil && !errors.Is(err, connection.ErrSessionNotFound) {
		logrus.WithError(err).Warnf("[SUPERVISOR] Invalid session for %s, backing up and purging", connectionID)
		if _, berr := s.sessions.BackupSession(connectionID); berr != nil {
			logrus.WithError(berr).Warnf("[SUPERVISOR] Backup failed for %s", connectionID)
		}
		_ = s.sessions.Purge(connectionID)
	}

	dir, err := s.sessions.Ensure(connectionID)
	if err != nil {
		if !s.owns(connectionID, at) {
			return s.abandoned(connectionID, nil, release)
		}
		release()
		return s.failAttempt(connectionID, pkgError.TransientError(err.Error()))
	}

	client, err := s.factory.New(actx, connectionID, dir)
	if err != nil {
		if !s.owns(connectionID, at) {
			return s.abandoned(connectionID, nil, release)
		}
		release()
		return s.failAttempt(connectionID, pkgError.TransientError(fmt.Sprintf("open client: %v", err)))
	}

	loopCtx, cancel := context.WithCancel(s.ctx)
	mc := &managedConn{
		id:            connectionID,
		owner:         owner,
		client:        client,
		cancel:        cancel,
		fromScheduler: fromScheduler,
		releaseSlot:   release,
	}

	// a disconnect may have taken the id while the client was opening
	s.mu.Lock()
	if s.attempts[connectionID] != at {
		s.mu.Unlock()
		cancel()
		return s.abandoned(connectionID, client, release)
	}
	s.conns[connectionID] = mc
	mc.connectTimer = time.AfterFunc(s.cfg.Connection.ConnectTimeout, func() { s.onConnectTimeout(mc) })
	s.mu.Unlock()

	go s.loop(loopCtx, mc)
	s.setStatus(connectionID, connection.StatusConnecting, "")

	if err := client.Connect(actx); err != nil {
		s.dropHandle(mc)
		if !s.owns(connectionID, at) {
			return nil
		}
		return s.failAttempt(connectionID, pkgError.TransientError(fmt.Sprintf("connect: %v", err)))
	}
	logrus.WithField("connection_id", connectionID).Info("[SUPERVISOR] Connect attempt started")
	return nil
}

// abandoned cleans up after an attempt that lost its id to a disconnect or
// a newer attempt. Nothing is persisted; the new owner sets the status.
func (s *Supervisor) abandoned(connectionID string, client protocol.Client, release func()) error {
	if client != nil {
		client.Close()
	}
	if release != nil {
		release()
	}
	logrus.WithField("connection_id", connectionID).Info("[SUPERVISOR] Connect attempt abandoned, id was taken over")
	return nil
}

// Disconnect logs out, purges credentials and forgets the connection.
// It takes the id exclusively: an attempt still opening is cancelled and
// waited for, and connects arriving meanwhile are no-ops.
func (s *Supervisor) Disconnect(ctx context.Context, connectionID string, owner connection.Owner) error {
	if err := s.authorize(ctx, connectionID, owner); err != nil {
		return err
	}

	own := &attempt{cancel: func() {}, done: make(chan struct{}), exclusive: true}
	s.mu.Lock()
	prev := s.attempts[connectionID]
	s.attempts[connectionID] = own
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.attempts[connectionID] == own {
			delete(s.attempts, connectionID)
		}
		s.mu.Unlock()
		close(own.done)
	}()

	s.scheduler.Cancel(connectionID)
	if prev != nil {
		prev.cancel()
		s.waitAttempt(ctx, connectionID, prev)
	}

	s.mu.Lock()
	mc := s.conns[connectionID]
	s.mu.Unlock()

	if mc != nil {
		mc.intentional.Store(true)
		logoutCtx, cancel := context.WithTimeout(ctx, s.cfg.Connection.LogoutTimeout)
		if err := mc.client.Logout(logoutCtx); err != nil {
			logrus.WithError(err).Warnf("[SUPERVISOR] Graceful logout failed for %s, forcing teardown", connectionID)
		}
		cancel()
	}

	s.health.Stop(connectionID)
	s.teardown(connectionID)
	if err := s.sessions.Purge(connectionID); err != nil {
		logrus.WithError(err).Warnf("[SUPERVISOR] Purge failed for %s", connectionID)
	}
	if s.lock != nil {
		lctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.lock.Release(lctx, connectionID)
		cancel()
	}

	s.persistStatus(connectionID, owner.TenantID, connection.StatusDisconnected, "")
	s.mu.Lock()
	delete(s.states, connectionID)
	s.mu.Unlock()
	logrus.Infof("[SUPERVISOR] %s disconnected", connectionID)
	return nil
}

// waitAttempt blocks until prev finished its setup, bounded by ctx and the connect timeout.
func (s *Supervisor) waitAttempt(ctx context.Context, connectionID string, prev *attempt) {
	timer := time.NewTimer(s.cfg.Connection.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-prev.done:
	case <-ctx.Done():
		logrus.Warnf("[SUPERVISOR] Disconnect of %s stopped waiting for the running attempt: %v", connectionID, ctx.Err())
	case <-timer.C:
		logrus.Warnf("[SUPERVISOR] Disconnect of %s stopped waiting for the running attempt", connectionID)
	}
}

// ForceReconnect drops the current handle and schedules a high priority reconnect.
func (s *Supervisor) ForceReconnect(connectionID, reason string) {
	owner, ok := s.Owner(connectionID)
	if !ok {
		return
	}
	logrus.WithField("connection_id", connectionID).Warnf("[SUPERVISOR] Forcing reconnect: %s", reason)
	s.health.Stop(connectionID)
	s.teardown(connectionID)
	s.releaseAttempt(connectionID)
	s.scheduleReconnect(connectionID, owner, connection.PriorityHigh, reason)
}

// Restore enqueues a reconnect for every stored connection that was not
// explicitly disconnected and still has credentials on disk.
func (s *Supervisor) Restore(ctx context.Context) (int, error) {
	records, err := s.storage.ListChannelConnections(ctx)
	if err != nil {
		return 0, fmt.Errorf("list channel connections: %w", err)
	}

	known := make(map[string]bool, len(records))
	restored := 0
	for _, rec := range records {
		known[rec.ID] = true
		if rec.Status == connection.StatusDisconnected || rec.Status == connection.StatusLoggedOut {
			continue
		}
		if !s.sessions.Exists(rec.ID) {
			continue
		}
		owner := connection.Owner{TenantID: rec.TenantID, UserID: rec.UserID}
		s.mu.Lock()
		if _, ok := s.states[rec.ID]; !ok {
			s.states[rec.ID] = connection.NewState(rec.ID, owner)
		}
		s.mu.Unlock()
		s.scheduleReconnect(rec.ID, owner, connection.PriorityHigh, "restore")
		restored++
	}

	if ids, err := s.sessions.List(); err == nil {
		for _, id := range ids {
			if !known[id] {
				logrus.Warnf("[SUPERVISOR] Session directory %s has no channel connection record", id)
			}
		}
	}
	logrus.Infof("[SUPERVISOR] Restoring %d connection(s)", restored)
	return restored, nil
}

// Shutdown stops every loop and handle. Credentials are kept.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.scheduler.Stop()
	s.health.StopAll()

	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.teardown(id)
		s.releaseAttempt(id)
	}
	s.cancel()
	logrus.Info("[SUPERVISOR] Shutdown complete")
}

// --- Reconnector ---

func (s *Supervisor) OnScheduled(task connection.ReconnectTask, attempt int, delay time.Duration) {
	s.mutate(task.ConnectionID, func(st *connection.State) {
		st.ReconnectAttempts = attempt
		st.LastReconnectAttempt = time.Now()
		st.NextBackoff = delay
	})
	s.publish(message.EventConnectionReconnecting, task.ConnectionID, task.Owner.TenantID, map[string]any{
		"attempt":      attempt,
		"max_attempts": s.cfg.Reconnect.MaxAttempts,
		"delay_ms":     delay.Milliseconds(),
		"reason":       task.Reason,
	})
}

func (s *Supervisor) OnExhausted(task connection.ReconnectTask, attempts int) {
	s.setStatus(task.ConnectionID, connection.StatusError, "reconnection attempts exhausted")
	s.publish(message.EventConnectionError, task.ConnectionID, task.Owner.TenantID, map[string]any{
		"code":     "RECONNECT_EXHAUSTED",
		"message":  "reconnection attempts exhausted",
		"attempts": attempts,
	})
}

func (s *Supervisor) Reconnect(ctx context.Context, task connection.ReconnectTask, attempt int) error {
	id := task.ConnectionID
	if err := s.authorize(ctx, id, task.Owner); err != nil {
		var nf pkgError.NotFoundError
		if errors.As(err, &nf) {
			logrus.Warnf("[RECONNECT] %s no longer exists, dropping", id)
			return nil
		}
		return err
	}

	if attempt == s.cfg.Reconnect.BackupBeforeAttempt && s.sessions.Exists(id) {
		if _, err := s.sessions.BackupSession(id); err != nil {
			logrus.WithError(err).Warnf("[RECONNECT] Backup before attempt %d failed for %s", attempt, id)
		}
	}

	if attempt >= s.cfg.Reconnect.CorruptAfterAttempts {
		err := s.sessions.Validate(ctx, id)
		var corrupted pkgError.CorruptedSessionError
		if errors.As(err, &corrupted) {
			logrus.WithError(err).Warnf("[RECONNECT] %s session corrupted after %d attempts, re-pairing", id, attempt)
			if _, berr := s.sessions.BackupSession(id); berr != nil {
				logrus.WithError(berr).Warnf("[RECONNECT] Backup failed for %s", id)
			}
			_ = s.sessions.Purge(id)
			s.scheduler.Reset(id)
			s.setStatus(id, connection.StatusQRCode, "")
			return s.connect(ctx, id, task.Owner, false)
		}
	}

	return s.connect(ctx, id, task.Owner, true)
}

// --- Event loop ---

func (s *Supervisor) loop(ctx context.Context, mc *managedConn) {
	events := mc.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.dispatch(ctx, mc, evt)
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, mc *managedConn, evt protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[SUPERVISOR] Panic handling %s for %s: %v", evt.Kind, mc.id, r)
		}
	}()

	if !s.isCurrent(mc) {
		return
	}

	switch evt.Kind {
	case protocol.EventOpen:
		s.onOpen(ctx, mc)
	case protocol.EventClose:
		s.onClose(mc, evt.Close)
	case protocol.EventQR:
		s.onQR(mc, evt.QR)
	case protocol.EventPaired:
		s.onPaired(mc, evt.Paired)
	case protocol.EventMessage:
		s.mutate(mc.id, func(st *connection.State) { st.MessagesReceived++ })
		if s.inbound != nil && evt.Message != nil {
			s.inbound.HandleMessage(ctx, mc.id, mc.owner, mc.client, evt.Message)
		}
	case protocol.EventHistorySync:
		s.onHistory(ctx, mc, evt.History)
	case protocol.EventKeepAliveTimeout:
		s.health.RecordFailure(mc.id, errors.New("keepalive timeout"))
	case protocol.EventKeepAliveRestored:
		logrus.Debugf("[SUPERVISOR] Keepalive restored for %s", mc.id)
	}
}

func (s *Supervisor) isCurrent(mc *managedConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[mc.id] == mc
}

func (s *Supervisor) onOpen(ctx context.Context, mc *managedConn) {
	s.stopTimers(mc)
	mc.freeSlot()

	phone := mc.client.SelfJID()
	s.mutate(mc.id, func(st *connection.State) {
		st.ResetErrors()
		st.PhoneNumber = phone
		st.LastQR = ""
	})
	s.scheduler.Reset(mc.id)
	s.setStatus(mc.id, connection.StatusConnected, "")
	s.health.Start(mc.id)
	s.releaseAttempt(mc.id)

	now := time.Now().UTC()
	if err := s.storage.UpdateChannelConnection(ctx, mc.id, message.ChannelConnectionUpdate{PhoneNumber: &phone, LastConnectedAt: &now}); err != nil {
		logrus.WithError(err).Warnf("[SUPERVISOR] Failed to persist connection info for %s", mc.id)
	}
	logrus.WithField("connection_id", mc.id).Infof("[SUPERVISOR] Connected as %s", phone)
}

func (s *Supervisor) onClose(mc *managedConn, info *protocol.CloseInfo) {
	if mc.intentional.Load() {
		return
	}
	if info == nil {
		info = &protocol.CloseInfo{Reason: protocol.CloseConnectionLost}
	}

	st, _ := s.State(mc.id)
	wasConnected := st.Status == connection.StatusConnected

	s.health.Stop(mc.id)
	s.dropHandle(mc)
	s.releaseAttempt(mc.id)

	log := logrus.WithField("connection_id", mc.id).WithField("reason", info.Reason)
	switch {
	case info.Reason == protocol.CloseLoggedOut:
		log.Warn("[SUPERVISOR] Logged out remotely, purging credentials")
		if err := s.sessions.Purge(mc.id); err != nil {
			log.WithError(err).Warn("[SUPERVISOR] Purge failed")
		}
		s.setStatus(mc.id, connection.StatusLoggedOut, "logged out")
		s.publish(message.EventConnectionError, mc.id, mc.owner.TenantID, map[string]any{
			"code":    pkgError.AuthenticationError("").ErrCode(),
			"message": "session logged out, scan a new QR code",
		})
	case !info.Reason.Recoverable():
		log.Errorf("[SUPERVISOR] Non-recoverable close: %s", info.Message)
		s.setStatus(mc.id, connection.StatusError, string(info.Reason))
		s.publish(message.EventConnectionError, mc.id, mc.owner.TenantID, map[string]any{
			"code":    string(info.Reason),
			"message": info.Message,
		})
	default:
		log.Warnf("[SUPERVISOR] Connection closed (%s), scheduling reconnect", info.Message)
		prio := connection.PriorityNormal
		if wasConnected {
			prio = connection.PriorityHigh
		}
		s.scheduleReconnect(mc.id, mc.owner, prio, string(info.Reason))
	}
}

func (s *Supervisor) onQR(mc *managedConn, code string) {
	s.mu.Lock()
	first := !mc.qrSeen
	mc.qrSeen = true
	if first && mc.connectTimer != nil {
		mc.connectTimer.Stop()
	}
	st := s.states[mc.id]
	duplicate := st != nil && st.LastQR == code && time.Since(st.LastQRAt) < s.cfg.Connection.QRDedupWindow
	if st != nil && !duplicate {
		st.LastQR = code
		st.LastQRAt = time.Now()
	}
	if mc.qrTimer != nil {
		mc.qrTimer.Stop()
	}
	mc.qrTimer = time.AfterFunc(s.cfg.Connection.QRTimeout, func() { s.onQRExpired(mc) })
	s.mu.Unlock()

	if first {
		mc.freeSlot()
	}
	s.extendLock(mc.id)
	s.setStatus(mc.id, connection.StatusQRCode, "")
	if duplicate {
		return
	}
	s.publish(message.EventQRCode, mc.id, mc.owner.TenantID, map[string]any{"qr": code})
}

// extendLock keeps the attempt lock alive while a QR waits to be scanned.
func (s *Supervisor) extendLock(connectionID string) {
	if s.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	held, err := s.lock.Extend(ctx, connectionID)
	if err != nil {
		logrus.WithError(err).Warnf("[SUPERVISOR] Failed to extend connect lock for %s", connectionID)
		return
	}
	if !held {
		logrus.Warnf("[SUPERVISOR] Connect lock for %s expired while pairing", connectionID)
	}
}

func (s *Supervisor) onQRExpired(mc *managedConn) {
	if !s.isCurrent(mc) {
		return
	}
	logrus.Infof("[SUPERVISOR] QR expired for %s", mc.id)
	s.mutate(mc.id, func(st *connection.State) { st.LastQR = "" })
	mc.intentional.Store(true)
	s.dropHandle(mc)
	s.releaseAttempt(mc.id)
	s.setStatus(mc.id, connection.StatusDisconnected, "qr expired")
}

func (s *Supervisor) onConnectTimeout(mc *managedConn) {
	if !s.isCurrent(mc) {
		return
	}
	if st, _ := s.State(mc.id); st.Status == connection.StatusConnected {
		return
	}
	logrus.Warnf("[SUPERVISOR] Connect timeout for %s", mc.id)
	mc.intentional.Store(true)
	s.dropHandle(mc)
	s.releaseAttempt(mc.id)
	s.setStatus(mc.id, connection.StatusError, "connect timeout")
	s.publish(message.EventConnectionError, mc.id, mc.owner.TenantID, map[string]any{
		"code":    pkgError.TransientError("").ErrCode(),
		"message": "connect timeout",
	})
	if mc.fromScheduler {
		s.scheduleReconnect(mc.id, mc.owner, connection.PriorityNormal, "connect timeout")
	}
}

func (s *Supervisor) onPaired(mc *managedConn, info *protocol.PairInfo) {
	if info == nil {
		return
	}
	meta := connection.SessionMeta{
		JID:          info.JID,
		Platform:     info.Platform,
		PushName:     info.PushName,
		BusinessName: info.BusinessName,
	}
	if err := s.sessions.WriteMeta(mc.id, meta); err != nil {
		logrus.WithError(err).Errorf("[SUPERVISOR] Failed to write session meta for %s", mc.id)
	}
	logrus.WithField("connection_id", mc.id).Infof("[SUPERVISOR] Paired with %s", info.JID)
}

func (s *Supervisor) onHistory(ctx context.Context, mc *managedConn, batch *protocol.HistoryBatch) {
	if batch == nil {
		return
	}
	stored, skipped := 0, 0
	if s.inbound != nil {
		var err error
		stored, skipped, err = s.inbound.HandleHistory(ctx, mc.id, mc.owner, mc.client, batch)
		if err != nil {
			logrus.WithError(err).Warnf("[SUPERVISOR] History sync batch failed for %s", mc.id)
		}
	}
	evt := message.EventHistorySyncProgress
	if batch.Final {
		evt = message.EventHistorySyncComplete
	}
	s.publish(evt, mc.id, mc.owner.TenantID, map[string]any{
		"progress": batch.Progress,
		"stored":   stored,
		"skipped":  skipped,
	})
}

func (s *Supervisor) onHealth(h connection.HealthSnapshot) {
	var tenant string
	s.mu.Lock()
	if st, ok := s.states[h.ConnectionID]; ok {
		st.ApplyHealth(h)
		tenant = st.Owner.TenantID
	}
	s.mu.Unlock()
	s.publish(message.EventConnectionHealth, h.ConnectionID, tenant, h)
}

// --- Helpers ---

func (s *Supervisor) authorize(ctx context.Context, connectionID string, owner connection.Owner) error {
	rec, err := s.storage.GetChannelConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if rec.TenantID != owner.TenantID {
		logrus.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"tenant_id":     owner.TenantID,
			"user_id":       owner.UserID,
		}).Warn("[SECURITY] Tenant mismatch on connection access")
		return pkgError.AuthorizationError(fmt.Sprintf("connection %s does not belong to tenant %s", connectionID, owner.TenantID))
	}
	return nil
}

func (s *Supervisor) scheduleReconnect(connectionID string, owner connection.Owner, prio connection.Priority, reason string) {
	s.setStatus(connectionID, connection.StatusReconnecting, "")
	s.scheduler.Enqueue(connection.ReconnectTask{
		ConnectionID: connectionID,
		Owner:        owner,
		Priority:     prio,
		EnqueuedAt:   time.Now(),
		Reason:       reason,
	})
}

func (s *Supervisor) failAttempt(connectionID string, err error) error {
	s.releaseAttempt(connectionID)
	s.mutate(connectionID, func(st *connection.State) {
		st.ErrorCount++
		st.LastError = err.Error()
	})
	s.setStatus(connectionID, connection.StatusError, err.Error())
	logrus.WithError(err).Warnf("[SUPERVISOR] Connect attempt failed for %s", connectionID)
	return err
}

func (s *Supervisor) owns(connectionID string, at *attempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[connectionID] == at
}

// dropAttempt forgets at without touching the distributed lock.
func (s *Supervisor) dropAttempt(connectionID string, at *attempt) {
	s.mu.Lock()
	if s.attempts[connectionID] == at {
		delete(s.attempts, connectionID)
	}
	s.mu.Unlock()
}

// releaseAttempt ends the connect attempt of an id and frees its lock.
// A disconnect in progress keeps the id.
func (s *Supervisor) releaseAttempt(connectionID string) {
	s.mu.Lock()
	at := s.attempts[connectionID]
	if at == nil || at.exclusive {
		s.mu.Unlock()
		return
	}
	delete(s.attempts, connectionID)
	s.mu.Unlock()
	if s.lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.lock.Release(ctx, connectionID)
		cancel()
	}
}

func (s *Supervisor) stopTimers(mc *managedConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mc.connectTimer != nil {
		mc.connectTimer.Stop()
	}
	if mc.qrTimer != nil {
		mc.qrTimer.Stop()
	}
}

// teardown closes the current handle of a connection, if any.
func (s *Supervisor) teardown(connectionID string) {
	s.mu.Lock()
	mc := s.conns[connectionID]
	s.mu.Unlock()
	if mc != nil {
		mc.intentional.Store(true)
		s.dropHandle(mc)
	}
}

// dropHandle stops mc's loop and client and unregisters it if still current.
func (s *Supervisor) dropHandle(mc *managedConn) {
	s.stopTimers(mc)
	mc.freeSlot()
	mc.cancel()

	s.mu.Lock()
	if s.conns[mc.id] == mc {
		delete(s.conns, mc.id)
	}
	s.mu.Unlock()

	mc.client.Disconnect()
	mc.client.Close()
}

func (s *Supervisor) setStatus(connectionID string, status connection.Status, lastError string) {
	var tenant string
	s.mu.Lock()
	if st, ok := s.states[connectionID]; ok {
		st.Status = status
		if lastError != "" {
			st.LastError = lastError
		}
		st.UpdatedAt = time.Now()
		tenant = st.Owner.TenantID
	}
	s.mu.Unlock()
	s.persistStatus(connectionID, tenant, status, lastError)
}

func (s *Supervisor) persistStatus(connectionID, tenantID string, status connection.Status, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.storage.UpdateChannelConnectionStatus(ctx, connectionID, status, lastError); err != nil {
		logrus.WithError(err).Warnf("[SUPERVISOR] Failed to persist status %s for %s", status, connectionID)
	}
	s.publish(message.EventConnectionStatusUpdate, connectionID, tenantID, map[string]any{
		"status": string(status),
		"error":  lastError,
	})
}

func (s *Supervisor) publish(t message.EventType, connectionID, tenantID string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(context.Background(), message.NewEvent(t, connectionID, tenantID, payload))
}

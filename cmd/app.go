package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/application"
	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/connection/repository"
	"github.com/AzielCF/az-wap-connector/core/config"
	coreDB "github.com/AzielCF/az-wap-connector/core/database"
	"github.com/AzielCF/az-wap-connector/infrastructure/eventbus"
	"github.com/AzielCF/az-wap-connector/infrastructure/valkey"
	"github.com/AzielCF/az-wap-connector/infrastructure/whatsapp"
	"github.com/AzielCF/az-wap-connector/messaging/inbound"
	"github.com/AzielCF/az-wap-connector/messaging/outbound"
	"github.com/AzielCF/az-wap-connector/pkg/chatpresence"
	"github.com/AzielCF/az-wap-connector/pkg/msgworker"
	"github.com/AzielCF/az-wap-connector/pkg/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// manager holds every long-lived collaborator of the connection manager.
type manager struct {
	cfg      *config.Config
	serverID string

	db       *gorm.DB
	storage  *repository.StorageGormRepository
	vk       *valkey.Client
	local    *eventbus.Local
	remote   *eventbus.Valkey
	bus      message.IEventBus
	sessions *repository.SessionStore
	presence *chatpresence.Tracker

	supervisor *application.Supervisor
	pool       *msgworker.Pool
	pipeline   *outbound.Pipeline
	processor  *inbound.Processor
}

// openStorage connects the relational store and migrates it.
func openStorage(ctx context.Context, cfg *config.Config) (*gorm.DB, *repository.StorageGormRepository, error) {
	db, err := coreDB.NewDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	storage := repository.NewStorageGormRepository(db)
	if err := storage.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate storage: %w", err)
	}
	return db, storage, nil
}

func newSessionStore(cfg *config.Config) *repository.SessionStore {
	validator := whatsapp.NewCredentialValidator(cfg.Whatsapp.LogLevel)
	return repository.NewSessionStore(cfg.Paths.Sessions, validator, cfg.Session)
}

// buildManager wires storage, bus, session store, supervisor and both message pipelines.
func buildManager(ctx context.Context, cfg *config.Config) (*manager, error) {
	m := &manager{
		cfg:      cfg,
		serverID: utils.ServerID(cfg.App.ServerID, cfg.Paths.BaseDir),
		local:    eventbus.NewLocal(),
		presence: chatpresence.NewTracker(0),
	}

	var err error
	m.db, m.storage, err = openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var (
		lock  connection.AttemptLock = repository.NewMemoryAttemptLock()
		polls message.IPollContextStore
	)
	m.bus = m.local
	if cfg.Database.ValkeyEnabled {
		m.vk, err = valkey.NewClient(valkey.ConfigFrom(cfg))
		if err != nil {
			return nil, err
		}
		m.remote = eventbus.NewValkey(m.vk, m.serverID)
		m.bus = eventbus.Multi{m.local, m.remote}
		polls = repository.NewValkeyPollStore(m.vk, cfg.Inbound.PollContextTTL)
		if cfg.Connection.DistributedLock {
			lock = repository.NewValkeyAttemptLock(m.vk, lockTTL(cfg))
		}
		logrus.Infof("[APP] Valkey enabled at %s (server %s)", cfg.Database.ValkeyAddress, m.serverID)
	} else {
		polls = repository.NewMemoryPollStore(cfg.Inbound.PollContextTTL)
	}

	m.sessions = newSessionStore(cfg)
	m.supervisor = application.NewSupervisor(application.Deps{
		Config:   cfg,
		Factory:  whatsapp.NewFactory(cfg, m.presence),
		Sessions: m.sessions,
		Storage:  m.storage,
		Bus:      m.bus,
		Lock:     lock,
	})

	m.pool = msgworker.NewPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize)
	m.pipeline = outbound.NewPipeline(cfg.Send, m.supervisor, m.storage, m.bus, polls)
	m.processor = inbound.NewProcessor(inbound.ProcessorDeps{
		Config:    cfg.Inbound,
		MediaRoot: cfg.Paths.MediaCache,
		MaxMedia:  cfg.Whatsapp.MaxDownloadSize,
		Storage:   m.storage,
		Bus:       m.bus,
		Polls:     polls,
		Pool:      m.pool,
		Presence:  m.presence,
		Outbound:  m.pipeline,
	})
	m.supervisor.SetInbound(m.processor)
	return m, nil
}

// close releases the external connections. Call after Shutdown.
func (m *manager) close() {
	if m.vk != nil {
		m.vk.Close()
	}
	if m.db != nil {
		if sqlDB, err := m.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// lockTTL covers the connect timeout and two QR windows; every new QR code
// restarts it, so a pairing that outlives both keeps the lock.
func lockTTL(cfg *config.Config) time.Duration {
	ttl := 2 * cfg.Connection.ConnectTimeout
	if q := cfg.Connection.ConnectTimeout + 2*cfg.Connection.QRTimeout; q > ttl {
		ttl = q
	}
	return ttl
}

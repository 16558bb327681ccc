package whatsapp

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"github.com/AzielCF/az-wap-connector/core/config"
	"github.com/AzielCF/az-wap-connector/pkg/chatpresence"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// SessionDBFile is the whatsmeow credential database inside a session directory.
const SessionDBFile = "session.db"

var devicePropsOnce sync.Once

// Factory opens whatsmeow clients, one credential database per session directory.
type Factory struct {
	logLevel string
	buffer   int
	presence *chatpresence.Tracker
}

var _ protocol.Factory = (*Factory)(nil)

func NewFactory(cfg *config.Config, presence *chatpresence.Tracker) *Factory {
	devicePropsOnce.Do(func() { configureDeviceProps(cfg.App) })
	return &Factory{
		logLevel: cfg.Whatsapp.LogLevel,
		buffer:   cfg.Whatsapp.EventBuffer,
		presence: presence,
	}
}

func configureDeviceProps(app config.AppConfig) {
	osName := fmt.Sprintf("%s %s", app.OS, app.Version)
	platform := app.Platform
	store.DeviceProps.PlatformType = &platform
	store.DeviceProps.Os = &osName
}

func storeURI(sessionDir string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(sessionDir, SessionDBFile))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (f *Factory) New(ctx context.Context, connectionID, sessionDir string) (protocol.Client, error) {
	container, err := sqlstore.New(ctx, "sqlite3", storeURI(sessionDir), waLog.Stdout("DB-"+shortID(connectionID), f.logLevel, true))
	if err != nil {
		return nil, fmt.Errorf("failed to init session db: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
	}

	wa := whatsmeow.NewClient(device, waLog.Stdout("Client-"+shortID(connectionID), f.logLevel, true))
	// reconnects are owned by the supervisor
	wa.EnableAutoReconnect = false
	wa.AutoTrustIdentity = true

	paired := device.ID != nil
	logrus.WithField("connection_id", connectionID).Debugf("[WHATSAPP] Opened session store (paired: %v)", paired)
	return newClient(connectionID, wa, container, f.presence, f.buffer), nil
}

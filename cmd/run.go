package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	backupCleanupEvery = time.Hour
	shutdownGrace      = 15 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the connection manager",
	Long:  `Restores every stored connection, keeps them alive and processes their traffic until SIGINT/SIGTERM.`,
	Run:   runManager,
}

func init() {
	runCmd.Flags().StringSlice("connect", nil, `connection ids to connect (or pair) right away --connect <id,...> | example: --connect=sales-1`)
	rootCmd.AddCommand(runCmd)
}

func runManager(cmd *cobra.Command, _ []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := buildManager(ctx, appConfig)
	if err != nil {
		logrus.Fatalf("[APP] Failed to start: %v", err)
	}
	defer m.close()

	m.local.Subscribe(logEvent)
	if m.remote != nil {
		go func() {
			if err := m.remote.Relay(ctx, m.local); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("[EVENTBUS] Valkey relay stopped")
			}
		}()
	}

	m.pool.Start(ctx)
	m.pipeline.StartSweeper(ctx)
	m.supervisor.Start(ctx)

	if n, err := m.supervisor.Restore(ctx); err != nil {
		logrus.WithError(err).Error("[APP] Restore failed")
	} else {
		logrus.Infof("[APP] %d connection(s) queued for restore", n)
	}

	ids, _ := cmd.Flags().GetStringSlice("connect")
	for _, id := range ids {
		if err := connectByID(ctx, m, id); err != nil {
			logrus.WithError(err).Errorf("[APP] Could not connect %s", id)
		}
	}

	go cleanupBackups(ctx, m)
	go sweepDebounced(ctx, m)

	<-ctx.Done()
	logrus.Info("[APP] Reception of termination signal, shutting down gracefully...")
	shutdown(m)
}

func connectByID(ctx context.Context, m *manager, id string) error {
	rec, err := m.storage.GetChannelConnection(ctx, id)
	if err != nil {
		return fmt.Errorf("unknown connection %s, register it first: %w", id, err)
	}
	return m.supervisor.Connect(ctx, id, connection.Owner{TenantID: rec.TenantID, UserID: rec.UserID})
}

func cleanupBackups(ctx context.Context, m *manager) {
	ticker := time.NewTicker(backupCleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.sessions.CleanupOldBackups(); err != nil {
				logrus.WithError(err).Warn("[SESSION] Periodic backup cleanup failed")
			} else if n > 0 {
				logrus.Infof("[SESSION] Periodic cleanup removed %d backup(s)", n)
			}
		}
	}
}

// sweepDebounced drops debounced inbound entries older than the orphan timeout.
func sweepDebounced(ctx context.Context, m *manager) {
	maxAge := appConfig.Send.OrphanTimeout
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.processor.Debouncer().Sweep(maxAge); n > 0 {
				logrus.Warnf("[DEBOUNCER] Swept %d orphaned entries", n)
			}
		}
	}
}

func shutdown(m *manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	for _, st := range m.supervisor.States() {
		logrus.WithFields(logrus.Fields{
			"connection_id": st.ConnectionID,
			"status":        st.Status,
			"health":        st.Health,
			"sent":          st.MessagesSent,
			"received":      st.MessagesReceived,
		}).Info("[APP] Connection at shutdown")
	}
	m.supervisor.Shutdown(ctx)
	m.processor.Debouncer().Stop()
	m.pool.Stop()

	done := make(chan struct{})
	go func() {
		m.pipeline.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logrus.Warn("[APP] Outbound sends still pending at shutdown")
	}
	logrus.Info("[APP] Application stopped cleanly.")
}

// logEvent prints bus traffic an operator cares about, QR codes above all.
func logEvent(_ context.Context, evt message.Event) {
	entry := logrus.WithFields(logrus.Fields{"connection_id": evt.ConnectionID, "tenant_id": evt.TenantID})
	switch evt.Type {
	case message.EventQRCode:
		if p, ok := evt.Payload.(map[string]any); ok {
			entry.Infof("[QR] Scan to pair: %v", p["qr"])
		}
	case message.EventConnectionError:
		entry.Warnf("[EVENT] %s: %v", evt.Type, evt.Payload)
	case message.EventConnectionHealth, message.EventMessageReceived, message.EventMessageSent:
		entry.Debugf("[EVENT] %s", evt.Type)
	default:
		entry.Infof("[EVENT] %s: %v", evt.Type, evt.Payload)
	}
}

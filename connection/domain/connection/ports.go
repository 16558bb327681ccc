package connection

import (
	"context"
	"time"

	pkgError "github.com/AzielCF/az-wap-connector/pkg/error"
)

// AttemptLock guards against two connect attempts for the same id, possibly
// across processes.
type AttemptLock interface {
	Acquire(ctx context.Context, connectionID string) (bool, error)
	Release(ctx context.Context, connectionID string)
	// Extend keeps a held lock alive while pairing waits on the user. It
	// reports false when the lock is no longer ours.
	Extend(ctx context.Context, connectionID string) (bool, error)
}

// SessionMeta is written next to the credentials when a device pairs.
type SessionMeta struct {
	JID            string    `json:"jid"`
	Platform       string    `json:"platform,omitempty"`
	PushName       string    `json:"push_name,omitempty"`
	BusinessName   string    `json:"business_name,omitempty"`
	RegistrationID uint32    `json:"registration_id,omitempty"`
	PairedAt       time.Time `json:"paired_at"`
}

// SessionManager owns the on-disk credentials of every connection.
type SessionManager interface {
	Dir(connectionID string) string
	Exists(connectionID string) bool
	Ensure(connectionID string) (string, error)
	List() ([]string, error)
	Validate(ctx context.Context, connectionID string) error
	BackupSession(connectionID string) (string, error)
	Purge(connectionID string) error
	WriteMeta(connectionID string, meta SessionMeta) error
}

// ErrSessionNotFound means nothing was ever stored for the connection.
var ErrSessionNotFound = pkgError.NotFoundError("session not found")

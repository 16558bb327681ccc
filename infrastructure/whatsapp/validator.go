package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AzielCF/az-wap-connector/connection/domain/protocol"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// CredentialValidator checks that a session database holds a complete paired device.
type CredentialValidator struct {
	logLevel string
}

var _ protocol.CredentialValidator = (*CredentialValidator)(nil)

func NewCredentialValidator(logLevel string) *CredentialValidator {
	return &CredentialValidator{logLevel: logLevel}
}

func (v *CredentialValidator) ValidateCredentials(ctx context.Context, sessionDir string) error {
	info, err := os.Stat(filepath.Join(sessionDir, SessionDBFile))
	if err != nil {
		return fmt.Errorf("credential database: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("credential database is empty")
	}

	container, err := sqlstore.New(ctx, "sqlite3", storeURI(sessionDir), waLog.Stdout("Validate", v.logLevel, true))
	if err != nil {
		return fmt.Errorf("open credential database: %w", err)
	}
	defer container.Close()

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("read device: %w", err)
	}
	return checkDevice(device)
}

func checkDevice(device *store.Device) error {
	switch {
	case device == nil || device.ID == nil:
		return errors.New("no paired device")
	case device.IdentityKey == nil:
		return errors.New("missing identity key")
	case device.SignedPreKey == nil:
		return errors.New("missing signed pre-key")
	case device.NoiseKey == nil:
		return errors.New("missing noise key")
	case device.RegistrationID == 0:
		return errors.New("missing registration id")
	}
	return nil
}

package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ServerID returns a stable identifier for this process host. It tags bus
// events and distributed locks so peers can tell their own traffic apart.
// Order: override, <storagePath>/.server_id, hostname, then a generated id
// that is written back to .server_id.
func ServerID(override, storagePath string) string {
	if override != "" {
		return override
	}

	idFile := filepath.Join(storagePath, ".server_id")
	if data, err := os.ReadFile(idFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" && hostname != "localhost" {
		cleanHost := strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
				return r
			}
			return -1
		}, hostname)
		if cleanHost != "" {
			return "azconn-" + cleanHost
		}
	}

	newID := "azconn-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	_ = os.MkdirAll(storagePath, 0755)
	_ = os.WriteFile(idFile, []byte(newID), 0644)
	return newID
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetAllSettings returns a map of the tunables currently loaded in memory.
func GetAllSettings() map[string]any {
	if Global == nil {
		return map[string]any{}
	}
	return map[string]any{
		"app_debug":                    Global.App.Debug,
		"app_version":                  Global.App.Version,
		"connection_connect_timeout":   Global.Connection.ConnectTimeout.String(),
		"reconnect_max_attempts":       Global.Reconnect.MaxAttempts,
		"reconnect_workers":            Global.Reconnect.Workers,
		"session_max_backups":          Global.Session.MaxBackupsPerConnection,
		"session_max_backup_bytes":     Global.Session.MaxBackupBytes,
		"send_split_enabled":           Global.Send.SplitEnabled,
		"send_typing_enabled":          Global.Send.TypingEnabled,
		"inbound_debounce_ms":          Global.Inbound.DebounceMs,
		"inbound_wait_contact_idle_ms": Global.Inbound.WaitContactIdleMs,
		"valkey_enabled":               Global.Database.ValkeyEnabled,
	}
}

// Helpers
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		vLower := strings.ToLower(v)
		return vLower == "1" || vLower == "true" || vLower == "yes" || vLower == "on"
	}
	return fallback
}

// getEnvDuration accepts Go durations ("45s") or plain milliseconds ("45000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

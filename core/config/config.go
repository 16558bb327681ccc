package config

import (
	"os"
	"path/filepath"
	"time"

	"go.mau.fi/whatsmeow/proto/waCompanionReg"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App        AppConfig
	Paths      PathsConfig
	Database   DatabaseConfig
	Whatsapp   WhatsappConfig
	Connection ConnectionConfig
	Health     HealthConfig
	Reconnect  ReconnectConfig
	Session    SessionConfig
	Send       SendConfig
	Inbound    InboundConfig
	WorkerPool WorkerPoolConfig
}

type AppConfig struct {
	Version     string
	Debug       bool
	Environment string
	OS          string
	Platform    waCompanionReg.DeviceProps_PlatformType
	ServerID    string
}

type PathsConfig struct {
	BaseDir    string
	Sessions   string
	MediaCache string
}

type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string // File path for SQLite, DB Name for Postgres
	LogLevel        string
	ValkeyEnabled   bool
	ValkeyAddress   string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyKeyPrefix string
}

type WhatsappConfig struct {
	LogLevel        string
	MaxDownloadSize int64
	EventBuffer     int
}

// ConnectionConfig drives the supervisor state machine.
type ConnectionConfig struct {
	ConnectTimeout  time.Duration
	QRDedupWindow   time.Duration
	QRTimeout       time.Duration
	LogoutTimeout   time.Duration
	DistributedLock bool
}

type HealthConfig struct {
	PingTimeout      time.Duration
	LatencyWindow    int
	DegradedLatency  time.Duration
	UnhealthyLatency time.Duration
}

type ReconnectConfig struct {
	BaseDelay            time.Duration
	Multiplier           float64
	MaxDelay             time.Duration
	MaxAttempts          int
	BackupBeforeAttempt  int
	CorruptAfterAttempts int
	Workers              int
	LaunchJitter         time.Duration
	GlobalConnectLimit   int64
	TenantConnectLimit   int64
}

type SessionConfig struct {
	MaxBackupsPerConnection int
	MaxBackupBytes          int64
}

type SendConfig struct {
	TypingEnabled  bool
	WordsPerMinute float64
	MinDelay       time.Duration
	MaxDelay       time.Duration
	RandomFactor   float64
	SplitEnabled   bool
	MaxChunkLength int
	MinChunkSize   int
	Delimiter      string
	ChunkDelay     time.Duration
	RatePerSecond  float64
	RateBurst      int
	OrphanTimeout  time.Duration
}

type InboundConfig struct {
	DebounceMs        int
	WaitContactIdleMs int
	MediaTimeout      time.Duration
	AutoDownloadMedia bool
	PollContextTTL    time.Duration
	ContactCacheTTL   time.Duration
}

type WorkerPoolConfig struct {
	Size      int
	QueueSize int
}

// Global provides access to the loaded configuration globally.
var Global *Config

// LoadConfig loads configuration from Environment Variables or defaults.
func LoadConfig() (*Config, error) {
	baseDir := getEnv("APP_BASE_DIR", "storages")

	debug := false
	if v := os.Getenv("APP_DEBUG"); v == "true" || v == "1" || v == "on" {
		debug = true
	} else if v := os.Getenv("DEBUG"); v == "true" || v == "1" {
		debug = true
	}

	appCfg := AppConfig{
		Version:     "v1.0.0",
		Debug:       debug,
		Environment: getEnv("APP_ENV", "development"),
		OS:          getEnv("APP_OS", "AzielCf"),
		Platform:    waCompanionReg.DeviceProps_PlatformType(1), // Chrome
		ServerID:    getEnv("SERVER_ID", ""),
	}

	pathsCfg := PathsConfig{
		BaseDir:    baseDir,
		Sessions:   getEnv("PATH_SESSIONS", filepath.Join(baseDir, "sessions")),
		MediaCache: getEnv("PATH_MEDIA_CACHE", filepath.Join(baseDir, "media")),
	}

	dbCfg := DatabaseConfig{
		Driver:          getEnv("DB_DRIVER", "sqlite"),
		Name:            getEnv("DB_NAME", filepath.Join(baseDir, "connector.db")),
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", ""),
		LogLevel:        getEnv("DB_LOG_LEVEL", "warn"),
		ValkeyEnabled:   getEnvBool("VALKEY_ENABLED", false),
		ValkeyAddress:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
		ValkeyPassword:  getEnv("VALKEY_PASSWORD", ""),
		ValkeyDB:        getEnvInt("VALKEY_DB", 0),
		ValkeyKeyPrefix: getEnv("VALKEY_KEY_PREFIX", "azwap:"),
	}

	waCfg := WhatsappConfig{
		LogLevel:        getEnv("WHATSAPP_LOG_LEVEL", "ERROR"),
		MaxDownloadSize: getEnvInt64("WHATSAPP_MAX_DOWNLOAD_SIZE", 50000000),
		EventBuffer:     getEnvInt("WHATSAPP_EVENT_BUFFER", 256),
	}

	connCfg := ConnectionConfig{
		ConnectTimeout:  getEnvDuration("CONNECTION_CONNECT_TIMEOUT", 45*time.Second),
		QRDedupWindow:   getEnvDuration("CONNECTION_QR_DEDUP_WINDOW", 12*time.Second),
		QRTimeout:       getEnvDuration("CONNECTION_QR_TIMEOUT", 30*time.Second),
		LogoutTimeout:   getEnvDuration("CONNECTION_LOGOUT_TIMEOUT", 10*time.Second),
		DistributedLock: getEnvBool("CONNECTION_DISTRIBUTED_LOCK", false),
	}

	healthCfg := HealthConfig{
		PingTimeout:      getEnvDuration("HEALTH_PING_TIMEOUT", 7*time.Second),
		LatencyWindow:    getEnvInt("HEALTH_LATENCY_WINDOW", 10),
		DegradedLatency:  getEnvDuration("HEALTH_DEGRADED_LATENCY", 2*time.Second),
		UnhealthyLatency: getEnvDuration("HEALTH_UNHEALTHY_LATENCY", 5*time.Second),
	}

	reconnectCfg := ReconnectConfig{
		BaseDelay:            getEnvDuration("RECONNECT_BASE_DELAY", 5*time.Second),
		Multiplier:           getEnvFloat("RECONNECT_MULTIPLIER", 2),
		MaxDelay:             getEnvDuration("RECONNECT_MAX_DELAY", 5*time.Minute),
		MaxAttempts:          getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
		BackupBeforeAttempt:  getEnvInt("RECONNECT_BACKUP_BEFORE_ATTEMPT", 4),
		CorruptAfterAttempts: getEnvInt("RECONNECT_CORRUPT_AFTER_ATTEMPTS", 6),
		Workers:              getEnvInt("RECONNECT_WORKERS", 4),
		LaunchJitter:         getEnvDuration("RECONNECT_LAUNCH_JITTER", 2*time.Second),
		GlobalConnectLimit:   getEnvInt64("RECONNECT_GLOBAL_CONNECT_LIMIT", 10),
		TenantConnectLimit:   getEnvInt64("RECONNECT_TENANT_CONNECT_LIMIT", 2),
	}

	sessionCfg := SessionConfig{
		MaxBackupsPerConnection: getEnvInt("SESSION_MAX_BACKUPS", 5),
		MaxBackupBytes:          getEnvInt64("SESSION_MAX_BACKUP_BYTES", 100*1024*1024),
	}

	sendCfg := SendConfig{
		TypingEnabled:  getEnvBool("SEND_TYPING_ENABLED", true),
		WordsPerMinute: getEnvFloat("SEND_WORDS_PER_MINUTE", 45),
		MinDelay:       getEnvDuration("SEND_MIN_DELAY", time.Second),
		MaxDelay:       getEnvDuration("SEND_MAX_DELAY", 8*time.Second),
		RandomFactor:   getEnvFloat("SEND_RANDOM_FACTOR", 0.3),
		SplitEnabled:   getEnvBool("SEND_SPLIT_ENABLED", false),
		MaxChunkLength: getEnvInt("SEND_MAX_CHUNK_LENGTH", 1000),
		MinChunkSize:   getEnvInt("SEND_MIN_CHUNK_SIZE", 40),
		Delimiter:      getEnv("SEND_SPLIT_DELIMITER", "||"),
		ChunkDelay:     getEnvDuration("SEND_CHUNK_DELAY", 1500*time.Millisecond),
		RatePerSecond:  getEnvFloat("SEND_RATE_PER_SECOND", 1),
		RateBurst:      getEnvInt("SEND_RATE_BURST", 5),
		OrphanTimeout:  getEnvDuration("SEND_ORPHAN_TIMEOUT", 10*time.Minute),
	}

	inboundCfg := InboundConfig{
		DebounceMs:        getEnvInt("INBOUND_DEBOUNCE_MS", 5000),
		WaitContactIdleMs: getEnvInt("INBOUND_WAIT_CONTACT_IDLE_MS", 10000),
		MediaTimeout:      getEnvDuration("INBOUND_MEDIA_TIMEOUT", 30*time.Second),
		AutoDownloadMedia: getEnvBool("INBOUND_AUTO_DOWNLOAD_MEDIA", true),
		PollContextTTL:    getEnvDuration("INBOUND_POLL_CONTEXT_TTL", 24*time.Hour),
		ContactCacheTTL:   getEnvDuration("INBOUND_CONTACT_CACHE_TTL", 6*time.Hour),
	}

	cfg := &Config{
		App:        appCfg,
		Paths:      pathsCfg,
		Database:   dbCfg,
		Whatsapp:   waCfg,
		Connection: connCfg,
		Health:     healthCfg,
		Reconnect:  reconnectCfg,
		Session:    sessionCfg,
		Send:       sendCfg,
		Inbound:    inboundCfg,
		WorkerPool: WorkerPoolConfig{Size: getEnvInt("MESSAGE_WORKER_POOL_SIZE", 20), QueueSize: getEnvInt("MESSAGE_WORKER_QUEUE_SIZE", 1000)},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	Global = cfg
	return cfg, nil
}

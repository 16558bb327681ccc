package cmd

import (
	"context"
	"os"
	"time"

	"github.com/AzielCF/az-wap-connector/core/config"
	"github.com/AzielCF/az-wap-connector/pkg/utils"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var appConfig *config.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "az-wap-connector",
	Short: "Multi-tenant WhatsApp connection manager",
	Long: `Keeps many WhatsApp multi-device sessions alive: supervises each connection,
probes its health, reconnects with backoff, backs up credentials and moves
messages in and out of storage.`,
}

func init() {
	// .env is optional; real env vars win over it
	_ = godotenv.Load()

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	initFlags()

	cobra.OnInitialize(initEnvConfig, initApp)
}

// flagBindings maps viper keys to persistent flag names.
var flagBindings = map[string]string{
	"app_debug":          "debug",
	"app_os":             "os",
	"db_driver":          "db-driver",
	"db_name":            "db-name",
	"path_sessions":      "sessions-path",
	"path_media_cache":   "media-path",
	"valkey_enabled":     "valkey",
	"valkey_address":     "valkey-address",
	"whatsapp_log_level": "whatsapp-log-level",
	"reconnect_workers":  "reconnect-workers",
	"message_workers":    "message-workers",
	"message_queue_size": "message-queue-size",
	"auto_download":      "auto-download-media",
}

func initFlags() {
	flags := rootCmd.PersistentFlags()

	flags.BoolP("debug", "d", false, "displaying debug logs --debug <true/false> | example: --debug=true")
	flags.String("os", "", `device os name shown on the phone --os <string> | example: --os="AzielCf"`)
	flags.String("db-driver", "", `storage driver --db-driver <sqlite|postgres> | example: --db-driver=postgres`)
	flags.String("db-name", "", `sqlite file or postgres database name --db-name <string> | example: --db-name="storages/connector.db"`)
	flags.String("sessions-path", "", `root of the per-connection credential directories --sessions-path <dir>`)
	flags.String("media-path", "", `downloaded media cache --media-path <dir>`)
	flags.Bool("valkey", false, "use valkey for the event bus, poll contexts and attempt locks --valkey <true/false>")
	flags.String("valkey-address", "", `valkey address --valkey-address <host:port> | example: --valkey-address="localhost:6379"`)
	flags.String("whatsapp-log-level", "", `whatsmeow log level --whatsapp-log-level <DEBUG|INFO|WARN|ERROR>`)
	flags.Int("reconnect-workers", 0, "number of reconnect workers --reconnect-workers <number> | example: --reconnect-workers=4")
	flags.Int("message-workers", 0, "number of concurrent inbound message workers --message-workers <number> | example: --message-workers=30 (default: 20)")
	flags.Int("message-queue-size", 0, "queue size per message worker --message-queue-size <number> | example: --message-queue-size=1500 (default: 1000)")
	flags.Bool("auto-download-media", true, "download media of incoming messages --auto-download-media <true/false>")

	for key, name := range flagBindings {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			logrus.Fatalf("[CONFIG] Failed to bind flag %s: %v", name, err)
		}
	}
}

// initEnvConfig loads the env configuration and lets explicit flags override it.
func initEnvConfig() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("[CONFIG] Invalid configuration: %v", err)
	}

	if viper.IsSet("app_debug") {
		cfg.App.Debug = viper.GetBool("app_debug")
	}
	if v := viper.GetString("app_os"); v != "" {
		cfg.App.OS = v
	}
	if v := viper.GetString("db_driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("db_name"); v != "" {
		cfg.Database.Name = v
	}
	if v := viper.GetString("path_sessions"); v != "" {
		cfg.Paths.Sessions = v
	}
	if v := viper.GetString("path_media_cache"); v != "" {
		cfg.Paths.MediaCache = v
	}
	if viper.IsSet("valkey_enabled") {
		cfg.Database.ValkeyEnabled = viper.GetBool("valkey_enabled")
	}
	if v := viper.GetString("valkey_address"); v != "" {
		cfg.Database.ValkeyAddress = v
	}
	if v := viper.GetString("whatsapp_log_level"); v != "" {
		cfg.Whatsapp.LogLevel = v
	}
	if v := viper.GetInt("reconnect_workers"); v > 0 {
		cfg.Reconnect.Workers = v
	}
	if v := viper.GetInt("message_workers"); v > 0 {
		cfg.WorkerPool.Size = v
	}
	if v := viper.GetInt("message_queue_size"); v > 0 {
		cfg.WorkerPool.QueueSize = v
	}
	if viper.IsSet("auto_download") {
		cfg.Inbound.AutoDownloadMedia = viper.GetBool("auto_download")
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("[CONFIG] Invalid configuration after flags: %v", err)
	}
	config.Global = cfg
	appConfig = cfg
}

func initApp() {
	if appConfig.App.Debug {
		appConfig.Whatsapp.LogLevel = "DEBUG"
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.Debugf("[CONFIG] Loaded settings: %v", config.GetAllSettings())

	//preparing folder if not exist
	if err := utils.CreateFolder(appConfig.Paths.BaseDir, appConfig.Paths.Sessions, appConfig.Paths.MediaCache); err != nil {
		logrus.Errorln(err)
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

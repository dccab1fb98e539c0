package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/validator"
)

// EnvPrefix prefixes environment overrides, e.g. RELAYSYNC_REMOTE_PASSWORD
const EnvPrefix = "RELAYSYNC"

// Config is the application configuration
type Config struct {
	Remote       RemoteConfig           `mapstructure:"remote"`
	Sync         SyncConfig             `mapstructure:"sync"`
	Writes       WriteConfig            `mapstructure:"writes"`
	Cursor       CursorConfig           `mapstructure:"cursor"`
	MQTT         MQTTConfig             `mapstructure:"mqtt"`
	Transformers map[string]Transformer `mapstructure:"transformers"`
	Storage      StorageConfig          `mapstructure:"storage"`
	Logger       LoggerConfig           `mapstructure:"logger"`
}

// RemoteConfig is the cloud relay account and transport tuning
type RemoteConfig struct {
	MailboxURL        string        `mapstructure:"mailbox_url"`
	RelayURL          string        `mapstructure:"relay_url"`
	Account           string        `mapstructure:"account"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	DeveloperID       string        `mapstructure:"developer_id"`
	DeviceUsername    string        `mapstructure:"device_username"`
	DevicePassword    string        `mapstructure:"device_password"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Breaker           bool          `mapstructure:"breaker"`
	// MalformedHistory is "fail" or "skip"
	MalformedHistory string `mapstructure:"malformed_history"`
}

// SyncConfig drives the orchestrator
type SyncConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	LiveInterval    time.Duration `mapstructure:"live_interval"`
	HistoryEnabled  bool          `mapstructure:"history_enabled"`
	HistoryProvider string        `mapstructure:"history_provider"`
	LiveWorkers     int           `mapstructure:"live_workers"`
	ForceResync     bool          `mapstructure:"force_resync"`
	ForceSync       bool          `mapstructure:"force_sync"`
}

// WriteConfig configures the write buffer. -1 disables buffering.
type WriteConfig struct {
	BufferWindowMs int64 `mapstructure:"buffer_window_ms"`
}

// Window returns the buffer window as a duration
func (w WriteConfig) Window() time.Duration {
	if w.BufferWindowMs < 0 {
		return -1
	}
	return time.Duration(w.BufferWindowMs) * time.Millisecond
}

// CursorConfig selects where the sync cursor is kept
type CursorConfig struct {
	// Backend is "file", "mysql" or "postgresql"
	Backend string `mapstructure:"backend"`
	// Path is a file path for the file backend, a DSN otherwise
	Path string `mapstructure:"path"`
}

// MQTTConfig is the tag provider broker connection
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

// Transformer is a value script for one device, "*" for all others
type Transformer struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// LoggerConfig is the logging configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// StorageConfig lists the historian destinations
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
}

// FileStorageConfig is the JSON lines history destination
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig is the SQL history destination
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// ConfigChangeCallback is called with the reloaded configuration
type ConfigChangeCallback func(cfg *Config) error

func setDefaults() {
	viper.SetDefault("remote.timeout", 30*time.Second)
	viper.SetDefault("remote.requests_per_second", 0)
	viper.SetDefault("remote.burst", 1)
	viper.SetDefault("remote.breaker", true)
	viper.SetDefault("remote.malformed_history", "fail")
	viper.SetDefault("remote.account", "")
	viper.SetDefault("remote.username", "")
	viper.SetDefault("remote.password", "")
	viper.SetDefault("remote.developer_id", "")
	viper.SetDefault("remote.device_username", "")
	viper.SetDefault("remote.device_password", "")

	viper.SetDefault("sync.poll_interval", time.Minute)
	viper.SetDefault("sync.live_interval", 0)
	viper.SetDefault("sync.history_enabled", false)
	viper.SetDefault("sync.history_provider", "")
	viper.SetDefault("sync.live_workers", 4)

	viper.SetDefault("writes.buffer_window_ms", -1)

	viper.SetDefault("cursor.backend", "file")
	viper.SetDefault("cursor.path", "data/cursor.json")

	viper.SetDefault("mqtt.topic_prefix", "relay-sync")
	viper.SetDefault("mqtt.qos", 1)

	viper.SetDefault("storage.file.name", "file")
	viper.SetDefault("storage.file.path", "data/history")
	viper.SetDefault("storage.database.name", "historian")

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.console", true)
	viper.SetDefault("logger.max_size", 10)
	viper.SetDefault("logger.max_backups", 5)
}

// LoadConfig loads the configuration file at configPath
func LoadConfig(configPath string) (*Config, error) {
	viper.Reset()
	setDefaults()
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings that would otherwise fail at runtime
func (c *Config) Validate() error {
	var errs []error

	if c.Remote.MailboxURL == "" {
		errs = append(errs, errors.New("remote.mailbox_url is required"))
	}
	if c.Remote.RelayURL == "" {
		errs = append(errs, errors.New("remote.relay_url is required"))
	}
	if err := validator.All(c.Remote,
		&validator.RangeValidator{Field: "RequestsPerSecond", Min: 0, Max: 1000},
		&validator.OneOfValidator{Field: "MalformedHistory", Allowed: []string{"fail", "skip"}},
	); err != nil {
		errs = append(errs, fmt.Errorf("remote: %w", err))
	}

	if err := validator.All(c.Sync,
		&validator.DurationRangeValidator{Field: "PollInterval", Min: time.Second},
		&validator.DurationRangeValidator{Field: "LiveInterval", Min: 100 * time.Millisecond, AllowZero: true},
		&validator.RangeValidator{Field: "LiveWorkers", Min: 1, Max: 64},
	); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}

	if c.Sync.HistoryEnabled && c.Sync.HistoryProvider != "" && !c.Storage.HasDestination(c.Sync.HistoryProvider) {
		errs = append(errs, fmt.Errorf("sync.history_provider %q is not an enabled storage destination", c.Sync.HistoryProvider))
	}

	if err := validator.All(c.Cursor,
		&validator.OneOfValidator{Field: "Backend", Allowed: []string{"file", "mysql", "postgresql"}},
	); err != nil {
		errs = append(errs, fmt.Errorf("cursor: %w", err))
	}

	if err := validator.All(c.MQTT,
		&validator.RangeValidator{Field: "QoS", Min: 0, Max: 2},
	); err != nil {
		errs = append(errs, fmt.Errorf("mqtt: %w", err))
	}

	return errors.Join(errs...)
}

// HasDestination reports whether name is an enabled history destination
func (s StorageConfig) HasDestination(name string) bool {
	return (s.File.Enabled && s.File.Name == name) || (s.Database.Enabled && s.Database.Name == name)
}

// WatchConfig watches the configuration file and calls callback with each
// valid new version
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	viper.SetConfigFile(absPath)
	viper.WatchConfig()

	// editors often emit several writes per save
	var lastChangeTime time.Time
	var debounceInterval = 2 * time.Second

	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("config file changed: %s", e.Name)

		var newConfig Config
		if err := viper.Unmarshal(&newConfig); err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}
		if err := newConfig.Validate(); err != nil {
			logger.Error("updated config is invalid, keeping the previous one: %v", err)
			return
		}

		if err := callback(&newConfig); err != nil {
			logger.Error("failed to apply new config: %v", err)
			return
		}

		logger.Info("config updated and applied")
	})

	return nil
}

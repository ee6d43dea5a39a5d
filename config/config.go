package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/validator"
)

// EnvPrefix is the prefix of environment overrides (SCADA_SERVER_ADDR, ...).
const EnvPrefix = "SCADA"

// Config is the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	System     SystemConfig     `mapstructure:"system"`
	Controller ControllerConfig `mapstructure:"controller"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Hub        HubConfig        `mapstructure:"hub"`
	Historian  HistorianConfig  `mapstructure:"historian"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig is the HTTP/WebSocket listener configuration
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SystemConfig locates the persisted point, alarm and event documents
type SystemConfig struct {
	Name       string `mapstructure:"name"`
	User       string `mapstructure:"user"`
	DefsPath   string `mapstructure:"defs_path"`
	AlarmsPath string `mapstructure:"alarms_path"`
	EventsPath string `mapstructure:"events_path"`
	MaxEvents  int    `mapstructure:"max_events"`
}

// ControllerConfig selects the controller image source
type ControllerConfig struct {
	Type        string      `mapstructure:"type"`
	Path        string      `mapstructure:"path"`
	MQTT        MQTTConfig  `mapstructure:"mqtt"`
	Transformer Transformer `mapstructure:"transformer"`
}

// MQTTConfig is the MQTT connection configuration
type MQTTConfig struct {
	Broker        string   `mapstructure:"broker"`
	ClientID      string   `mapstructure:"client_id"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	Topics        []string `mapstructure:"topics"`
	SettingsTopic string   `mapstructure:"settings_topic"`
	CommandTopic  string   `mapstructure:"command_topic"`
}

// Transformer is the payload script configuration
type Transformer struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// SyncConfig drives the reconciliation tick
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// HubConfig tunes the WebSocket hub
type HubConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SendQueue         int           `mapstructure:"send_queue"`
}

// HistorianConfig is the historian storage and scheduling configuration
type HistorianConfig struct {
	Enabled           bool            `mapstructure:"enabled"`
	Type              string          `mapstructure:"type"`
	DSN               string          `mapstructure:"dsn"`
	SampleInterval    time.Duration   `mapstructure:"sample_interval"`
	MinPeriod         time.Duration   `mapstructure:"min_period"`
	Deadband          float64         `mapstructure:"deadband"`
	Rollup30sInterval time.Duration   `mapstructure:"rollup_30s_interval"`
	Rollup5mInterval  time.Duration   `mapstructure:"rollup_5m_interval"`
	RetentionInterval time.Duration   `mapstructure:"retention_interval"`
	MaxRows           int             `mapstructure:"max_rows"`
	Retention         RetentionConfig `mapstructure:"retention"`
}

// RetentionConfig holds the per-tier retention ceilings
type RetentionConfig struct {
	Raw   time.Duration `mapstructure:"raw"`
	Short time.Duration `mapstructure:"short"`
	Long  time.Duration `mapstructure:"long"`
}

// LoggerConfig is the logging configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// ConfigChangeCallback is invoked with the re-read configuration when the file changes
type ConfigChangeCallback func(cfg *Config) error

var (
	mu sync.Mutex
	v  = newViper()
)

func newViper() *viper.Viper {
	vp := viper.New()
	setDefaults(vp)
	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()
	return vp
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("server.addr", ":3000")
	vp.SetDefault("server.allowed_origins", []string{})

	vp.SetDefault("system.name", "SCADA")
	vp.SetDefault("system.user", "TC")
	vp.SetDefault("system.defs_path", "data/points.json")
	vp.SetDefault("system.alarms_path", "data/alarms.json")
	vp.SetDefault("system.events_path", "data/events.json")
	vp.SetDefault("system.max_events", 1000)

	vp.SetDefault("controller.type", "file")
	vp.SetDefault("controller.path", "data/plc.json")
	vp.SetDefault("controller.mqtt.broker", "")
	vp.SetDefault("controller.mqtt.client_id", "")
	vp.SetDefault("controller.mqtt.username", "")
	vp.SetDefault("controller.mqtt.password", "")
	vp.SetDefault("controller.mqtt.topics", []string{"plc/+/points"})
	vp.SetDefault("controller.mqtt.settings_topic", "plc/settings")
	vp.SetDefault("controller.mqtt.command_topic", "plc/commands")
	vp.SetDefault("controller.transformer.script_path", "")
	vp.SetDefault("controller.transformer.script_code", "")

	vp.SetDefault("sync.interval", time.Second)

	vp.SetDefault("hub.heartbeat_interval", 25*time.Second)
	vp.SetDefault("hub.send_queue", 256)

	vp.SetDefault("historian.enabled", true)
	vp.SetDefault("historian.type", "sqlite")
	vp.SetDefault("historian.dsn", "data/historian.db")
	vp.SetDefault("historian.sample_interval", time.Second)
	vp.SetDefault("historian.min_period", time.Second)
	vp.SetDefault("historian.deadband", 0.001)
	vp.SetDefault("historian.rollup_30s_interval", time.Minute)
	vp.SetDefault("historian.rollup_5m_interval", 5*time.Minute)
	vp.SetDefault("historian.retention_interval", time.Hour)
	vp.SetDefault("historian.max_rows", 10000)
	vp.SetDefault("historian.retention.raw", 24*time.Hour)
	vp.SetDefault("historian.retention.short", 7*24*time.Hour)
	vp.SetDefault("historian.retention.long", 365*24*time.Hour)

	vp.SetDefault("logger.level", "info")
	vp.SetDefault("logger.file_path", "")
	vp.SetDefault("logger.max_size", 10)
	vp.SetDefault("logger.max_backups", 5)
	vp.SetDefault("logger.console", true)
}

// Default returns the configuration built from defaults and environment only.
func Default() *Config {
	mu.Lock()
	defer mu.Unlock()
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadConfig loads the configuration file at configPath. An empty path uses
// defaults and environment overrides only.
func LoadConfig(configPath string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	v = newViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks the values the runtime cannot recover from.
func (c *Config) Validate() error {
	checks := []error{
		validator.ValidateAll(c.System,
			&validator.RequiredValidator{Field: "DefsPath", Name: "system.defs_path"},
			&validator.RangeValidator{Field: "MaxEvents", Min: 1, Max: 1e6},
		),
		validator.ValidateAll(c.Controller,
			&validator.OneOfValidator{Field: "Type", Values: []string{"file", "mqtt"}},
		),
		validator.ValidateAll(c.Hub,
			&validator.RangeValidator{Field: "SendQueue", Min: 1, Max: 65536},
		),
		validator.ValidateAll(c.Historian,
			&validator.OneOfValidator{Field: "Type", Values: []string{"sqlite", "mysql", "postgresql"}},
			&validator.RangeValidator{Field: "Deadband", Min: 0, Max: 1},
			&validator.RangeValidator{Field: "MaxRows", Min: 1, Max: 1e6},
		),
	}
	if c.Controller.Type == "mqtt" {
		checks = append(checks, validator.ValidateAll(c.Controller.MQTT,
			&validator.RequiredValidator{Field: "Broker", Name: "controller.mqtt.broker"},
			&validator.RequiredValidator{Field: "Topics", Name: "controller.mqtt.topics"},
		))
	} else {
		checks = append(checks, validator.ValidateAll(c.Controller,
			&validator.RequiredValidator{Field: "Path", Name: "controller.path"},
		))
	}
	if c.Sync.Interval <= 0 {
		checks = append(checks, fmt.Errorf("sync.interval must be positive"))
	}
	if c.Hub.HeartbeatInterval <= 0 {
		checks = append(checks, fmt.Errorf("hub.heartbeat_interval must be positive"))
	}
	if _, err := logger.ParseLogLevel(c.Logger.Level); err != nil {
		checks = append(checks, err)
	}

	var failed []string
	for _, err := range checks {
		if err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s", strings.Join(failed, "; "))
	}
	return nil
}

// WatchConfig watches the configuration file and invokes callback on change
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	mu.Lock()
	vp := v
	mu.Unlock()

	vp.SetConfigFile(absPath)
	vp.WatchConfig()

	// debounce, editors emit several writes per save
	var lastChangeTime time.Time
	var debounceInterval = 2 * time.Second

	vp.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write != fsnotify.Write {
			return
		}
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("config file changed: %s", e.Name)

		mu.Lock()
		var newConfig Config
		err := vp.Unmarshal(&newConfig)
		mu.Unlock()
		if err != nil {
			logger.Error("failed to decode updated config: %v", err)
			return
		}
		if err := newConfig.Validate(); err != nil {
			logger.Error("updated config rejected: %v", err)
			return
		}

		if err := callback(&newConfig); err != nil {
			logger.Error("failed to apply new config: %v", err)
			return
		}

		logger.Info("config reloaded and applied")
	})

	return nil
}

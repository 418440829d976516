package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/eddielth/shellyd/logger"
)

// Config is the daemon configuration
type Config struct {
	Cloud        CloudConfig         `mapstructure:"cloud"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Devices      []Device            `mapstructure:"devices"`
	Poll         PollConfig          `mapstructure:"poll"`
	Transformers []TransformerConfig `mapstructure:"transformers"`
	Validation   []RangeRule         `mapstructure:"validation"`
	Storage      StorageConfig       `mapstructure:"storage"`
	MQTT         MQTTConfig          `mapstructure:"mqtt"`
	Logger       LoggerConfig        `mapstructure:"logger"`
	Status       StatusConfig        `mapstructure:"status"`

	settings map[string]interface{}
}

// Device maps a cloud device id to a station/sensor pair in the store
type Device struct {
	ID      string `mapstructure:"id" json:"id"`
	Station string `mapstructure:"station" json:"station"`
	Sensor  string `mapstructure:"sensor" json:"sensor"`
}

// CloudConfig describes the cloud endpoint
type CloudConfig struct {
	URL              string        `mapstructure:"url"`
	Endpoint         string        `mapstructure:"endpoint"`
	Key              string        `mapstructure:"key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// DatabaseConfig holds the store connection parameters
type DatabaseConfig struct {
	Type         string `mapstructure:"type"`
	Hostname     string `mapstructure:"hostname"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	Port         int    `mapstructure:"port"`
	SSLMode      string `mapstructure:"sslmode"`
	Path         string `mapstructure:"path"`
	CreateSchema bool   `mapstructure:"create_schema"`
}

// PollConfig tunes the polling loop
type PollConfig struct {
	// TimeKey is "device" (reading timestamp) or "cycle" (cycle start, minute aligned)
	TimeKey string `mapstructure:"time_key"`
	Workers int    `mapstructure:"workers"`
	DryRun  bool   `mapstructure:"dry_run"`
}

// TransformerConfig binds a calibration script to one device
type TransformerConfig struct {
	Device     string `mapstructure:"device"`
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// RangeRule bounds one reading field
type RangeRule struct {
	Field string  `mapstructure:"field"`
	Min   float64 `mapstructure:"min"`
	Max   float64 `mapstructure:"max"`
}

// StorageConfig configures the secondary sinks
type StorageConfig struct {
	File   FileStorageConfig   `mapstructure:"file"`
	Influx InfluxStorageConfig `mapstructure:"influx"`
}

// FileStorageConfig configures the JSON lines archive
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// InfluxStorageConfig configures the InfluxDB mirror
type InfluxStorageConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	Database    string `mapstructure:"database"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Measurement string `mapstructure:"measurement"`
}

// MQTTConfig configures the reading publisher
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
	Retain      bool   `mapstructure:"retain"`
}

// LoggerConfig represents the log configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// StatusConfig configures the status/metrics HTTP listener
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ConfigChangeCallback is called with the new configuration after the file changed
type ConfigChangeCallback func(cfg *Config) error

func setDefaults(v *viper.Viper) {
	v.SetDefault("cloud.url", "")
	v.SetDefault("cloud.endpoint", "/v2/devices/api/get")
	v.SetDefault("cloud.key", "")
	v.SetDefault("cloud.timeout", 10*time.Second)
	v.SetDefault("cloud.max_response_bytes", int64(4<<20))
	v.SetDefault("cloud.user_agent", "shellyd-agent")

	v.SetDefault("database.type", "mysql")
	v.SetDefault("database.hostname", "localhost")
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "meteo")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "shellyd.db")
	v.SetDefault("database.create_schema", false)

	v.SetDefault("poll.time_key", "device")
	v.SetDefault("poll.workers", 1)
	v.SetDefault("poll.dry_run", false)

	v.SetDefault("storage.file.enabled", false)
	v.SetDefault("storage.file.path", "./data")
	v.SetDefault("storage.influx.enabled", false)
	v.SetDefault("storage.influx.measurement", "shelly")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.topic_prefix", "shellyd")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file_path", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.listen", ":9464")
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("SHELLYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.settings = v.AllSettings()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfig loads the configuration file at configPath. A .env file in the
// working directory, when present, seeds SHELLYD_* overrides.
func LoadConfig(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return decode(v)
}

// Validate checks the device list and the mandatory cloud settings
func (c *Config) Validate() error {
	if c.Cloud.URL == "" {
		return fmt.Errorf("cloud.url is required")
	}
	if c.Cloud.Key == "" {
		return fmt.Errorf("cloud.key is required")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" || d.Station == "" || d.Sensor == "" {
			return fmt.Errorf("devices[%d]: id, station and sensor are required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate device id %s", i, d.ID)
		}
		seen[d.ID] = true
	}

	switch c.Poll.TimeKey {
	case "device", "cycle":
	default:
		return fmt.Errorf("poll.time_key must be device or cycle, got %q", c.Poll.TimeKey)
	}
	if c.Poll.Workers < 0 {
		return fmt.Errorf("poll.workers must not be negative, got %d", c.Poll.Workers)
	}

	switch c.Database.Type {
	case "", "mysql", "postgresql", "sqlite":
	default:
		return fmt.Errorf("database.type must be mysql, postgresql or sqlite, got %q", c.Database.Type)
	}
	return nil
}

// Directory returns the immutable device directory for this configuration
func (c *Config) Directory() (*Directory, error) {
	return NewDirectory(c.Devices, c.settings)
}

// WatchConfig watches the configuration file and calls callback after each change
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	// Get the absolute path of the configuration file
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper(absPath)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.WatchConfig()

	// Debounce, editors often write twice
	var lastChangeTime time.Time
	var debounceInterval = 2 * time.Second

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("configuration file changed: %s", e.Name)

		newConfig, err := decode(v)
		if err != nil {
			logger.Error("failed to parse updated configuration: %v", err)
			return
		}

		if err := callback(newConfig); err != nil {
			logger.Error("failed to apply new configuration: %v", err)
			return
		}

		logger.Info("configuration updated and applied")
	})

	return nil
}

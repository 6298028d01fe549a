package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/adbfleet/adbfleet/internal/logger"
	"github.com/adbfleet/adbfleet/internal/logstore"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Listen            string            `toml:"listen" mapstructure:"listen"`
	BasePath          string            `toml:"base_path" mapstructure:"base_path"`
	DataDir           string            `toml:"data_dir" mapstructure:"data_dir"`
	ScriptsDir        string            `toml:"scripts_dir" mapstructure:"scripts_dir"`
	Interpreter       string            `toml:"interpreter" mapstructure:"interpreter"`
	ADBBinary         string            `toml:"adb_binary" mapstructure:"adb_binary"`
	DiscoveryInterval time.Duration     `toml:"discovery_interval" mapstructure:"discovery_interval"`
	StopWait          time.Duration     `toml:"stop_wait" mapstructure:"stop_wait"`
	HistoryDSN        string            `toml:"history_dsn" mapstructure:"history_dsn"`
	DeviceNames       map[string]string `toml:"device_names" mapstructure:"device_names"`
	Log               *LogConfig        `toml:"log" mapstructure:"log"`
	Logging           *logger.Config    `toml:"logging" mapstructure:"logging"`
	Metrics           *MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Schedules         []ScheduleConfig  `toml:"schedules" mapstructure:"schedules"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxEntries int    `toml:"max_entries" mapstructure:"max_entries"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// ScheduleConfig launches a script on a device from a cron expression.
type ScheduleConfig struct {
	Name    string `toml:"name" mapstructure:"name"`
	Device  string `toml:"device" mapstructure:"device"`
	Script  string `toml:"script" mapstructure:"script"`
	Options string `toml:"options" mapstructure:"options"`
	Cron    string `toml:"cron" mapstructure:"cron"`
}

// Load reads a TOML config file and applies defaults for anything the
// file leaves out. An empty path yields pure defaults.
func Load(path string) (FileConfig, error) {
	fc := defaults()
	if path == "" {
		return fc, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	fc.applyDefaults()
	if err := fc.validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

func defaults() FileConfig {
	fc := FileConfig{
		Listen:            "127.0.0.1:8080",
		BasePath:          "/api",
		DataDir:           "data",
		ScriptsDir:        "scripts",
		Interpreter:       "python3",
		ADBBinary:         "adb",
		DiscoveryInterval: 5 * time.Second,
		StopWait:          5 * time.Second,
	}
	fc.applyDefaults()
	return fc
}

// ApplyDefaults fills zero-valued fields; Load calls it automatically,
// embedders constructing a FileConfig by hand get the same treatment
// when the coordinator boots.
func (fc *FileConfig) ApplyDefaults() { fc.applyDefaults() }

func (fc *FileConfig) applyDefaults() {
	if fc.Listen == "" {
		fc.Listen = "127.0.0.1:8080"
	}
	if fc.BasePath == "" {
		fc.BasePath = "/api"
	}
	if fc.DataDir == "" {
		fc.DataDir = "data"
	}
	if fc.ScriptsDir == "" {
		fc.ScriptsDir = "scripts"
	}
	if fc.Interpreter == "" {
		fc.Interpreter = "python3"
	}
	if fc.ADBBinary == "" {
		fc.ADBBinary = "adb"
	}
	if fc.DiscoveryInterval <= 0 {
		fc.DiscoveryInterval = 5 * time.Second
	}
	if fc.StopWait <= 0 {
		fc.StopWait = 5 * time.Second
	}
	if fc.Log == nil {
		fc.Log = &LogConfig{}
	}
	if fc.Log.Dir == "" {
		fc.Log.Dir = filepath.Join(fc.DataDir, "logs")
	}
	if fc.Metrics == nil {
		fc.Metrics = &MetricsConfig{}
	}
	if fc.Logging == nil {
		lc := logger.DefaultConfig()
		fc.Logging = &lc
	}
}

func (fc *FileConfig) validate() error {
	for i, sc := range fc.Schedules {
		if sc.Cron == "" {
			return fmt.Errorf("schedules[%d] %q: cron expression is required", i, sc.Name)
		}
		if sc.Device == "" || sc.Script == "" {
			return fmt.Errorf("schedules[%d] %q: device and script are required", i, sc.Name)
		}
	}
	return nil
}

// StatePath is where the device registry persists between restarts.
func (fc *FileConfig) StatePath() string {
	return filepath.Join(fc.DataDir, "devices.json")
}

// LogstoreConfig maps the [log] section onto the log store's knobs.
func (fc *FileConfig) LogstoreConfig() logstore.Config {
	return logstore.Config{
		Dir:        fc.Log.Dir,
		MaxEntries: fc.Log.MaxEntries,
		MaxSizeMB:  fc.Log.MaxSizeMB,
		MaxBackups: fc.Log.MaxBackups,
		MaxAgeDays: fc.Log.MaxAgeDays,
		Compress:   fc.Log.Compress,
	}
}

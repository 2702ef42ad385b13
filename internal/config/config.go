// Package config loads trainerctl settings from flags, TRAINER_* environment
// variables and an optional YAML file, and builds the process logger.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const EnvPrefix = "TRAINER"

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables rotated file output instead of stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// BridgeConfig controls `trainerctl bridge`.
type BridgeConfig struct {
	Listen string `mapstructure:"listen"`
}

// Config holds application configuration
type Config struct {
	Transport    string        `mapstructure:"transport"`
	CompanionURL string        `mapstructure:"companion_url"`
	AntBridgeURL string        `mapstructure:"ant_bridge_url"`
	ScanTimeout  time.Duration `mapstructure:"scan_timeout"`
	ErgDebounce  time.Duration `mapstructure:"erg_debounce"`
	// Simulate replaces the Bluetooth radio with a simulated trainer:
	// none, ftms, cps or csc.
	Simulate string `mapstructure:"simulate"`
	// PreferencesFile remembers the last trainer per transport. Empty
	// selects ~/.smart-trainer/trainer_connect.json.
	PreferencesFile string       `mapstructure:"preferences_file"`
	Log             LogConfig    `mapstructure:"log"`
	Bridge          BridgeConfig `mapstructure:"bridge"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Transport:    "auto",
		CompanionURL: "ws://localhost:8765",
		AntBridgeURL: "ws://localhost:8766",
		ScanTimeout:  5 * time.Second,
		ErgDebounce:  200 * time.Millisecond,
		Simulate:     "none",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Bridge: BridgeConfig{Listen: ":8765"},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"transport":       "transport",
	"companion-url":   "companion_url",
	"ant-bridge-url":  "ant_bridge_url",
	"scan-timeout":    "scan_timeout",
	"erg-debounce":    "erg_debounce",
	"simulate":        "simulate",
	"prefs-file":      "preferences_file",
	"log-level":       "log.level",
	"log-file":        "log.file",
	"log-max-size":    "log.max_size_mb",
	"log-max-backups": "log.max_backups",
	"log-max-age":     "log.max_age_days",
	"listen":          "bridge.listen",
}

// RegisterFlags adds the global flags to flags. Their defaults are left
// empty so that unset flags do not shadow the file or environment.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to a YAML config file")
	flags.String("transport", "", "Trainer transport (auto, ftms, companion, ant)")
	flags.String("companion-url", "", "Companion bridge WebSocket URL")
	flags.String("ant-bridge-url", "", "ANT+ bridge URL")
	flags.Duration("scan-timeout", 0, "How long a Bluetooth scan runs")
	flags.Duration("erg-debounce", 0, "Window in which ERG target changes coalesce")
	flags.String("simulate", "", "Use a simulated trainer (ftms, cps, csc)")
	flags.String("prefs-file", "", "File remembering the last trainer per transport")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Write logs to this file, rotated")
	flags.Int("log-max-size", 0, "Rotate the log file after this many MB")
	flags.Int("log-max-backups", 0, "Rotated log files to keep")
	flags.Int("log-max-age", 0, "Days to keep rotated log files")
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("transport", d.Transport)
	v.SetDefault("companion_url", d.CompanionURL)
	v.SetDefault("ant_bridge_url", d.AntBridgeURL)
	v.SetDefault("scan_timeout", d.ScanTimeout)
	v.SetDefault("erg_debounce", d.ErgDebounce)
	v.SetDefault("simulate", d.Simulate)
	v.SetDefault("preferences_file", d.PreferencesFile)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("bridge.listen", d.Bridge.Listen)
}

// Load resolves the configuration. Precedence, highest first: flags that
// were set, TRAINER_* environment variables, the config file, defaults.
// flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var configFile string
	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
		if f := flags.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}
	if configFile == "" {
		configFile = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can use.
func (c *Config) Validate() error {
	switch c.Transport {
	case "auto", "ftms", "companion", "ant":
	default:
		return fmt.Errorf("invalid transport %q: must be auto, ftms, companion or ant", c.Transport)
	}
	switch c.Simulate {
	case "", "none", "ftms", "cps", "csc":
	default:
		return fmt.Errorf("invalid simulate profile %q: must be none, ftms, cps or csc", c.Simulate)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: must be debug, info, warn or error", c.Log.Level)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan_timeout must be positive, got %v", c.ScanTimeout)
	}
	if c.ErgDebounce <= 0 {
		return fmt.Errorf("erg_debounce must be positive, got %v", c.ErgDebounce)
	}
	return nil
}

// Simulated reports whether a simulated trainer replaces the radio.
func (c *Config) Simulated() bool {
	return c.Simulate != "" && c.Simulate != "none"
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger creates the process logger. The returned closer releases the
// log file, if any.
func (c *Config) NewLogger() (*logrus.Logger, io.Closer, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if c.Log.File == "" {
		return logger, nopCloser{}, nil
	}
	file := &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
	}
	logger.SetOutput(file)
	return logger, file, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Device   DeviceConfig   `mapstructure:"device"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Log      LogConfig      `mapstructure:"log"`
	Timezone string         `mapstructure:"timezone"`
	Digest   DigestConfig   `mapstructure:"digest"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// TelegramConfig defines the chat transport settings
type TelegramConfig struct {
	Token        string `mapstructure:"token"`
	PollInterval int    `mapstructure:"poll_interval"` // seconds
	LogRequests  bool   `mapstructure:"log_requests"`  // bot library request logging
	SendTimeout  string `mapstructure:"send_timeout"`
}

// DeviceConfig identifies the BMS and how to read it
type DeviceConfig struct {
	MAC             string `mapstructure:"mac"`
	Name            string `mapstructure:"name"`
	Protocol        string `mapstructure:"protocol"`
	ReaderPath      string `mapstructure:"reader_path"`
	ReadTimeout     string `mapstructure:"read_timeout"`
	BreakerFailures int    `mapstructure:"breaker_failures"` // 0 disables the breaker
	BreakerOpenFor  string `mapstructure:"breaker_open_for"`
}

// MonitorConfig defines sampling and hysteresis settings
type MonitorConfig struct {
	CheckInterval int     `mapstructure:"check_interval"` // seconds
	MinVoltage    float64 `mapstructure:"min_voltage"`
	MaxVoltage    float64 `mapstructure:"max_voltage"`
	Threshold     float64 `mapstructure:"threshold"` // percentage points
}

// LogConfig defines where daily readings are persisted
type LogConfig struct {
	FilePath string `mapstructure:"file_path"`
}

// DigestConfig defines the daily summary job
type DigestConfig struct {
	SummaryTime string `mapstructure:"summary_time"` // HH:MM in Timezone
	Model       string `mapstructure:"model"`
	Prompt      string `mapstructure:"prompt"`
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	Timeout     string `mapstructure:"timeout"`
	JournalPath string `mapstructure:"journal_path"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the prometheus endpoint
type MetricsConfig struct {
	Address string `mapstructure:"address"` // empty disables the endpoint
}

// legacyEnv maps configuration keys to the environment variable names used by
// existing container deployments.
var legacyEnv = map[string][]string{
	"telegram.token":         {"TELEGRAM_BOT_TOKEN"},
	"telegram.poll_interval": {"POLLING_INTERVAL"},
	"telegram.log_requests":  {"LOG_HTTP_REQUESTS"},
	"device.mac":             {"DEVICE_MAC"},
	"device.name":            {"DEVICE_NAME"},
	"device.protocol":        {"DEVICE_PROTOCOL"},
	"device.reader_path":     {"JKBMS_PATH"},
	"monitor.check_interval": {"CHECK_INTERVAL"},
	"monitor.min_voltage":    {"MIN_VOLTAGE"},
	"monitor.max_voltage":    {"MAX_VOLTAGE"},
	"monitor.threshold":      {"NOTIFY_THRESHOLD"},
	"log.file_path":          {"LOG_FILE_PATH", "DATA_LOG_FILE"},
	"timezone":               {"TIMEZONE"},
	"digest.summary_time":    {"SUMMARY_TIME"},
	"digest.model":           {"OPENAI_MODEL"},
	"digest.prompt":          {"OPENAI_PROMPT"},
	"digest.api_key":         {"OPENAI_API_KEY"},
	"digest.base_url":        {"OPENAI_BASE_URL"},
	"logging.level":          {"LOG_LEVEL"},
	"logging.format":         {"LOG_FORMAT"},
	"metrics.address":        {"METRICS_ADDRESS"},
}

// Load loads configuration from file and environment variables. An empty
// configPath skips the file entirely.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	v.SetEnvPrefix("BMSWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, names := range legacyEnv {
		envKey := "BMSWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		args := append([]string{key, envKey}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Config file not found, use defaults and environment variables
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Telegram defaults
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.poll_interval", 10)
	v.SetDefault("telegram.log_requests", true)
	v.SetDefault("telegram.send_timeout", "10s")

	// Device defaults
	v.SetDefault("device.mac", "")
	v.SetDefault("device.name", "")
	v.SetDefault("device.protocol", "JK02_32")
	v.SetDefault("device.reader_path", "/app/jkbms-monitoring/bin/jkbms")
	v.SetDefault("device.read_timeout", "30s")
	v.SetDefault("device.breaker_failures", 0)
	v.SetDefault("device.breaker_open_for", "5m")

	// Monitor defaults
	v.SetDefault("monitor.check_interval", 300)
	v.SetDefault("monitor.min_voltage", 20.0)
	v.SetDefault("monitor.max_voltage", 25.0)
	v.SetDefault("monitor.threshold", 5.0)

	v.SetDefault("log.file_path", "/logs/stat.log")
	v.SetDefault("timezone", "UTC")

	// Digest defaults
	v.SetDefault("digest.summary_time", "00:00")
	v.SetDefault("digest.model", "gpt-3.5-turbo")
	v.SetDefault("digest.prompt", "Summarize the following battery data log:")
	v.SetDefault("digest.api_key", "")
	v.SetDefault("digest.base_url", "")
	v.SetDefault("digest.timeout", "60s")
	v.SetDefault("digest.journal_path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.address", "")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Monitor.CheckInterval <= 0 {
		return fmt.Errorf("invalid check interval: %d", cfg.Monitor.CheckInterval)
	}
	if cfg.Telegram.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval: %d", cfg.Telegram.PollInterval)
	}
	if cfg.Monitor.MaxVoltage <= cfg.Monitor.MinVoltage {
		return fmt.Errorf("max voltage (%.3f) must be greater than min voltage (%.3f)",
			cfg.Monitor.MaxVoltage, cfg.Monitor.MinVoltage)
	}
	if cfg.Monitor.Threshold < 0 {
		return fmt.Errorf("invalid notify threshold: %.2f", cfg.Monitor.Threshold)
	}

	if cfg.Log.FilePath == "" {
		return fmt.Errorf("log file path is required")
	}

	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	if _, err := time.Parse("15:04", cfg.Digest.SummaryTime); err != nil {
		return fmt.Errorf("invalid summary time %q (want HH:MM): %w", cfg.Digest.SummaryTime, err)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	if cfg.Digest.JournalPath == "" {
		cfg.Digest.JournalPath = filepath.Join(filepath.Dir(cfg.Log.FilePath), "digest.fired")
	}

	return nil
}

// Location returns the configured timezone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RequireToken reports an error when no bot token is configured. Commands
// that talk to the chat transport call it after Load.
func (c *Config) RequireToken() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram bot token is required (TELEGRAM_BOT_TOKEN)")
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

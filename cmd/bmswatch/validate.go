package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/bmswatch/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the bmswatch configuration file and environment for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if err := cfg.RequireToken(); err != nil {
		yellow := color.New(color.FgYellow, color.Bold)
		_, _ = yellow.Fprintf(os.Stdout, "⚠️  %v; monitor and digest will refuse to start\n", err)
	}
	if cfg.Digest.APIKey == "" && cfg.Digest.BaseURL == "" {
		yellow := color.New(color.FgYellow, color.Bold)
		_, _ = yellow.Fprintln(os.Stdout, "⚠️  No digest.api_key (OPENAI_API_KEY) set; digest will refuse to start")
	}

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, getDefaultConfig())
	}

	return nil
}

// getDefaultConfig creates a configuration with default values
func getDefaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// findUnknownKeys loads the config file and checks for unknown keys. A
// missing file has no unknown keys.
func findUnknownKeys(configPath string) ([]string, error) {
	if configPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys, taken from the
// registered defaults.
func getValidKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := map[string]bool{}
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	// Setup colors (only if terminal supports it)
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[telegram]")
	dumpField("  token", redactSecret(cfg.Telegram.Token), redactSecret(defaultCfg.Telegram.Token), yellow, green)
	dumpField("  poll_interval", cfg.Telegram.PollInterval, defaultCfg.Telegram.PollInterval, yellow, green)
	dumpField("  log_requests", cfg.Telegram.LogRequests, defaultCfg.Telegram.LogRequests, yellow, green)
	dumpField("  send_timeout", cfg.Telegram.SendTimeout, defaultCfg.Telegram.SendTimeout, yellow, green)

	_, _ = cyan.Println("\n[device]")
	dumpField("  mac", cfg.Device.MAC, defaultCfg.Device.MAC, yellow, green)
	dumpField("  name", cfg.Device.Name, defaultCfg.Device.Name, yellow, green)
	dumpField("  protocol", cfg.Device.Protocol, defaultCfg.Device.Protocol, yellow, green)
	dumpField("  reader_path", cfg.Device.ReaderPath, defaultCfg.Device.ReaderPath, yellow, green)
	dumpField("  read_timeout", cfg.Device.ReadTimeout, defaultCfg.Device.ReadTimeout, yellow, green)
	dumpField("  breaker_failures", cfg.Device.BreakerFailures, defaultCfg.Device.BreakerFailures, yellow, green)
	dumpField("  breaker_open_for", cfg.Device.BreakerOpenFor, defaultCfg.Device.BreakerOpenFor, yellow, green)

	_, _ = cyan.Println("\n[monitor]")
	dumpField("  check_interval", cfg.Monitor.CheckInterval, defaultCfg.Monitor.CheckInterval, yellow, green)
	dumpField("  min_voltage", cfg.Monitor.MinVoltage, defaultCfg.Monitor.MinVoltage, yellow, green)
	dumpField("  max_voltage", cfg.Monitor.MaxVoltage, defaultCfg.Monitor.MaxVoltage, yellow, green)
	dumpField("  threshold", cfg.Monitor.Threshold, defaultCfg.Monitor.Threshold, yellow, green)

	_, _ = cyan.Println("\n[log]")
	dumpField("  file_path", cfg.Log.FilePath, defaultCfg.Log.FilePath, yellow, green)

	_, _ = cyan.Println("\n[timezone]")
	dumpField("  timezone", cfg.Timezone, defaultCfg.Timezone, yellow, green)

	_, _ = cyan.Println("\n[digest]")
	dumpField("  summary_time", cfg.Digest.SummaryTime, defaultCfg.Digest.SummaryTime, yellow, green)
	dumpField("  model", cfg.Digest.Model, defaultCfg.Digest.Model, yellow, green)
	dumpField("  prompt", cfg.Digest.Prompt, defaultCfg.Digest.Prompt, yellow, green)
	dumpField("  api_key", redactSecret(cfg.Digest.APIKey), redactSecret(defaultCfg.Digest.APIKey), yellow, green)
	dumpField("  base_url", cfg.Digest.BaseURL, defaultCfg.Digest.BaseURL, yellow, green)
	dumpField("  timeout", cfg.Digest.Timeout, defaultCfg.Digest.Timeout, yellow, green)
	dumpField("  journal_path", cfg.Digest.JournalPath, defaultCfg.Digest.JournalPath, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[metrics]")
	dumpField("  address", cfg.Metrics.Address, defaultCfg.Metrics.Address, yellow, green)
}

// dumpField prints a single field, highlighting it if different from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret redacts a secret if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/bmswatch/internal/config"
	"github.com/goodtune/bmswatch/internal/level"
	"github.com/goodtune/bmswatch/internal/voltage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var readVerbose bool

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Take one voltage reading",
	Long:  `Run the BMS reader once and print the pack voltage and computed battery level. Nothing is logged or sent.`,
	RunE:  runRead,
}

func init() {
	readCmd.Flags().BoolVarP(&readVerbose, "verbose", "v", false, "Show the reader command and debug logging")
	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to load configuration: %v\n", err)
		return err
	}

	logger := zerolog.Nop()
	if readVerbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"
		logger = setupLogger(cfg.Logging, cfg.Location())
	}

	src := voltage.NewCommandSource(voltage.CommandConfig{
		Path:     cfg.Device.ReaderPath,
		MAC:      cfg.Device.MAC,
		Name:     cfg.Device.Name,
		Protocol: cfg.Device.Protocol,
		Timeout:  parseDuration(cfg.Device.ReadTimeout, voltage.DefaultTimeout),
	}, logger)

	if readVerbose {
		fmt.Fprintf(os.Stdout, "Command: %s\n", src.String())
	}

	v, err := src.Read(context.Background())
	if err != nil {
		red := color.New(color.FgRed, color.Bold)
		_, _ = red.Fprintf(os.Stderr, "❌ %v\n", err)
		var rerr *voltage.ReadError
		if errors.As(err, &rerr) && rerr.Output != "" {
			fmt.Fprintf(os.Stderr, "\nReader output:\n%s\n", rerr.Output)
		}
		return err
	}

	pct := level.Percent(v, cfg.Monitor.MinVoltage, cfg.Monitor.MaxVoltage)
	reading := level.Reading{Voltage: v, Level: pct}
	levelColor(pct).Fprintln(os.Stdout, reading.LogLine())

	if pct < 0 || pct > 100 {
		yellow := color.New(color.FgYellow)
		_, _ = yellow.Fprintf(os.Stdout, "⚠️  Level outside 0-100%%: check monitor.min_voltage (%.3f) and monitor.max_voltage (%.3f)\n",
			cfg.Monitor.MinVoltage, cfg.Monitor.MaxVoltage)
	}
	return nil
}

// levelColor picks the output color for a battery level.
func levelColor(pct float64) *color.Color {
	switch {
	case pct >= 50:
		return color.New(color.FgGreen, color.Bold)
	case pct >= 20:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

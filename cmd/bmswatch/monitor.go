package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/bmswatch/internal/clock"
	"github.com/goodtune/bmswatch/internal/config"
	"github.com/goodtune/bmswatch/internal/level"
	"github.com/goodtune/bmswatch/internal/monitor"
	"github.com/goodtune/bmswatch/internal/schedule"
	"github.com/goodtune/bmswatch/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the battery monitor",
	Long: `Wait for a /start command in Telegram, then sample the pack voltage every
check interval, record each reading and notify the chat on level changes.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	processStart := time.Now()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.RequireToken(); err != nil {
		return err
	}

	// Setup logger
	logger := setupLogger(cfg.Logging, cfg.Location())
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("timezone", cfg.Timezone).
		Bool("systemd", systemd.IsSystemdService()).
		Msg("Starting bmswatch monitor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer, err := startMetrics(cfg, logger)
	if err != nil {
		return err
	}
	defer stopMetrics(metricsServer, logger)

	store, err := newLogStore(cfg, logger)
	if err != nil {
		return err
	}

	tg, err := connectTelegram(ctx, cfg, logger)
	if err != nil {
		return err
	}

	core, err := monitor.New(monitor.Config{
		Source: newVoltageSource(cfg, logger),
		Store:  store,
		Sender: tg,
		Level: level.Config{
			MinVoltage: cfg.Monitor.MinVoltage,
			MaxVoltage: cfg.Monitor.MaxVoltage,
			Threshold:  cfg.Monitor.Threshold,
		},
		Guard:       schedule.NewActivationGuard(processStart),
		Clock:       clock.RealClock{},
		Interval:    time.Duration(cfg.Monitor.CheckInterval) * time.Second,
		SendTimeout: parseDuration(cfg.Telegram.SendTimeout, monitor.DefaultSendTimeout),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize monitor: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- core.Run(ctx, tg.Activations(ctx))
	}()

	logger.Info().
		Str("bot", tg.Username()).
		Int("check_interval", cfg.Monitor.CheckInterval).
		Float64("min_voltage", cfg.Monitor.MinVoltage).
		Float64("max_voltage", cfg.Monitor.MaxVoltage).
		Float64("threshold", cfg.Monitor.Threshold).
		Str("log_file", store.Path()).
		Msg("Monitor ready, send /start to begin")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	systemd.StartWatchdog(ctx, logger)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
	case err := <-done:
		// Run only returns on cancellation; treat anything else as fatal.
		return fmt.Errorf("monitor loop exited: %v", err)
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	cancel()
	if err := <-done; err != nil {
		logger.Error().Err(err).Msg("Monitor stopped with error")
	}

	logger.Info().Msg("bmswatch monitor stopped")
	return nil
}

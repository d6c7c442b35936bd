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
	"github.com/goodtune/bmswatch/internal/digest"
	"github.com/goodtune/bmswatch/internal/schedule"
	"github.com/goodtune/bmswatch/internal/summarize"
	"github.com/goodtune/bmswatch/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	digestNow bool
	digestDay string
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Run the daily digest scheduler",
	Long: `Summarise the battery log once per day at digest.summary_time and send the
summary to the chat bound in that log. With --now or --day a single digest
runs immediately and the command exits.`,
	RunE: runDigest,
}

func init() {
	digestCmd.Flags().BoolVar(&digestNow, "now", false, "Run one digest immediately and exit")
	digestCmd.Flags().StringVar(&digestDay, "day", "", "Run one digest for this day (YYYY-MM-DD) and exit")
	rootCmd.AddCommand(digestCmd)
}

func runDigest(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.RequireToken(); err != nil {
		return err
	}

	loc := cfg.Location()
	logger := setupLogger(cfg.Logging, loc)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("summary_time", cfg.Digest.SummaryTime).
		Bool("systemd", systemd.IsSystemdService()).
		Msg("Starting bmswatch digest")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := newLogStore(cfg, logger)
	if err != nil {
		return err
	}

	summarizer, err := summarize.New(summarize.Config{
		APIKey:  cfg.Digest.APIKey,
		BaseURL: cfg.Digest.BaseURL,
		Model:   cfg.Digest.Model,
		Timeout: parseDuration(cfg.Digest.Timeout, summarize.DefaultTimeout),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize summarizer: %w", err)
	}

	tg, err := connectTelegram(ctx, cfg, logger)
	if err != nil {
		return err
	}

	core, err := digest.New(digest.Config{
		Reader:      store,
		Summarizer:  summarizer,
		Sender:      tg,
		Prompt:      cfg.Digest.Prompt,
		Location:    loc,
		SendTimeout: parseDuration(cfg.Telegram.SendTimeout, 10*time.Second),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize digest: %w", err)
	}

	if digestNow || digestDay != "" {
		scheduled := time.Now()
		if digestDay != "" {
			day, err := time.ParseInLocation("2006-01-02", digestDay, loc)
			if err != nil {
				return fmt.Errorf("invalid --day %q: %w", digestDay, err)
			}
			// A run scheduled at the following midnight covers day.
			scheduled = day.AddDate(0, 0, 1)
		}
		outcome := core.Run(ctx, scheduled)
		if outcome != digest.Delivered {
			return fmt.Errorf("digest not delivered: %s", outcome)
		}
		return nil
	}

	metricsServer, err := startMetrics(cfg, logger)
	if err != nil {
		return err
	}
	defer stopMetrics(metricsServer, logger)

	trigger, err := schedule.NewDailyTrigger(cfg.Digest.SummaryTime, loc, schedule.NewFireJournal(cfg.Digest.JournalPath))
	if err != nil {
		return fmt.Errorf("failed to initialize daily trigger: %w", err)
	}

	runner := schedule.NewDaily(trigger, func(ctx context.Context, scheduled time.Time) {
		core.Run(ctx, scheduled)
	}, clock.RealClock{}, logger)
	runner.Start()

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	systemd.StartWatchdog(ctx, logger)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	runner.Stop()
	logger.Info().Msg("bmswatch digest stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/bmswatch/internal/config"
	"github.com/goodtune/bmswatch/internal/logstore"
	"github.com/goodtune/bmswatch/internal/metrics"
	"github.com/goodtune/bmswatch/internal/systemd"
	"github.com/goodtune/bmswatch/internal/telegram"
	"github.com/goodtune/bmswatch/internal/voltage"
	"github.com/rs/zerolog"
)

// newVoltageSource builds the jkbms reader, wrapped in a circuit breaker when
// device.breaker_failures is set.
func newVoltageSource(cfg *config.Config, logger zerolog.Logger) voltage.Source {
	var src voltage.Source = voltage.NewCommandSource(voltage.CommandConfig{
		Path:     cfg.Device.ReaderPath,
		MAC:      cfg.Device.MAC,
		Name:     cfg.Device.Name,
		Protocol: cfg.Device.Protocol,
		Timeout:  parseDuration(cfg.Device.ReadTimeout, voltage.DefaultTimeout),
	}, logger)

	if cfg.Device.BreakerFailures > 0 {
		src = voltage.NewBreakerSource(src, cfg.Device.BreakerFailures,
			parseDuration(cfg.Device.BreakerOpenFor, 5*time.Minute), logger)
	}
	return src
}

func newLogStore(cfg *config.Config, logger zerolog.Logger) (*logstore.Store, error) {
	store, err := logstore.New(logstore.Config{
		Path:     cfg.Log.FilePath,
		Location: cfg.Location(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize log store: %w", err)
	}
	return store, nil
}

func connectTelegram(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*telegram.Client, error) {
	return telegram.Connect(ctx, telegram.Config{
		Token:        cfg.Telegram.Token,
		PollInterval: time.Duration(cfg.Telegram.PollInterval) * time.Second,
		LogRequests:  cfg.Telegram.LogRequests,
		SendTimeout:  parseDuration(cfg.Telegram.SendTimeout, telegram.DefaultSendTimeout),
	}, logger)
}

// startMetrics starts the metrics endpoint when configured or socket
// activated. It returns nil when metrics are disabled.
func startMetrics(cfg *config.Config, logger zerolog.Logger) (*metrics.Server, error) {
	ln, err := systemd.MetricsListener()
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Address == "" && ln == nil {
		logger.Debug().Msg("Metrics endpoint disabled")
		return nil, nil
	}

	srv := metrics.NewServer(cfg.Metrics.Address, logger)
	// Use systemd socket-activated listener if available
	if ln != nil {
		srv.SetListener(ln)
	}
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return srv, nil
}

func stopMetrics(srv *metrics.Server, logger zerolog.Logger) {
	if srv == nil {
		return
	}
	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}
}

// Package digest produces the daily natural-language summary of the battery
// log and delivers it to the session bound in that log.
package digest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goodtune/bmswatch/internal/logstore"
	"github.com/goodtune/bmswatch/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultPrompt precedes the log content in the summarization request.
const DefaultPrompt = "Summarize the following battery data log:"

// Outcome is the result of one digest run.
type Outcome string

const (
	Delivered        Outcome = "delivered"
	SkippedEmpty     Outcome = "skipped_empty"
	SkippedNoSummary Outcome = "skipped_no_summary"
	SkippedNoTarget  Outcome = "skipped_no_target"
	DeliveryFailed   Outcome = "delivery_failed"
)

// Reader returns the log recorded on a day and the file it was read from.
type Reader interface {
	ReadDay(day time.Time) (content, source string, err error)
}

// Summarizer turns log text into a summary.
type Summarizer interface {
	Summarize(ctx context.Context, prompt, text string) (string, error)
}

// Sender delivers text to a chat target.
type Sender interface {
	Send(ctx context.Context, target, text string) error
}

// Config wires the digest's collaborators.
type Config struct {
	Reader      Reader
	Summarizer  Summarizer
	Sender      Sender
	Prompt      string
	Location    *time.Location
	SendTimeout time.Duration
}

// Core runs the read, summarize, resolve target, deliver pipeline.
type Core struct {
	reader      Reader
	summarizer  Summarizer
	sender      Sender
	prompt      string
	loc         *time.Location
	sendTimeout time.Duration
	logger      zerolog.Logger
}

// New creates a digest core.
func New(cfg Config, logger zerolog.Logger) (*Core, error) {
	if cfg.Reader == nil || cfg.Summarizer == nil || cfg.Sender == nil {
		return nil, errors.New("reader, summarizer and sender are required")
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Core{
		reader:      cfg.Reader,
		summarizer:  cfg.Summarizer,
		sender:      cfg.Sender,
		prompt:      cfg.Prompt,
		loc:         cfg.Location,
		sendTimeout: cfg.SendTimeout,
		logger:      logger.With().Str("component", "digest").Logger(),
	}, nil
}

// DayFor returns the day a run scheduled at the given instant summarises:
// the day that was current one minute earlier. A midnight run covers the
// previous day.
func (c *Core) DayFor(scheduled time.Time) time.Time {
	t := scheduled.Add(-time.Minute).In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

// Run executes one digest. Every failure is logged and ends the run; nothing
// is retried until the next scheduled day.
func (c *Core) Run(ctx context.Context, scheduled time.Time) Outcome {
	day := c.DayFor(scheduled)
	log := c.logger.With().Str("day", day.Format("2006-01-02")).Logger()

	outcome := c.run(ctx, day, log)
	metrics.DigestRunsTotal.WithLabelValues(string(outcome)).Inc()
	log.Info().Str("outcome", string(outcome)).Msg("Daily digest finished")
	return outcome
}

func (c *Core) run(ctx context.Context, day time.Time, log zerolog.Logger) Outcome {
	content, source, err := c.reader.ReadDay(day)
	if err != nil {
		log.Error().Err(err).Str("file", source).Msg("Failed to read log, skipping digest")
		return SkippedEmpty
	}
	if strings.TrimSpace(content) == "" {
		log.Info().Str("file", source).Msg("Log is empty, skipping digest")
		return SkippedEmpty
	}
	log.Debug().Str("file", source).Int("bytes", len(content)).Msg("Summarizing log")

	summary, err := c.summarizer.Summarize(ctx, c.prompt, content)
	if err != nil {
		log.Error().Err(err).Msg("Summarization failed, skipping digest")
		return SkippedNoSummary
	}
	if strings.TrimSpace(summary) == "" {
		log.Warn().Msg("Summarizer returned no text, skipping digest")
		return SkippedNoSummary
	}

	target, ok := logstore.ParseBinding(content)
	if !ok {
		log.Warn().Str("file", source).Msg("No chat binding in log, cannot deliver digest")
		return SkippedNoTarget
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	if err := c.sender.Send(sendCtx, target, summary); err != nil {
		log.Error().Err(err).Str("chat_id", target).Msg("Failed to deliver digest")
		return DeliveryFailed
	}
	log.Info().Str("chat_id", target).Int("summary_len", len(summary)).Msg("Digest delivered")
	return Delivered
}

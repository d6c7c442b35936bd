// Package monitor samples the pack voltage, records every reading and
// notifies the operator when the level moves far enough.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/bmswatch/internal/clock"
	"github.com/goodtune/bmswatch/internal/level"
	"github.com/goodtune/bmswatch/internal/metrics"
	"github.com/goodtune/bmswatch/internal/schedule"
	"github.com/goodtune/bmswatch/internal/voltage"
	"github.com/rs/zerolog"
)

// StartedMessage is the reply to an accepted activation.
const StartedMessage = "Battery monitoring started."

// DefaultSendTimeout bounds a single notification delivery.
const DefaultSendTimeout = 10 * time.Second

// Phase is the monitoring lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
)

func (p Phase) String() string {
	if p == PhaseActive {
		return "active"
	}
	return "idle"
}

// Sender delivers text to a chat target.
type Sender interface {
	Send(ctx context.Context, target, text string) error
}

// Store is the audit log the monitor writes to.
type Store interface {
	BindSession(id string) error
	Append(message string) error
}

// State is everything the monitor remembers between cycles. It lives only in
// memory; a restart begins Idle with no baseline.
type State struct {
	Phase   Phase
	Target  string
	Tracker *level.Tracker
}

// Config wires the monitor's collaborators.
type Config struct {
	Source      voltage.Source
	Store       Store
	Sender      Sender
	Level       level.Config
	Guard       schedule.ActivationGuard
	Clock       clock.Clock
	Interval    time.Duration
	SendTimeout time.Duration
}

// Core is the monitor state machine. All methods are meant to be called from
// the single goroutine running Run.
type Core struct {
	source      voltage.Source
	store       Store
	sender      Sender
	guard       schedule.ActivationGuard
	clock       clock.Clock
	interval    time.Duration
	sendTimeout time.Duration
	logger      zerolog.Logger

	state   State
	sampler *schedule.Interval
}

// New creates an idle monitor.
func New(cfg Config, logger zerolog.Logger) (*Core, error) {
	if cfg.Source == nil {
		return nil, errors.New("voltage source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("log store is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("check interval must be positive, got %s", cfg.Interval)
	}
	tracker, err := level.NewTracker(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid level calibration: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	return &Core{
		source:      cfg.Source,
		store:       cfg.Store,
		sender:      cfg.Sender,
		guard:       cfg.Guard,
		clock:       cfg.Clock,
		interval:    cfg.Interval,
		sendTimeout: cfg.SendTimeout,
		logger:      logger.With().Str("component", "monitor").Logger(),
		state:       State{Phase: PhaseIdle, Tracker: tracker},
	}, nil
}

// State returns the current state record.
func (c *Core) State() State {
	return c.state
}

// HandleActivation moves Idle to Active for an accepted activation: the
// target is bound in the log, greeted, sampled once, and the interval
// sampler is started. It reports whether the transition happened.
func (c *Core) HandleActivation(ctx context.Context, a schedule.Activation) bool {
	log := c.logger.With().
		Str("chat_id", a.Target).
		Time("sent_at", a.Timestamp).
		Logger()

	if !c.guard.Accept(a.Timestamp) {
		log.Info().
			Time("process_start", c.guard.Start()).
			Msg("Ignoring activation sent before process start")
		return false
	}
	if c.state.Phase == PhaseActive {
		log.Debug().Str("active_chat_id", c.state.Target).Msg("Monitoring already active")
		return false
	}

	c.state.Phase = PhaseActive
	c.state.Target = a.Target
	log.Info().Msg("Monitoring activated")

	if err := c.store.BindSession(a.Target); err != nil {
		log.Error().Err(err).Msg("Failed to record session binding")
	}
	c.notify(ctx, StartedMessage)

	c.Sample(ctx)

	c.sampler = schedule.NewInterval(c.interval, c.logger)
	c.sampler.Start()
	return true
}

// Sample runs one read, evaluate, record, notify cycle. A failed read
// leaves everything untouched.
func (c *Core) Sample(ctx context.Context) (level.Evaluation, error) {
	start := time.Now()
	v, err := c.source.Read(ctx)
	metrics.ReadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReadingsTotal.WithLabelValues("error").Inc()
		ev := c.logger.Warn().Err(err)
		var rerr *voltage.ReadError
		if errors.As(err, &rerr) {
			ev = ev.Str("command", rerr.Command).Str("output", rerr.Output).Int("exit_code", rerr.ExitCode)
		}
		ev.Msg("Voltage read failed, skipping cycle")
		return level.Evaluation{}, err
	}
	metrics.ReadingsTotal.WithLabelValues("ok").Inc()

	eval := c.state.Tracker.Evaluate(v, c.clock.Now())
	metrics.BatteryVoltage.Set(eval.Reading.Voltage)
	metrics.BatteryLevel.Set(eval.Reading.Level)

	c.logger.Info().
		Float64("voltage", eval.Reading.Voltage).
		Float64("level", eval.Reading.Level).
		Bool("notify", eval.ShouldNotify).
		Str("trend", string(eval.Trend)).
		Msg("Battery reading")

	if err := c.store.Append(eval.Reading.LogLine()); err != nil {
		c.logger.Error().Err(err).Msg("Failed to append reading to log")
	}

	if eval.ShouldNotify {
		c.notify(ctx, eval.Message())
	} else {
		metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
	}
	return eval, nil
}

func (c *Core) notify(ctx context.Context, text string) {
	if c.state.Target == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	if err := c.sender.Send(ctx, c.state.Target, text); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		c.logger.Error().Err(err).Str("chat_id", c.state.Target).Str("text", text).Msg("Failed to deliver message")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

// Run consumes activations and sampler ticks until ctx is cancelled.
// Activation handling and sampling never overlap.
func (c *Core) Run(ctx context.Context, activations <-chan schedule.Activation) error {
	var ticks <-chan time.Time
	defer func() {
		if c.sampler != nil {
			c.sampler.Stop()
		}
	}()

	for {
		select {
		case a, ok := <-activations:
			if !ok {
				c.logger.Warn().Msg("Activation stream closed")
				activations = nil
				continue
			}
			if c.HandleActivation(ctx, a) {
				ticks = c.sampler.C()
			}
		case <-ticks:
			_, _ = c.Sample(ctx)
		case <-ctx.Done():
			c.logger.Info().Str("phase", c.state.Phase.String()).Msg("Monitor stopping")
			return nil
		}
	}
}

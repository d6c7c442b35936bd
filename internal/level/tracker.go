// Package level converts pack voltage into a state-of-charge percentage and
// decides when a change is large enough to notify the operator.
package level

import (
	"fmt"
	"math"
	"time"
)

// DefaultThreshold is the minimum change, in percentage points, between two
// notified levels.
const DefaultThreshold = 5.0

// epsilon absorbs float error so a step of exactly Threshold points notifies.
const epsilon = 1e-9

// Trend is the direction of a notified change.
type Trend string

const (
	TrendNone Trend = "none"
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
)

// Glyph returns the arrow appended to chat notifications.
func (t Trend) Glyph() string {
	switch t {
	case TrendUp:
		return "⬆️"
	case TrendDown:
		return "⬇️"
	default:
		return ""
	}
}

// Reading is a single evaluated voltage sample.
type Reading struct {
	Timestamp time.Time
	Voltage   float64
	Level     float64
}

// LogLine renders the reading as the audit log payload.
func (r Reading) LogLine() string {
	return fmt.Sprintf("Voltage: %.3f V, Battery Level: %.1f%%", r.Voltage, r.Level)
}

// Evaluation is the outcome of Tracker.Evaluate.
type Evaluation struct {
	Reading      Reading
	ShouldNotify bool
	Trend        Trend
	// Previous is the baseline the reading was compared against; nil on the
	// first reading.
	Previous *float64
}

// Message renders the chat notification text.
func (e Evaluation) Message() string {
	msg := e.Reading.LogLine()
	if g := e.Trend.Glyph(); g != "" {
		msg += " " + g
	}
	return msg
}

// Config holds tracker calibration.
type Config struct {
	MinVoltage float64
	MaxVoltage float64
	Threshold  float64
}

// Tracker holds the last notified level for one monitoring run. It is not
// safe for concurrent use; the monitor loop owns it.
type Tracker struct {
	min, max     float64
	threshold    float64
	lastNotified *float64
}

// NewTracker creates a tracker with an unset baseline.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.MaxVoltage <= cfg.MinVoltage {
		return nil, fmt.Errorf("max voltage %.3f must exceed min voltage %.3f", cfg.MaxVoltage, cfg.MinVoltage)
	}
	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("threshold must not be negative: %.2f", cfg.Threshold)
	}
	return &Tracker{
		min:       cfg.MinVoltage,
		max:       cfg.MaxVoltage,
		threshold: cfg.Threshold,
	}, nil
}

// Percent maps a voltage onto the calibrated range. The result is not
// clamped: values outside 0..100 point at miscalibration or an out-of-band
// pack voltage and are reported as-is.
func (t *Tracker) Percent(voltage float64) float64 {
	return Percent(voltage, t.min, t.max)
}

// Percent is the linear voltage to level mapping.
func Percent(voltage, min, max float64) float64 {
	return (voltage - min) / (max - min) * 100
}

// Evaluate converts voltage into a reading and decides whether it should be
// delivered. The baseline only moves when a notification is due. A
// non-finite level is never delivered and never becomes the baseline.
func (t *Tracker) Evaluate(voltage float64, at time.Time) Evaluation {
	lvl := t.Percent(voltage)
	ev := Evaluation{
		Reading: Reading{Timestamp: at, Voltage: voltage, Level: lvl},
		Trend:   TrendNone,
	}
	if t.lastNotified != nil {
		prev := *t.lastNotified
		ev.Previous = &prev
	}

	switch {
	case math.IsNaN(lvl) || math.IsInf(lvl, 0):
		return ev
	case ev.Previous == nil:
		ev.ShouldNotify = true
	default:
		prev := *ev.Previous
		if math.Abs(lvl-prev) >= t.threshold-epsilon {
			ev.ShouldNotify = true
			switch {
			case lvl > prev:
				ev.Trend = TrendUp
			case lvl < prev:
				ev.Trend = TrendDown
			}
		}
	}

	if ev.ShouldNotify {
		notified := lvl
		t.lastNotified = &notified
	}
	return ev
}

// LastNotified returns the current baseline, if any.
func (t *Tracker) LastNotified() (float64, bool) {
	if t.lastNotified == nil {
		return 0, false
	}
	return *t.lastNotified, true
}

// Reset clears the baseline so the next reading is always delivered.
func (t *Tracker) Reset() {
	t.lastNotified = nil
}

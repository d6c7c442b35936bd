package voltage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerSource stops invoking the reader after repeated failures, e.g. while
// the BMS is out of bluetooth range, and probes again after the open period.
type BreakerSource struct {
	next    Source
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerSource wraps next with a circuit breaker that opens after
// failures consecutive errors.
func NewBreakerSource(next Source, failures int, openFor time.Duration, logger zerolog.Logger) *BreakerSource {
	if failures < 1 {
		failures = 1
	}
	if openFor <= 0 {
		openFor = 5 * time.Minute
	}
	log := logger.With().Str("component", "voltage-breaker").Logger()

	settings := gobreaker.Settings{
		Name:        "bms-reader",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Reader circuit breaker state changed")
		},
	}

	return &BreakerSource{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Read delegates to the wrapped source unless the breaker is open.
func (b *BreakerSource) Read(ctx context.Context) (float64, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Read(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, &ReadError{Command: "bms-reader", Err: err}
		}
		return 0, err
	}
	return out.(float64), nil
}

// State reports the breaker state for diagnostics.
func (b *BreakerSource) State() string {
	return b.breaker.State().String()
}

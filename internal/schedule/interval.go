// Package schedule drives the two timing regimes of the service: a repeating
// sampler and a once-per-day trigger that tolerates restarts and clock jumps.
package schedule

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Interval fires every period. The first fire happens one period after Start,
// never immediately.
type Interval struct {
	period   time.Duration
	logger   zerolog.Logger
	c        chan time.Time
	stopChan chan struct{}
	started  bool
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewInterval creates a stopped interval sampler.
func NewInterval(period time.Duration, logger zerolog.Logger) *Interval {
	return &Interval{
		period:   period,
		logger:   logger.With().Str("component", "interval").Logger(),
		c:        make(chan time.Time, 1),
		stopChan: make(chan struct{}),
	}
}

// C delivers ticks. A tick that is not consumed before the next one is
// dropped, so a slow consumer never builds a backlog.
func (i *Interval) C() <-chan time.Time {
	return i.c
}

// Period returns the configured period.
func (i *Interval) Period() time.Duration {
	return i.period
}

// Start begins ticking. Calling Start twice is a no-op.
func (i *Interval) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return
	}
	i.started = true
	go i.run()
	i.logger.Info().Dur("period", i.period).Msg("Interval sampler started")
}

// Stop ends ticking. It is safe to call more than once.
func (i *Interval) Stop() {
	i.stopOnce.Do(func() {
		close(i.stopChan)
		i.logger.Info().Msg("Interval sampler stopped")
	})
}

func (i *Interval) run() {
	ticker := time.NewTicker(i.period)
	defer ticker.Stop()

	for {
		select {
		case t := <-ticker.C:
			select {
			case i.c <- t:
			default:
				i.logger.Debug().Msg("Previous tick still pending, dropping tick")
			}
		case <-i.stopChan:
			return
		}
	}
}

package schedule

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/bmswatch/internal/clock"
	"github.com/rs/zerolog"
)

// DateLayout is the fire journal line format.
const DateLayout = "2006-01-02"

// PollInterval is how often the daily runner checks its trigger.
const PollInterval = time.Minute

// DailyTrigger decides when a once-per-day job is due. It fires when the
// local time of day (truncated to the minute) has reached the target and the
// local date is strictly after the last fire date.
type DailyTrigger struct {
	hour    int
	minute  int
	loc     *time.Location
	journal *FireJournal

	mu       sync.Mutex
	lastFire time.Time // midnight of the last fire date, zero if never fired
}

// NewDailyTrigger parses an HH:MM target. A non-nil journal seeds the last
// fire date and records every fire.
func NewDailyTrigger(at string, loc *time.Location, journal *FireJournal) (*DailyTrigger, error) {
	parsed, err := time.Parse("15:04", at)
	if err != nil {
		return nil, fmt.Errorf("invalid time of day %q: %w", at, err)
	}
	if loc == nil {
		loc = time.UTC
	}

	t := &DailyTrigger{
		hour:    parsed.Hour(),
		minute:  parsed.Minute(),
		loc:     loc,
		journal: journal,
	}

	last, ok, err := journal.Last()
	if err != nil {
		return nil, err
	}
	if ok {
		t.lastFire = time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, loc)
	}
	return t, nil
}

// Target returns the configured time of day as HH:MM.
func (t *DailyTrigger) Target() string {
	return fmt.Sprintf("%02d:%02d", t.hour, t.minute)
}

// Due reports whether the job should run at now.
func (t *DailyTrigger) Due(now time.Time) bool {
	local := now.In(t.loc)
	if local.Hour()*60+local.Minute() < t.hour*60+t.minute {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFire.IsZero() || dateOf(local, t.loc).After(t.lastFire)
}

// Occurrence returns the scheduled instant for the local date of now.
func (t *DailyTrigger) Occurrence(now time.Time) time.Time {
	local := now.In(t.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), t.hour, t.minute, 0, 0, t.loc)
}

// Next returns the next instant the trigger can fire after now.
func (t *DailyTrigger) Next(now time.Time) time.Time {
	occ := t.Occurrence(now)
	if t.Due(now) {
		return now
	}
	if !now.Before(occ) {
		return occ.AddDate(0, 0, 1)
	}
	return occ
}

// MarkFired records the local date of now as fired. The in-memory state is
// updated even when the journal write fails.
func (t *DailyTrigger) MarkFired(now time.Time) error {
	day := dateOf(now, t.loc)

	t.mu.Lock()
	if day.After(t.lastFire) {
		t.lastFire = day
	}
	t.mu.Unlock()

	return t.journal.Record(day)
}

// LastFired returns the last fire date.
func (t *DailyTrigger) LastFired() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFire, !t.lastFire.IsZero()
}

func dateOf(ts time.Time, loc *time.Location) time.Time {
	ts = ts.In(loc)
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, loc)
}

// FireJournal is an append-only file of fire dates, one YYYY-MM-DD per line.
// A nil journal records nothing.
type FireJournal struct {
	path string
}

// NewFireJournal returns a journal at path, or nil when path is empty.
func NewFireJournal(path string) *FireJournal {
	if path == "" {
		return nil
	}
	return &FireJournal{path: path}
}

// Path returns the journal file path.
func (j *FireJournal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Last returns the latest date in the journal. Unparseable lines are ignored.
func (j *FireJournal) Last() (time.Time, bool, error) {
	if j == nil {
		return time.Time{}, false, nil
	}

	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to open fire journal: %w", err)
	}
	defer f.Close()

	var (
		last  time.Time
		found bool
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		d, err := time.Parse(DateLayout, strings.TrimSpace(scanner.Text()))
		if err != nil {
			continue
		}
		if !found || d.After(last) {
			last, found = d, true
		}
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read fire journal: %w", err)
	}
	return last, found, nil
}

// Record appends day to the journal.
func (j *FireJournal) Record(day time.Time) error {
	if j == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("failed to create fire journal directory: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open fire journal: %w", err)
	}
	if _, err := f.WriteString(day.Format(DateLayout) + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write fire journal: %w", err)
	}
	return f.Close()
}

// Job is run by Daily with the scheduled instant it was fired for.
type Job func(ctx context.Context, scheduled time.Time)

// Daily polls a DailyTrigger and runs a job when it is due.
type Daily struct {
	trigger  *DailyTrigger
	job      Job
	clock    clock.Clock
	poll     time.Duration
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewDaily creates a daily runner polling once per minute.
func NewDaily(trigger *DailyTrigger, job Job, clk clock.Clock, logger zerolog.Logger) *Daily {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Daily{
		trigger:  trigger,
		job:      job,
		clock:    clk,
		poll:     PollInterval,
		logger:   logger.With().Str("component", "daily-scheduler").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the runner. The trigger is checked immediately and then on
// every poll.
func (d *Daily) Start() {
	go d.run()

	ev := d.logger.Info().Str("time", d.trigger.Target())
	if last, ok := d.trigger.LastFired(); ok {
		ev = ev.Str("last_fired", last.Format(DateLayout))
	}
	ev.Msg("Daily scheduler started")
}

// Stop stops the runner and waits for a running job to return.
func (d *Daily) Stop() {
	close(d.stopChan)
	<-d.done
	d.logger.Info().Msg("Daily scheduler stopped")
}

func (d *Daily) run() {
	defer close(d.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		d.Check(ctx)

		select {
		case <-ticker.C:
		case <-d.stopChan:
			return
		}
	}
}

// Check runs the job if the trigger is due now. It reports whether the job ran.
func (d *Daily) Check(ctx context.Context) bool {
	now := d.clock.Now()
	if !d.trigger.Due(now) {
		return false
	}

	scheduled := d.trigger.Occurrence(now)
	// Record before running so a crash mid-job does not repeat it today.
	if err := d.trigger.MarkFired(now); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to record fire date; a restart today may fire again")
	}

	d.logger.Info().
		Time("scheduled", scheduled).
		Time("now", now).
		Msg("Running daily job")
	d.job(ctx, scheduled)

	d.logger.Info().
		Time("next", d.trigger.Next(d.clock.Now())).
		Msg("Scheduled next daily run")
	return true
}

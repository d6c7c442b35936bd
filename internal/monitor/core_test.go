package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/bmswatch/internal/clock"
	"github.com/goodtune/bmswatch/internal/level"
	"github.com/goodtune/bmswatch/internal/schedule"
	"github.com/goodtune/bmswatch/internal/voltage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var processStart = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu     sync.Mutex
	values []float64
	errs   []error
	calls  int
}

func (s *fakeSource) Read(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return 0, s.errs[i]
	}
	if i < len(s.values) {
		return s.values[i], nil
	}
	return 0, &voltage.ReadError{Command: "fake", Err: errors.New("no more values")}
}

type fakeStore struct {
	mu       sync.Mutex
	bindings []string
	lines    []string
	err      error
}

func (s *fakeStore) BindSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, id)
	return s.err
}

func (s *fakeStore) Append(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, message)
	return nil
}

func (s *fakeStore) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type sent struct {
	target string
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (s *fakeSender) Send(ctx context.Context, target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	s.msgs = append(s.msgs, sent{target, text})
	return s.err
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.text)
	}
	return out
}

type fixture struct {
	core   *Core
	source *fakeSource
	store  *fakeStore
	sender *fakeSender
	clock  *clock.TestClock
}

func newFixture(t *testing.T, values ...float64) *fixture {
	t.Helper()
	f := &fixture{
		source: &fakeSource{values: values},
		store:  &fakeStore{},
		sender: &fakeSender{},
		clock:  clock.NewTestClock(processStart.Add(time.Minute)),
	}
	core, err := New(Config{
		Source:   f.source,
		Store:    f.store,
		Sender:   f.sender,
		Level:    level.Config{MinVoltage: 20, MaxVoltage: 25, Threshold: level.DefaultThreshold},
		Guard:    schedule.NewActivationGuard(processStart),
		Clock:    f.clock,
		Interval: time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if core.sampler != nil {
			core.sampler.Stop()
		}
	})
	f.core = core
	return f
}

func activation(target string, at time.Time) schedule.Activation {
	return schedule.Activation{Target: target, Timestamp: at}
}

func TestNew_Validation(t *testing.T) {
	base := Config{
		Source:   &fakeSource{},
		Store:    &fakeStore{},
		Sender:   &fakeSender{},
		Level:    level.Config{MinVoltage: 20, MaxVoltage: 25},
		Interval: time.Minute,
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no source", func(c *Config) { c.Source = nil }},
		{"no store", func(c *Config) { c.Store = nil }},
		{"no sender", func(c *Config) { c.Sender = nil }},
		{"zero interval", func(c *Config) { c.Interval = 0 }},
		{"inverted calibration", func(c *Config) { c.Level.MaxVoltage = 19 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := New(cfg, zerolog.Nop())
			assert.Error(t, err)
		})
	}

	_, err := New(base, zerolog.Nop())
	assert.NoError(t, err)
}

func TestHandleActivation(t *testing.T) {
	f := newFixture(t, 22.5)

	ok := f.core.HandleActivation(context.Background(), activation("123", processStart.Add(time.Second)))
	require.True(t, ok)

	st := f.core.State()
	assert.Equal(t, PhaseActive, st.Phase)
	assert.Equal(t, "123", st.Target)
	assert.Equal(t, []string{"123"}, f.store.bindings)
	assert.Equal(t, []string{"Voltage: 22.500 V, Battery Level: 50.0%"}, f.store.snapshot())
	assert.Equal(t, []string{StartedMessage, "Voltage: 22.500 V, Battery Level: 50.0%"}, f.sender.texts())
	assert.NotNil(t, f.core.sampler)
}

func TestHandleActivation_StaleSignalIgnored(t *testing.T) {
	f := newFixture(t, 22.5)

	ok := f.core.HandleActivation(context.Background(), activation("123", processStart.Add(-time.Minute)))
	assert.False(t, ok)
	assert.Equal(t, PhaseIdle, f.core.State().Phase)
	assert.Empty(t, f.store.bindings)
	assert.Empty(t, f.sender.texts())
	assert.Equal(t, 0, f.source.calls)
}

func TestHandleActivation_Idempotent(t *testing.T) {
	f := newFixture(t, 22.5, 22.5)

	require.True(t, f.core.HandleActivation(context.Background(), activation("1", processStart)))
	assert.False(t, f.core.HandleActivation(context.Background(), activation("2", processStart.Add(time.Minute))))

	assert.Equal(t, "1", f.core.State().Target)
	assert.Equal(t, []string{"1"}, f.store.bindings)
	assert.Equal(t, 1, f.source.calls)
}

func TestSample_HysteresisScenario(t *testing.T) {
	f := newFixture(t, 22.5, 22.6, 23.75)
	require.True(t, f.core.HandleActivation(context.Background(), activation("42", processStart)))

	ev, err := f.core.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 52.0, ev.Reading.Level, 1e-9)
	assert.False(t, ev.ShouldNotify)

	ev, err = f.core.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 75.0, ev.Reading.Level, 1e-9)
	assert.True(t, ev.ShouldNotify)
	assert.Equal(t, level.TrendUp, ev.Trend)

	assert.Equal(t, []string{
		StartedMessage,
		"Voltage: 22.500 V, Battery Level: 50.0%",
		"Voltage: 23.750 V, Battery Level: 75.0% ⬆️",
	}, f.sender.texts())

	// Every reading is recorded, delivered or not.
	assert.Len(t, f.store.snapshot(), 3)
}

func TestSample_ReadErrorSkipsCycle(t *testing.T) {
	f := newFixture(t)
	f.source.values = []float64{22.5, 0, 21.0}
	f.source.errs = []error{nil, &voltage.ReadError{Command: "jkbms", ExitCode: 1, Err: errors.New("exit status 1")}}
	require.True(t, f.core.HandleActivation(context.Background(), activation("42", processStart)))

	_, err := f.core.Sample(context.Background())
	var rerr *voltage.ReadError
	require.ErrorAs(t, err, &rerr)

	last, ok := f.core.State().Tracker.LastNotified()
	require.True(t, ok)
	assert.InDelta(t, 50.0, last, 1e-9, "tracker unchanged after failed read")
	assert.Len(t, f.store.snapshot(), 1)
	assert.Len(t, f.sender.texts(), 2)

	ev, err := f.core.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, level.TrendDown, ev.Trend)
}

func TestSample_DeliveryAndStorageFailuresAreNotFatal(t *testing.T) {
	f := newFixture(t, 22.5, 24.0)
	f.sender.err = errors.New("telegram unavailable")
	f.store.err = errors.New("disk full")

	require.True(t, f.core.HandleActivation(context.Background(), activation("42", processStart)))
	ev, err := f.core.Sample(context.Background())
	require.NoError(t, err)
	assert.True(t, ev.ShouldNotify)
	assert.Equal(t, PhaseActive, f.core.State().Phase)
}

func TestRun(t *testing.T) {
	f := newFixture(t, 22.5)
	acts := make(chan schedule.Activation, 2)
	acts <- activation("old", processStart.Add(-time.Hour))
	acts <- activation("42", processStart.Add(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.core.Run(ctx, acts) }()

	require.Eventually(t, func() bool {
		return len(f.store.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, "42", f.core.State().Target)
	assert.Equal(t, []string{StartedMessage, "Voltage: 22.500 V, Battery Level: 50.0%"}, f.sender.texts())
}

func TestRun_SamplerTicks(t *testing.T) {
	f := newFixture(t, 22.5, 22.5, 22.5)
	f.core.interval = 20 * time.Millisecond

	acts := make(chan schedule.Activation, 1)
	acts <- activation("42", processStart)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.core.Run(ctx, acts)
	}()

	require.Eventually(t, func() bool {
		return len(f.store.snapshot()) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// Unchanged level is recorded but delivered only once.
	assert.Equal(t, []string{StartedMessage, "Voltage: 22.500 V, Battery Level: 50.0%"}, f.sender.texts())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "active", PhaseActive.String())
}

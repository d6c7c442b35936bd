package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Battery state
	BatteryVoltage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmswatch_battery_voltage_volts",
			Help: "Last pack voltage read from the BMS",
		},
	)

	BatteryLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmswatch_battery_level_percent",
			Help: "Last computed battery level (unclamped)",
		},
	)

	// Sampling
	ReadingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmswatch_readings_total",
			Help: "Voltage read attempts by result",
		},
		[]string{"result"},
	)

	ReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bmswatch_read_duration_seconds",
			Help:    "Time spent invoking the BMS reader",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Notifications
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmswatch_notifications_total",
			Help: "Chat notifications by result",
		},
		[]string{"result"},
	)

	// Log store
	LogRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bmswatch_log_rotations_total",
			Help: "Daily log files archived",
		},
	)

	LogWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bmswatch_log_write_errors_total",
			Help: "Failed log appends or rotations",
		},
	)

	// Digest
	DigestRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmswatch_digest_runs_total",
			Help: "Daily digest runs by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		BatteryVoltage,
		BatteryLevel,
		ReadingsTotal,
		ReadDuration,
		NotificationsTotal,
		LogRotationsTotal,
		LogWriteErrorsTotal,
		DigestRunsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler exposes the server mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}

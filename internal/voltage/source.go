// Package voltage reads the pack voltage from the BMS.
package voltage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single reader invocation.
const DefaultTimeout = 30 * time.Second

// Source yields the current pack voltage in volts.
type Source interface {
	Read(ctx context.Context) (float64, error)
}

// ReadError describes a failed read: non-zero exit, timeout, or output that
// does not contain a voltage.
type ReadError struct {
	Command  string
	Output   string
	ExitCode int
	Err      error
}

func (e *ReadError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("voltage read failed (exit %d): %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("voltage read failed: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// CommandConfig identifies the BMS for the jkbms reader.
type CommandConfig struct {
	Path     string
	MAC      string
	Name     string
	Protocol string
	Timeout  time.Duration
}

// CommandSource runs the jkbms CLI and sums the cell voltages it reports.
type CommandSource struct {
	path    string
	args    []string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewCommandSource creates a source that queries cell data from the BMS.
func NewCommandSource(cfg CommandConfig, logger zerolog.Logger) *CommandSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &CommandSource{
		path:    cfg.Path,
		args:    []string{"-p", cfg.MAC, "-n", cfg.Name, "-P", cfg.Protocol, "-c", "getCellData"},
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "voltage-source").Logger(),
	}
}

// NewRawCommandSource runs an arbitrary command whose output is parsed the
// same way as jkbms output.
func NewRawCommandSource(path string, args []string, timeout time.Duration, logger zerolog.Logger) *CommandSource {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CommandSource{
		path:    path,
		args:    args,
		timeout: timeout,
		logger:  logger.With().Str("component", "voltage-source").Logger(),
	}
}

// String returns the command line as it would be typed in a shell.
func (s *CommandSource) String() string {
	parts := make([]string, 0, len(s.args)+1)
	parts = append(parts, s.path)
	for _, a := range s.args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Read executes the reader and parses its output.
func (s *CommandSource) Read(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	command := s.String()
	s.logger.Debug().Str("command", command).Msg("Executing reader")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		rerr := &ReadError{Command: command, Output: strings.TrimSpace(stderr.String()), Err: err}
		if ctx.Err() == context.DeadlineExceeded {
			rerr.Err = fmt.Errorf("timed out after %s: %w", s.timeout, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rerr.ExitCode = exitErr.ExitCode()
		}
		return 0, rerr
	}

	v, err := ParseOutput(stdout.String())
	if err != nil {
		return 0, &ReadError{Command: command, Output: strings.TrimSpace(stdout.String()), Err: err}
	}

	s.logger.Debug().Float64("voltage", v).Msg("Reader output parsed")
	return v, nil
}

// ParseOutput extracts the pack voltage from reader output. Lines containing
// "voltage" contribute their second whitespace-separated field to a sum (one
// line per cell). Output without such lines must be a single scalar.
func ParseOutput(out string) (float64, error) {
	var (
		sum   float64
		found bool
	)

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "voltage") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		sum += v
		found = true
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan reader output: %w", err)
	}
	if found {
		return finite(sum)
	}

	trimmed := strings.TrimSpace(out)
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("output is not a voltage: %q", trimmed)
	}
	return finite(v)
}

// finite rejects NaN and infinities, which strconv accepts as numbers.
func finite(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("output is not a finite voltage: %v", v)
	}
	return v, nil
}

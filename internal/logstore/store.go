// Package logstore persists battery readings to an append-only daily log.
//
// One active file receives today's entries. The first write on a new day
// archives the previous content under a date-stamped name and starts the
// active file over, re-writing the session binding so the digest job can find
// its delivery target without separate state.
package logstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/bmswatch/internal/clock"
	"github.com/goodtune/bmswatch/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// TimestampLayout is the entry timestamp encoding (ISO-8601 with zone).
	TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

	// ArchiveDateLayout is embedded in archived file names.
	ArchiveDateLayout = "02-01-2006"

	// BindingPrefix marks the session binding payload.
	BindingPrefix = "Chat ID:"

	fieldSeparator = ";"
)

// StorageError reports a failed file operation. It is never fatal: the
// caller logs it and the next cycle tries again.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("log store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Entry is one decoded log line.
type Entry struct {
	Timestamp time.Time
	Message   string
}

// FormatEntry encodes an entry as a single line without the trailing newline.
func FormatEntry(ts time.Time, message string) string {
	return ts.Format(TimestampLayout) + fieldSeparator + message
}

// ParseEntry decodes a line written by FormatEntry.
func ParseEntry(line string) (Entry, error) {
	ts, msg, ok := strings.Cut(line, fieldSeparator)
	if !ok {
		return Entry{}, fmt.Errorf("missing separator in %q", line)
	}
	t, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		// Older writers omit a zero fraction.
		t, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Entry{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
	}
	return Entry{Timestamp: t, Message: msg}, nil
}

// BindingMessage renders the session binding payload.
func BindingMessage(id string) string {
	return BindingPrefix + " " + id
}

// ParseBinding returns the delivery target from the first binding line.
func ParseBinding(content string) (string, bool) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if _, after, ok := strings.Cut(line, BindingPrefix); ok {
			if id := strings.TrimSpace(after); id != "" {
				return id, true
			}
		}
	}
	return "", false
}

// Config holds store settings.
type Config struct {
	Path     string
	Location *time.Location
	Clock    clock.Clock
}

// Store is the daily log. Rotation and append share one critical section.
type Store struct {
	path    string
	loc     *time.Location
	clock   clock.Clock
	logger  zerolog.Logger
	mu      sync.Mutex
	binding string
}

// New creates a store for the given active file path.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("log file path is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Store{
		path:   cfg.Path,
		loc:    cfg.Location,
		clock:  cfg.Clock,
		logger: logger.With().Str("component", "log-store").Logger(),
	}, nil
}

// Path returns the active file path.
func (s *Store) Path() string {
	return s.path
}

// Binding returns the delivery target bound by this process, if any.
func (s *Store) Binding() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// Day truncates t to the local calendar day in the store timezone.
func (s *Store) Day(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

// ArchivePath returns the archive file name for a day, e.g.
// /logs/stat.17-10-2026.log for /logs/stat.log.
func (s *Store) ArchivePath(day time.Time) string {
	dir, base := filepath.Split(s.path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if ext == "" {
		ext = ".log"
	}
	return filepath.Join(dir, stem+"."+day.In(s.loc).Format(ArchiveDateLayout)+ext)
}

// EnsureCurrentFile archives the active file when it was last written on an
// earlier day. It reports whether a rotation happened.
func (s *Store) EnsureCurrentFile() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureCurrentFileLocked()
}

func (s *Store) ensureCurrentFileLocked() (bool, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "stat", Path: s.path, Err: err}
	}

	now := s.clock.Now()
	today := s.Day(now)
	modDay := s.Day(info.ModTime())
	if !modDay.Before(today) {
		return false, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, &StorageError{Op: "read", Path: s.path, Err: err}
	}

	archive := s.ArchivePath(modDay)
	if existing, err := os.ReadFile(archive); err == nil && !bytes.HasPrefix(data, existing) {
		// An archive for this day already exists with other content; the
		// archive keeps both.
		data = append(existing, data...)
	}
	if err := writeFileAtomic(archive, data, info.ModTime()); err != nil {
		return false, &StorageError{Op: "archive", Path: archive, Err: err}
	}

	var fresh string
	if s.binding != "" {
		fresh = FormatEntry(now.In(s.loc), BindingMessage(s.binding)) + "\n"
	}
	if err := os.WriteFile(s.path, []byte(fresh), 0644); err != nil {
		return false, &StorageError{Op: "truncate", Path: s.path, Err: err}
	}
	s.touch(now)

	metrics.LogRotationsTotal.Inc()
	s.logger.Info().
		Str("archive", archive).
		Str("day", modDay.Format("2006-01-02")).
		Int("bytes", len(data)).
		Bool("binding_written", s.binding != "").
		Msg("Archived log file and started a new day")

	return true, nil
}

// Append writes one entry stamped with the current time, rotating first if
// the day changed.
func (s *Store) Append(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureCurrentFileLocked(); err != nil {
		metrics.LogWriteErrorsTotal.Inc()
		return err
	}
	if err := s.appendLocked(message); err != nil {
		metrics.LogWriteErrorsTotal.Inc()
		return err
	}
	return nil
}

func (s *Store) appendLocked(message string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return &StorageError{Op: "mkdir", Path: filepath.Dir(s.path), Err: err}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return &StorageError{Op: "open", Path: s.path, Err: err}
	}

	now := s.clock.Now()
	line := FormatEntry(now.In(s.loc), message) + "\n"
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return &StorageError{Op: "append", Path: s.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "close", Path: s.path, Err: err}
	}
	s.touch(now)
	return nil
}

// touch sets the active file mtime to the store clock so the day check
// compares values from one time source.
func (s *Store) touch(now time.Time) {
	if err := os.Chtimes(s.path, now, now); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to update log file mtime")
	}
}

// BindSession records the delivery target and writes it to today's file
// unless today's file already carries a binding.
func (s *Store) BindSession(id string) error {
	if id == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.binding = id

	rotated, err := s.ensureCurrentFileLocked()
	if err != nil {
		metrics.LogWriteErrorsTotal.Inc()
		return err
	}
	if rotated {
		// Rotation already wrote the binding as the first line.
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "read", Path: s.path, Err: err}
	}
	if existing, ok := ParseBinding(string(data)); ok {
		if existing != id {
			s.logger.Warn().
				Str("existing", existing).
				Str("requested", id).
				Msg("Today's log is already bound to another session; keeping the first binding")
		}
		return nil
	}

	if err := s.appendLocked(BindingMessage(id)); err != nil {
		metrics.LogWriteErrorsTotal.Inc()
		return err
	}
	s.logger.Info().Str("chat_id", id).Msg("Session bound")
	return nil
}

// ReadActive returns the whole active file. A missing file reads as empty.
func (s *Store) ReadActive() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", &StorageError{Op: "read", Path: s.path, Err: err}
	}
	return string(data), nil
}

// ReadDay returns the log content recorded on day and the file it came from.
// The active file is used while it still holds that day (its rotation is
// pending); otherwise the archive for the day is read. Missing files read as
// empty.
func (s *Store) ReadDay(day time.Time) (string, string, error) {
	day = s.Day(day)

	info, err := os.Stat(s.path)
	switch {
	case err == nil:
		if s.Day(info.ModTime()).Equal(day) {
			content, err := s.ReadActive()
			return content, s.path, err
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", s.path, &StorageError{Op: "stat", Path: s.path, Err: err}
	}

	archive := s.ArchivePath(day)
	data, err := os.ReadFile(archive)
	if errors.Is(err, os.ErrNotExist) {
		return "", archive, nil
	}
	if err != nil {
		return "", archive, &StorageError{Op: "read", Path: archive, Err: err}
	}
	return string(data), archive, nil
}

// writeFileAtomic writes data to a temporary file in the target directory and
// renames it into place, so readers never observe a partial archive.
func writeFileAtomic(path string, data []byte, mtime time.Time) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return os.Chtimes(path, mtime, mtime)
}

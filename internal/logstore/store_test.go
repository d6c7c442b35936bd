package logstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/bmswatch/internal/clock"
	"github.com/rs/zerolog"
)

var today = time.Date(2026, 10, 18, 10, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T, now time.Time) (*Store, *clock.TestClock) {
	t.Helper()
	clk := clock.NewTestClock(now)
	s, err := New(Config{
		Path:     filepath.Join(t.TempDir(), "stat.log"),
		Location: time.UTC,
		Clock:    clk,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, clk
}

func writeAged(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestNew_RequiresPath(t *testing.T) {
	if _, err := New(Config{}, zerolog.Nop()); err == nil {
		t.Fatal("New() with empty path should fail")
	}
}

func TestArchivePath(t *testing.T) {
	s, _ := newTestStore(t, today)
	got := s.ArchivePath(time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC))
	want := filepath.Join(filepath.Dir(s.Path()), "stat.17-10-2026.log")
	if got != want {
		t.Errorf("ArchivePath() = %q, want %q", got, want)
	}
}

func TestAppend_RotatesOnNewDay(t *testing.T) {
	s, _ := newTestStore(t, today)
	yesterday := today.AddDate(0, 0, -1)
	prior := FormatEntry(yesterday, "Voltage: 23.000 V, Battery Level: 60.0%") + "\n"
	writeAged(t, s.Path(), prior, yesterday)

	msg := "Voltage: 24.000 V, Battery Level: 85.0%"
	if err := s.Append(msg); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	archive := readFile(t, s.ArchivePath(yesterday))
	if archive != prior {
		t.Errorf("archive = %q, want %q", archive, prior)
	}

	active := readFile(t, s.Path())
	want := FormatEntry(today, msg) + "\n"
	if active != want {
		t.Errorf("active = %q, want %q", active, want)
	}
}

func TestAppend_ArchiveNamedByLastWriteDay(t *testing.T) {
	s, _ := newTestStore(t, today)
	lastWrite := today.AddDate(0, 0, -3)
	prior := FormatEntry(lastWrite, "Voltage: 22.000 V, Battery Level: 40.0%") + "\n"
	writeAged(t, s.Path(), prior, lastWrite)

	if err := s.Append("Voltage: 24.000 V, Battery Level: 80.0%"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if got := readFile(t, filepath.Join(filepath.Dir(s.Path()), "stat.15-10-2026.log")); got != prior {
		t.Errorf("archive = %q, want %q", got, prior)
	}
	if _, err := os.Stat(s.ArchivePath(today.AddDate(0, 0, -1))); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("no archive expected for yesterday, stat err = %v", err)
	}

	content, source, err := s.ReadDay(lastWrite)
	if err != nil || content != prior {
		t.Errorf("ReadDay() = %q, %v; want archived content", content, err)
	}
	if filepath.Base(source) != "stat.15-10-2026.log" {
		t.Errorf("ReadDay() source = %q", source)
	}
}

func TestAppend_SameDayDoesNotRotate(t *testing.T) {
	s, clk := newTestStore(t, today)

	if err := s.Append("first"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	clk.Advance(time.Hour)
	if err := s.Append("second"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(readFile(t, s.Path())), "\n")
	if len(lines) != 2 {
		t.Fatalf("active has %d lines, want 2", len(lines))
	}
	if _, err := os.Stat(s.ArchivePath(today)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("no archive expected, stat err = %v", err)
	}
}

func TestAppend_ClockDrivenRotation(t *testing.T) {
	s, clk := newTestStore(t, today)

	if err := s.Append("day one"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	clk.Advance(24 * time.Hour)
	if err := s.Append("day two"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	archive := readFile(t, s.ArchivePath(today))
	if !strings.Contains(archive, "day one") || strings.Contains(archive, "day two") {
		t.Errorf("archive = %q", archive)
	}
	active := readFile(t, s.Path())
	if !strings.Contains(active, "day two") || strings.Contains(active, "day one") {
		t.Errorf("active = %q", active)
	}
}

func TestEnsureCurrentFile_MissingFile(t *testing.T) {
	s, _ := newTestStore(t, today)
	rotated, err := s.EnsureCurrentFile()
	if err != nil || rotated {
		t.Fatalf("EnsureCurrentFile() = %v, %v; want false, nil", rotated, err)
	}
}

func TestRotation_WritesBindingFirst(t *testing.T) {
	s, clk := newTestStore(t, today)

	if err := s.BindSession("12345"); err != nil {
		t.Fatalf("BindSession() error = %v", err)
	}
	if err := s.Append("reading"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	clk.Advance(24 * time.Hour)
	if err := s.Append("next day"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	active := readFile(t, s.Path())
	lines := strings.Split(strings.TrimSpace(active), "\n")
	if len(lines) != 2 {
		t.Fatalf("active = %q, want binding + entry", active)
	}
	first, err := ParseEntry(lines[0])
	if err != nil {
		t.Fatalf("ParseEntry() error = %v", err)
	}
	if first.Message != BindingMessage("12345") {
		t.Errorf("first line = %q, want binding", first.Message)
	}
	if id, ok := ParseBinding(active); !ok || id != "12345" {
		t.Errorf("ParseBinding() = %q, %v", id, ok)
	}
}

func TestBindSession_OncePerDay(t *testing.T) {
	s, _ := newTestStore(t, today)

	for _, id := range []string{"111", "111", "222"} {
		if err := s.BindSession(id); err != nil {
			t.Fatalf("BindSession(%s) error = %v", id, err)
		}
	}

	active := readFile(t, s.Path())
	if n := strings.Count(active, BindingPrefix); n != 1 {
		t.Errorf("binding lines = %d, want 1 (%q)", n, active)
	}
	if id, _ := ParseBinding(active); id != "111" {
		t.Errorf("bound id = %q, want first binding 111", id)
	}
	if s.Binding() != "222" {
		t.Errorf("Binding() = %q, want most recent 222", s.Binding())
	}
}

func TestBindSession_AfterRotationSkipsDuplicate(t *testing.T) {
	s, clk := newTestStore(t, today)

	if err := s.BindSession("42"); err != nil {
		t.Fatalf("BindSession() error = %v", err)
	}
	clk.Advance(24 * time.Hour)
	if err := s.BindSession("42"); err != nil {
		t.Fatalf("BindSession() error = %v", err)
	}

	if n := strings.Count(readFile(t, s.Path()), BindingPrefix); n != 1 {
		t.Errorf("binding lines = %d, want 1", n)
	}
}

func TestBindSession_EmptyID(t *testing.T) {
	s, _ := newTestStore(t, today)
	if err := s.BindSession(""); err == nil {
		t.Fatal("BindSession(\"\") should fail")
	}
}

func TestReadDay(t *testing.T) {
	yesterday := today.AddDate(0, 0, -1)

	t.Run("active file still holds the day", func(t *testing.T) {
		s, _ := newTestStore(t, today)
		writeAged(t, s.Path(), "pending\n", yesterday)

		content, src, err := s.ReadDay(yesterday)
		if err != nil {
			t.Fatalf("ReadDay() error = %v", err)
		}
		if content != "pending\n" || src != s.Path() {
			t.Errorf("ReadDay() = %q from %s", content, src)
		}
	})

	t.Run("archive after rotation", func(t *testing.T) {
		s, _ := newTestStore(t, today)
		writeAged(t, s.Path(), "archived\n", yesterday)
		if err := s.Append("today"); err != nil {
			t.Fatalf("Append() error = %v", err)
		}

		content, src, err := s.ReadDay(yesterday)
		if err != nil {
			t.Fatalf("ReadDay() error = %v", err)
		}
		if content != "archived\n" || src != s.ArchivePath(yesterday) {
			t.Errorf("ReadDay() = %q from %s", content, src)
		}
	})

	t.Run("nothing recorded", func(t *testing.T) {
		s, _ := newTestStore(t, today)
		content, _, err := s.ReadDay(yesterday)
		if err != nil || content != "" {
			t.Errorf("ReadDay() = %q, %v; want empty", content, err)
		}
	})
}

func TestReadActive_Missing(t *testing.T) {
	s, _ := newTestStore(t, today)
	content, err := s.ReadActive()
	if err != nil || content != "" {
		t.Errorf("ReadActive() = %q, %v; want empty", content, err)
	}
}

func TestParseEntry(t *testing.T) {
	loc := time.FixedZone("AEST", 10*3600)
	ts := time.Date(2026, 10, 18, 9, 15, 30, 123456000, loc)

	line := FormatEntry(ts, "Voltage: 24.000 V")
	if line != "2026-10-18T09:15:30.123456+10:00;Voltage: 24.000 V" {
		t.Errorf("FormatEntry() = %q", line)
	}

	e, err := ParseEntry(line)
	if err != nil {
		t.Fatalf("ParseEntry() error = %v", err)
	}
	if !e.Timestamp.Equal(ts) || e.Message != "Voltage: 24.000 V" {
		t.Errorf("ParseEntry() = %+v", e)
	}

	if e, err := ParseEntry("2026-10-18T09:15:30+10:00;no fraction"); err != nil || e.Message != "no fraction" {
		t.Errorf("ParseEntry(no fraction) = %+v, %v", e, err)
	}
	if _, err := ParseEntry("no separator"); err == nil {
		t.Error("ParseEntry() without separator should fail")
	}
	if _, err := ParseEntry("yesterday;msg"); err == nil {
		t.Error("ParseEntry() with bad timestamp should fail")
	}
}

func TestParseBinding(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{"first line", "2026-10-18T00:00:01.000000+00:00;Chat ID: 987\n", "987", true},
		{"after readings", "x;Voltage: 24 V\nx;Chat ID: -1001\n", "-1001", true},
		{"first wins", "x;Chat ID: 1\nx;Chat ID: 2\n", "1", true},
		{"blank id", "x;Chat ID:   \n", "", false},
		{"absent", "x;Voltage: 24 V\n", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseBinding(tt.content)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseBinding() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestStorageError(t *testing.T) {
	s, _ := newTestStore(t, today)
	// A directory in place of the active file makes every write fail.
	if err := os.MkdirAll(s.Path(), 0755); err != nil {
		t.Fatal(err)
	}

	err := s.Append("reading")
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("Append() error = %v, want *StorageError", err)
	}
	if serr.Path != s.Path() {
		t.Errorf("StorageError.Path = %q, want %q", serr.Path, s.Path())
	}
}

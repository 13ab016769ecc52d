// Package logging sets up the recorder's process log and ships the logs of
// earlier runs into the upload buffer.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Options configures Open.
type Options struct {
	// Dir receives one log file per run.
	Dir string

	// DeviceID is attached to every record and names the file.
	DeviceID string

	// Stdout also receives every record. Default: os.Stdout.
	Stdout io.Writer

	// Start names the file. Default: time.Now().
	Start time.Time
}

// Log is an open process log. Records go to stdout and to the run's file.
type Log struct {
	Logger *slog.Logger
	Path   string

	level *slog.LevelVar
	file  *os.File
}

// FileName returns the log file name for a run of device started at t.
func FileName(device string, t time.Time) string {
	return fmt.Sprintf("rpi_eco_%s_%s.log", device, t.UTC().Format("20060102_1504"))
}

// Open creates the log directory and appends to this run's file. The level
// starts at info; SetLevel changes it once configuration is loaded.
func Open(opts Options) (*Log, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("logging: creating %s: %w", opts.Dir, err)
	}

	path := filepath.Join(opts.Dir, FileName(opts.DeviceID, opts.Start))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	level := new(slog.LevelVar)
	handler := slog.NewTextHandler(io.MultiWriter(opts.Stdout, f), &slog.HandlerOptions{Level: level})
	return &Log{
		Logger: slog.New(handler).With("device", opts.DeviceID),
		Path:   path,
		level:  level,
		file:   f,
	}, nil
}

// SetLevel changes the minimum level of records written.
func (l *Log) SetLevel(level slog.Level) {
	l.level.Set(level)
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

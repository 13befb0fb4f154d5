// Package common holds process-wide setup shared by the commands.
package common

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggingOpts configures SetupLogger.
type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string

	// File additionally writes logs to a rotated file if set.
	File *FileOpts
}

// FileOpts configures the rotated log file.
type FileOpts struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SetupLogger returns the process logger. The returned io.Closer closes the log file, if any.
func SetupLogger(opts *LoggingOpts) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != nil && opts.File.Path != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File.Path,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
		}
		out = io.MultiWriter(os.Stderr, file)
		closer = file
	}

	log := NewLogger(out, level, opts.JSON)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log, closer
}

// NewLogger returns a text or JSON logger writing to w.
func NewLogger(w io.Writer, level slog.Level, json bool) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Package logging builds the per-component loggers every roadmon command
// uses. Output goes to stderr and, when a log file is configured, to a
// size-rotated file as well.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File, when set, receives a copy of every line and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Quiet drops console output; the log file still gets everything.
	Quiet bool

	// Console defaults to os.Stderr.
	Console io.Writer
}

// Factory hands out loggers sharing one output.
type Factory struct {
	out  io.Writer
	file *lumberjack.Logger
}

// NewFactory sets up log output per opts.
func NewFactory(opts Options) *Factory {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	if opts.Quiet {
		console = io.Discard
	}

	f := &Factory{out: console}
	if opts.File != "" {
		f.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		f.out = io.MultiWriter(console, f.file)
	}
	return f
}

// Logger returns a logger prefixed with "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Close flushes and closes the log file, if any.
func (f *Factory) Close() error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}

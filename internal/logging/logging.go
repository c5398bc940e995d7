// Package logging builds the process logger: a *log.Logger writing to a
// lumberjack-rotated file, optionally mirrored to stderr.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log file and rotation.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Stderr     bool
}

// New returns the logger and the closer for its file. With an empty File the
// logger writes to stderr only.
func New(opts Options) (*log.Logger, io.Closer, error) {
	if opts.File == "" {
		return log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds), nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}

	var w io.Writer = rotator
	if opts.Stderr {
		w = io.MultiWriter(rotator, os.Stderr)
	}
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds), rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options mirrors the [logging] config section.
type Options struct {
	Level     string
	File      string
	MaxSizeMB int
	MaxFiles  int
	JSON      bool
}

// Setup points the standard logrus logger at stderr, plus a rotated file
// when one is configured. It returns a closer for the file sink.
func Setup(opts Options) (io.Closer, error) {
	level, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if opts.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.File == "" {
		logrus.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0700); err != nil {
		return nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    max(1, opts.MaxSizeMB),
		MaxBackups: max(1, opts.MaxFiles),
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator, nil
}

// For returns an entry tagged with the component name, the way every
// service logs.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

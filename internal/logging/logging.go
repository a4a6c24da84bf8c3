// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"

	"github.com/joshp123/gomiot/internal/config"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Setup applies cfg to the standard logger. The returned closer flushes and
// closes the rotated log file, if any.
func Setup(cfg config.LoggingConfig) (io.Closer, error) {
	return configure(logrus.StandardLogger(), cfg, os.Stderr)
}

func configure(logger *logrus.Logger, cfg config.LoggingConfig, console io.Writer) (io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(Formatter(cfg.Format))

	if cfg.File == "" {
		logger.SetOutput(console)
		return nopCloser{}, nil
	}

	opts := []rotatelogs.Option{
		rotatelogs.WithLinkName(cfg.File),
		rotatelogs.WithRotationTime(24 * time.Hour),
	}
	if cfg.MaxFiles > 0 {
		opts = append(opts, rotatelogs.WithRotationCount(uint(cfg.MaxFiles)))
	} else {
		opts = append(opts, rotatelogs.WithMaxAge(7*24*time.Hour))
	}
	writer, err := rotatelogs.New(cfg.File+".%Y%m%d", opts...)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(console, writer))
	return writer, nil
}

// Formatter returns the formatter for "json" or console text output.
func Formatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return &nested.Formatter{
		FieldsOrder:     []string{"component", "account", "did", "addr"},
		TimestampFormat: timestampFormat,
		ShowFullLevel:   true,
		NoColors:        !isTerminal(os.Stderr),
	}
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

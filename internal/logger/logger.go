// Package logger configures the process-wide logrus logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Format selects the logrus formatter.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Setup applies level and format to the standard logrus logger.
// An empty level keeps "info"; an empty format keeps text output.
func Setup(level string, format Format) error {
	return configure(log.StandardLogger(), os.Stderr, level, format)
}

func configure(l *log.Logger, out io.Writer, level string, format Format) error {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch format {
	case "", FormatText:
		l.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "02 Jan 15:04:05",
		})
	case FormatJSON:
		l.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	l.SetOutput(out)
	l.SetLevel(lvl)
	return nil
}

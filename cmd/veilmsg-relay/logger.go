package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/veilmsg/relay/pkg/log"
)

var (
	logLevels  = []string{"debug", "info", "error", "none"}
	logFormats = []string{"json", "text"}
)

// utcFormatter forces every log entry's timestamp to UTC — the durable
// store's timestamps are UTC too, and log lines should read consistently
// with them.
type utcFormatter struct {
	f logrus.Formatter
}

func (f *utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return f.f.Format(e)
}

// newLogger builds the *logrus.Logger the rest of the process logs
// through: domain packages take it directly as a logrus.FieldLogger for
// structured per-field logging, while the CLI's own startup/shutdown lines
// go through the pkg/log.Logger adapter built on top of it. A level of
// "none" discards all output rather than erroring out, so operators can
// disable logging entirely instead of merely raising its severity floor.
func newLogger(level, format string) (*logrus.Logger, error) {
	var logLevel logrus.Level
	out := io.Writer(os.Stderr)
	switch strings.ToLower(level) {
	case "none":
		logLevel = logrus.PanicLevel
		out = io.Discard
	case "debug":
		logLevel = logrus.DebugLevel
	case "", "info":
		logLevel = logrus.InfoLevel
	case "error":
		logLevel = logrus.ErrorLevel
	default:
		return nil, fmt.Errorf("log level is not one of the supported values (%s): %s", strings.Join(logLevels, ", "), level)
	}

	var formatter utcFormatter
	switch strings.ToLower(format) {
	case "", "text":
		formatter.f = &logrus.TextFormatter{DisableColors: true}
	case "json":
		formatter.f = &logrus.JSONFormatter{}
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (%s): %s", strings.Join(logFormats, ", "), format)
	}

	return &logrus.Logger{
		Out:       out,
		Formatter: &formatter,
		Level:     logLevel,
	}, nil
}

var _ log.Logger = (*logrus.Logger)(nil)

package util

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the daemon-wide logger. Device telemetry, dispatcher activity,
// and client traffic all share one stream so a dialogue can be followed
// end to end.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.DateTime,
	})
	return l
}

// Setup applies the logging flags: a logrus level name ("" keeps the
// default) and optionally the JSON formatter for log collectors.
func Setup(level string, json bool) error {
	if json {
		Logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	}
	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// WithDevice tags entries with the device a dialogue event belongs to.
func WithDevice(name string) *logrus.Entry {
	return Logger.WithField("device", name)
}

// WithClient tags entries with the client connection they concern.
func WithClient(id string) *logrus.Entry {
	return Logger.WithField("client", id)
}

// WithFields returns a logger with multiple fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// Package logger configures the process-wide structured logger.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields aliases logrus.Fields so callers don't import logrus directly.
type Fields = logrus.Fields

var (
	global *logrus.Logger
	once   sync.Once
)

// Get returns the shared logger, building it on first use from
// LOG_LEVEL, LOG_FORMAT and LOG_FILE.
func Get() *logrus.Logger {
	once.Do(func() {
		l := logrus.New()

		level := strings.ToLower(os.Getenv("LOG_LEVEL"))
		if level == "" {
			level = "info"
		}
		if lvl, err := logrus.ParseLevel(level); err == nil {
			l.SetLevel(lvl)
		} else {
			l.SetLevel(logrus.InfoLevel)
		}

		if strings.ToLower(os.Getenv("LOG_FORMAT")) == "text" {
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			l.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: time.RFC3339Nano,
				FieldMap: logrus.FieldMap{
					logrus.FieldKeyTime:  "timestamp",
					logrus.FieldKeyLevel: "level",
					logrus.FieldKeyMsg:   "message",
				},
			})
		}

		if path := os.Getenv("LOG_FILE"); path != "" {
			rotated := &lumberjack.Logger{
				Filename:   path,
				MaxSize:    100, // MB
				MaxBackups: 5,
				MaxAge:     14, // days
				Compress:   true,
			}
			l.SetOutput(io.MultiWriter(os.Stdout, rotated))
		} else {
			l.SetOutput(os.Stdout)
		}

		global = l
	})
	return global
}

// WithComponent returns an entry tagged with the subsystem name.
func WithComponent(name string) *logrus.Entry {
	return Get().WithField("component", name)
}

// Package logging configures a logrus logger from the commands' config files.
package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableTimestamp bool   `yaml:"disable-timestamp"`
	TimestampFormat  string `yaml:"timestamp-format"`
}

// Configure applies c to l. Empty fields select level info and the text
// format.
func Configure(l *logrus.Logger, c Config) error {
	level := c.Level
	if level == "" {
		level = "info"
	}
	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(logLevel)

	timestampFormat := c.TimestampFormat
	fullTimestamp := (timestampFormat != "")
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	logFormat := strings.ToLower(c.Format)
	if logFormat == "" {
		logFormat = "text"
	}
	switch logFormat {
	case "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: c.DisableTimestamp,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: c.DisableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	return nil
}

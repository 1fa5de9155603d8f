package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is re-exported so callers only import this package.
type Fields = logrus.Fields

var (
	logger *logrus.Logger
	once   sync.Once
)

// GetLogger returns the process-wide logger. The level is read from
// TUNNELGUARD_LOG_LEVEL on first use and can be changed later with Configure.
func GetLogger() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logger.SetLevel(parseLevel(os.Getenv("TUNNELGUARD_LOG_LEVEL")))
	})
	return logger
}

// Configure applies the level and format from the loaded configuration.
// Unknown levels fall back to info; format is "text" or "json".
func Configure(level, format string, out io.Writer) {
	l := GetLogger()
	l.SetLevel(parseLevel(level))
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if out != nil {
		l.SetOutput(out)
	}
}

func parseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Package logger holds the project wide logrus logger shared by every package.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

const projectName = "metronome"

var (
	projectLogger *logrus.Logger
	once          sync.Once
)

func base() *logrus.Logger {
	once.Do(func() {
		projectLogger = logrus.New()
		projectLogger.SetOutput(os.Stderr)
		projectLogger.SetLevel(logrus.InfoLevel)
		projectLogger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	})
	return projectLogger
}

// GetProjectLogger returns the logger every package should write to.
func GetProjectLogger() *logrus.Entry {
	return base().WithField("app", projectName)
}

// SetLevel parses level (debug, info, warn, error) and applies it to the project logger.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base().SetLevel(lvl)
	return nil
}

// SetOutput redirects the project logger, e.g. to a file while the TUI owns the terminal.
func SetOutput(w io.Writer) {
	base().SetOutput(w)
}

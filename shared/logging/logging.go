package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a component scoped logger. Components keep their own
// logger so verbosity can be tuned per subsystem.
func NewLogger(component string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	return logger.WithField("component", component)
}

package testutils

import (
	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a logger at debug level to track execution flow.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

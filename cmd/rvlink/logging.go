package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger creates a logger whose level comes from --log-level when set,
// otherwise from fallback (usually the config file). An empty fallback keeps
// the logger quiet, which suits the one-shot commands.
func configureLogger(cmd *cobra.Command, fallback string) (*logrus.Logger, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	if levelStr == "" {
		levelStr = fallback
	}

	level := logrus.PanicLevel
	if levelStr != "" {
		switch levelStr {
		case "trace":
			level = logrus.TraceLevel
		case "debug":
			level = logrus.DebugLevel
		case "info":
			level = logrus.InfoLevel
		case "warn", "warning":
			level = logrus.WarnLevel
		case "error":
			level = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", levelStr)
		}
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}

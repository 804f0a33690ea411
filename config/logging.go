package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SetupLogging applies the log level and format to the standard logrus
// logger.
func SetupLogging(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}

	switch cfg.Format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("%w: log.format %q is not text or json", ErrInvalidConfig, cfg.Format)
	}
	logrus.SetLevel(level)

	logrus.WithFields(logrus.Fields{
		"function": "SetupLogging",
		"level":    level.String(),
		"format":   cfg.Format,
	}).Debug("Logging configured")
	return nil
}

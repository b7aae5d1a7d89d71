// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/tehcyx/gchat/internal/config"
)

// TimestampFormat is the layout used for every log line.
const TimestampFormat = "2006-01-02 15:04:05"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup applies the log level and destination from cfg to the standard logrus
// logger. The returned closer releases the log file, if one was opened.
func Setup(cfg *config.Config) (io.Closer, error) {
	return configure(log.StandardLogger(), cfg)
}

func configure(logger *log.Logger, cfg *config.Config) (io.Closer, error) {
	lvl, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	if cfg.Server.Debug && lvl < log.DebugLevel {
		lvl = log.DebugLevel
	}

	logger.SetLevel(lvl)
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: TimestampFormat,
	})

	if cfg.Log.File == "" {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	logger.SetOutput(f)
	return f, nil
}

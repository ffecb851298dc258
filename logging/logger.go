// Package logging builds the logrus loggers used by the server and agent.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"collabtext/config"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	settings   = config.Default().Logging
	verbose    bool
	settingsMu sync.RWMutex
	output     io.Writer = os.Stderr
)

// Configure sets the logging settings used by loggers created afterwards and
// re-applies them to loggers that already exist.
func Configure(cfg config.LoggingConfig) {
	settingsMu.Lock()
	settings = cfg
	debug := verbose
	settingsMu.Unlock()

	reapply(cfg, debug)
}

func reapply(cfg config.LoggingConfig, debug bool) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, entry := range loggers {
		apply(entry.Logger, cfg, debug)
	}
}

// SetOutput redirects every logger. Tests use it to capture output.
func SetOutput(w io.Writer) {
	settingsMu.Lock()
	output = w
	settingsMu.Unlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, entry := range loggers {
		entry.Logger.SetOutput(w)
	}
}

// NewLogger returns the logger for a component. Loggers are cached per
// component name.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	settingsMu.RLock()
	cfg := settings
	debug := verbose
	w := output
	settingsMu.RUnlock()

	logger := logrus.New()
	logger.SetOutput(w)
	apply(logger, cfg, debug)

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

// SetVerbose forces debug level on every logger, over both the config and
// COLLABTEXT_LOG_LEVEL.
func SetVerbose() {
	settingsMu.Lock()
	verbose = true
	cfg := settings
	settingsMu.Unlock()

	reapply(cfg, true)
}

func apply(logger *logrus.Logger, cfg config.LoggingConfig, debug bool) {
	levelStr := "info"
	if debug {
		levelStr = "debug"
	} else if env := os.Getenv("COLLABTEXT_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetReportCaller(cfg.ReportCaller || os.Getenv("COLLABTEXT_LOG_CALLER") == "true")

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

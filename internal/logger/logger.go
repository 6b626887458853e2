// Package logger configures the process-wide structured logger.
package logger

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/open-edge-platform/cms-agent/info"
)

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}

// Logger is the package-level entry every component logs through, tagged
// with component name and version.
var Logger = New(info.Component, info.Version)

// New creates a log entry scoped to the given component and version.
func New(component, version string) *log.Entry {
	return log.WithFields(log.Fields{
		"component": component,
		"version":   version,
	})
}

// SetLevel adjusts the process-wide log level from a string, defaulting to
// info for unrecognized values.
func SetLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

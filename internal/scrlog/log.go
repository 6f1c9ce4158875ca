// Package scrlog provides SCR's logging surface: package-level leveled
// functions keyed off a component tag, mirroring the shape of rclone's
// fs.Infof/Debugf/Errorf/Logf free functions rather than a context-threaded
// logger value, backed by logrus (a direct teacher dependency).
package scrlog

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	std.SetLevel(logrus.InfoLevel)
}

// SetOutput redirects all log output, primarily for tests.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// SetDebug enables debug-level output (SCR_DEBUG config key).
func SetDebug(enabled bool) {
	if enabled {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

func entry(component string) *logrus.Entry {
	return std.WithField("component", component)
}

// Debugf logs a debug-level message tagged by component.
func Debugf(component, format string, args ...interface{}) {
	entry(component).Debugf(format, args...)
}

// Infof logs an info-level message tagged by component.
func Infof(component, format string, args ...interface{}) {
	entry(component).Infof(format, args...)
}

// Errorf logs an error-level message tagged by component and returns the
// formatted error, so call sites can both log and propagate in one line:
//
//	return scrlog.Errorf("flush", "copy %s: %v", path, err)
func Errorf(component, format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	entry(component).Error(err)
	return err
}

// Warnf logs a warning, used for non-blocking conditions such as a CRC
// mismatch observed during delete (spec.md §7 propagation policy).
func Warnf(component, format string, args ...interface{}) {
	entry(component).Warnf(format, args...)
}

// Fatalf logs a state-machine or other fatal violation and panics with the
// same message; spec.md §7 requires termination naming file/line/cause.
// Nothing in this module recovers the panic, so it ends the process with
// Go's panic report, whose stack trace names the file and line.
func Fatalf(component, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	entry(component).Error(msg)
	panic(component + ": " + msg)
}

// Package util provides logging, hashing and per-call statistics shared by
// the signaling, negotiation and session layers.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging over pterm's default logger, which writes to stderr.
// Call milestones (offer published, peer connected) go through LogSuccess.

func logf(level pterm.LogLevel, format string, args []interface{}) {
	l := &pterm.DefaultLogger
	if !l.CanPrint(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case pterm.LogLevelTrace:
		l.Trace(msg)
	case pterm.LogLevelDebug:
		l.Debug(msg)
	case pterm.LogLevelWarn:
		l.Warn(msg)
	case pterm.LogLevelError:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}

func LogTrace(format string, args ...interface{})   { logf(pterm.LogLevelTrace, format, args) }
func LogDebug(format string, args ...interface{})   { logf(pterm.LogLevelDebug, format, args) }
func LogInfo(format string, args ...interface{})    { logf(pterm.LogLevelInfo, format, args) }
func LogWarning(format string, args ...interface{}) { logf(pterm.LogLevelWarn, format, args) }
func LogError(format string, args ...interface{})   { logf(pterm.LogLevelError, format, args) }

func LogSuccess(format string, args ...interface{}) {
	logf(pterm.LogLevelInfo, "✓ "+format, args)
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// EnableTrace additionally shows trace output, which includes pion's
// ICE and DTLS chatter.
func EnableTrace() {
	pterm.DefaultLogger.Level = pterm.LogLevelTrace
}

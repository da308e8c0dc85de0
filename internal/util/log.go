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

// Leveled logging functions backed by the pterm default logger.
// Output goes to stderr.

func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug messages are printed. Callers use it to
// skip building expensive debug output.
func DebugEnabled() bool {
	return pterm.DefaultLogger.Level <= pterm.LogLevelDebug
}

// Tagged prefixes every message with a fixed-width session tag.
type Tagged uint32

func (t Tagged) Debug(format string, args ...any) { LogDebug(t.prefix()+format, args...) }
func (t Tagged) Info(format string, args ...any)  { LogInfo(t.prefix()+format, args...) }
func (t Tagged) Warn(format string, args ...any)  { LogWarning(t.prefix()+format, args...) }
func (t Tagged) Error(format string, args ...any) { LogError(t.prefix()+format, args...) }

func (t Tagged) prefix() string {
	return fmt.Sprintf("[%08x] ", uint32(t))
}

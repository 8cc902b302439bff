// Package sklogimpl defines the interface for the logging implementation used
// by sklog. The implementation is set at startup, which allows binaries to
// choose where log lines end up without every package importing the backend.
package sklogimpl

import "fmt"

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Fatal:
		return "Fatal"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Logger is implemented by logging backends.
type Logger interface {
	// Log at the given severity. If format is the empty string the args are
	// handled as fmt.Sprint would, otherwise as fmt.Sprintf. The depth is how
	// far up the call stack the reported call site should start.
	Log(depth int, severity Severity, format string, args ...interface{})
}

var logger Logger

// SetLogger changes the package to use the given Logger.
func SetLogger(l Logger) {
	logger = l
}

// Log records a log line with the currently installed Logger.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	logger.Log(depth+1, severity, format, args...)
}

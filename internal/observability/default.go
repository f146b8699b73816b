package observability

import (
	"sync/atomic"
)

// defaultLoggerPath lets a process redirect its own CoreLogger output
// (e.g. to a run-specific file under the configured logs directory)
// before the logger is constructed, without threading a path through
// every caller that might need one.
var defaultLoggerPath atomic.Value

// SetDefaultLoggerPath records the file a CoreLogger's output should go
// to, overriding the default of stderr. Called once, early in startup
// (cmd/mewbased serve's --log-file flag), before newLogger opens it.
// A blank path is a no-op, so an unset --log-file leaves stderr as the
// destination.
func SetDefaultLoggerPath(path string) {
	if path == "" {
		return
	}
	defaultLoggerPath.Store(path)
}

// GetDefaultLoggerPath returns the path set by SetDefaultLoggerPath, if
// any.
func GetDefaultLoggerPath() (string, bool) {
	if path, ok := defaultLoggerPath.Load().(string); ok {
		return path, ok
	}
	return "", false
}

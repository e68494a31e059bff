package delivery

import (
	"os"
	"strings"
)

// Per-message protocol tracing is too chatty even for debug level on a busy
// router; it is opt-in per tag through the LOG_TAGS environment variable
// (comma-separated, e.g. LOG_TAGS=routing).
func traceTagEnabled(tag string) bool {
	for _, t := range strings.Split(os.Getenv("LOG_TAGS"), ",") {
		if strings.TrimSpace(t) == tag {
			return true
		}
	}
	return false
}

// routingTrace gates the router's per-message ROUTE log line.
var routingTrace = traceTagEnabled("routing")

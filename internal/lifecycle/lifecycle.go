package lifecycle

import "sync/atomic"

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// The health handler returns 503 with status shutting-down while true, so
// load balancers stop sending ingest traffic during the drain.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the relay is draining and should not accept
// new payloads.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

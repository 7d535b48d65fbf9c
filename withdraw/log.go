package withdraw

import "github.com/btcsuite/btclog"

// log is this package's subsystem logger. It starts disabled so tests
// and early-init code paths never hit a nil pointer; cmd/talerexchanged
// calls UseLogger once the root backend is ready.
var log = btclog.Disabled

// DisableLog disables all library log output.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

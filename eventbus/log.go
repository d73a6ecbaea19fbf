package eventbus

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-wide logger. It should be called before the
// package is used, typically by the daemon's log subsystem wiring.
func UseLogger(logger btclog.Logger) {
	log = logger
}

package peer

import "github.com/btcsuite/btclog"

// log is the package-level logger used by peer. It is set by callers via
// UseLogger; by default it discards output.
var log = btclog.Disabled

// UseLogger sets the package-wide logger used by the peer package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

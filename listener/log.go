package listener

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by listener.
func UseLogger(logger btclog.Logger) {
	log = logger
}

package bsvnet

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by bsvnet.
func UseLogger(logger btclog.Logger) {
	log = logger
}

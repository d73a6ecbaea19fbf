package main

import (
	"os"

	"github.com/btcsuite/btclog"

	"github.com/bsv-blockchain/p2p-core/bsvnet"
	"github.com/bsv-blockchain/p2p-core/connmgr"
	"github.com/bsv-blockchain/p2p-core/dnsseed"
	"github.com/bsv-blockchain/p2p-core/eventbus"
	"github.com/bsv-blockchain/p2p-core/listener"
	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/bsv-blockchain/p2p-core/peerdb"
	"github.com/bsv-blockchain/p2p-core/supervisor"
)

// backendLog is the single logging backend every subsystem logger is built
// from, following the one-backend-many-subloggers pattern the rest of the
// corpus uses.
var backendLog = btclog.NewBackend(os.Stdout)

var (
	svsrLog = backendLog.Logger("SVSR")
	cmgrLog = backendLog.Logger("CMGR")
	lstnLog = backendLog.Logger("LSTN")
	seedLog = backendLog.Logger("SEED")
	pdbLog  = backendLog.Logger("PPDB")
	bnetLog = backendLog.Logger("BNET")
	peerLog = backendLog.Logger("PEER")
	evbsLog = backendLog.Logger("EVBS")
)

// useLoggers wires every package's UseLogger to its subsystem logger and
// applies level to all of them.
func useLoggers(level string) error {
	loggers := []btclog.Logger{
		svsrLog, cmgrLog, lstnLog, seedLog,
		pdbLog, bnetLog, peerLog, evbsLog,
	}
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return errInvalidLogLevel(level)
	}
	for _, l := range loggers {
		l.SetLevel(lvl)
	}

	supervisor.UseLogger(svsrLog)
	connmgr.UseLogger(cmgrLog)
	listener.UseLogger(lstnLog)
	dnsseed.UseLogger(seedLog)
	peerdb.UseLogger(pdbLog)
	bsvnet.UseLogger(bnetLog)
	peer.UseLogger(peerLog)
	eventbus.UseLogger(evbsLog)

	return nil
}

type errInvalidLogLevel string

func (e errInvalidLogLevel) Error() string {
	return "invalid log level: " + string(e)
}

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// shutdownRequest is closed once, either by an OS signal or by a call to
// requestShutdown, and never again.
var shutdownRequest = make(chan struct{})

// shutdownOnce holds a single token that requestShutdown takes before
// closing shutdownRequest, so a second signal finds it empty and doesn't
// try to close shutdownRequest twice.
var shutdownOnce = make(chan struct{}, 1)

func init() {
	shutdownOnce <- struct{}{}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		svsrLog.Infof("received %v, shutting down", s)
		requestShutdown()
	}()
}

// requestShutdown closes shutdownRequest exactly once, however many times
// it or the signal handler above call it.
func requestShutdown() {
	select {
	case <-shutdownOnce:
		close(shutdownRequest)
	default:
	}
}

// Package keepalive implements the ConnectionActor's ping/pong scheduler,
// per spec §4.3. It is a direct generalization of the ping-management
// pattern used elsewhere in the corpus for a single-outstanding-ping
// protocol: here the pending set is keyed by nonce, since the spec
// explicitly requires a nonce -> send-time map rather than a single slot,
// so that a Pong can be matched to its Ping even if delivery reorders.
package keepalive

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Config parameterizes a Keepalive instance. It is supplied fresh values by
// the owning ConnectionActor, which alone drives Ping/OnPong/TimedOut from a
// single goroutine — Keepalive itself is not safe for concurrent use, by
// design, mirroring the exclusive-ownership model the rest of the actor
// follows.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration

	// SendPing is invoked with a freshly chosen nonce whenever a new
	// ping should go out on the wire.
	SendPing func(nonce uint64)

	// RecordRTT is invoked with the observed round-trip time whenever a
	// matching Pong arrives. May be nil.
	RecordRTT func(time.Duration)
}

// Keepalive tracks outstanding pings by nonce and classifies liveness
// timeouts.
type Keepalive struct {
	cfg     Config
	pending map[uint64]time.Time
}

// New constructs a Keepalive engine. Call Ping on every tick of the
// caller's own timer (typically time.Ticker at cfg.Interval).
func New(cfg Config) *Keepalive {
	return &Keepalive{
		cfg:     cfg,
		pending: make(map[uint64]time.Time),
	}
}

// randomNonce mirrors the wire library's own nonce generation (crypto/rand
// backing a uint64), rather than math/rand, since these nonces double as a
// weak anti-replay/anti-self-connect measure in the real protocol.
func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Ping chooses a fresh nonce, records it as pending, and invokes SendPing.
func (k *Keepalive) Ping() error {
	nonce, err := randomNonce()
	if err != nil {
		return err
	}
	k.pending[nonce] = time.Now()
	k.cfg.SendPing(nonce)
	return nil
}

// OnPong looks up nonce in the pending set. If found, it records the RTT
// and removes the entry. If absent, the caller should log and ignore the
// Pong, per spec §4.3 — OnPong reports whether the nonce was known so the
// caller can decide how to log it.
func (k *Keepalive) OnPong(nonce uint64) bool {
	sentAt, ok := k.pending[nonce]
	if !ok {
		return false
	}
	delete(k.pending, nonce)
	if k.cfg.RecordRTT != nil {
		k.cfg.RecordRTT(time.Since(sentAt))
	}
	return true
}

// TimedOut reports whether the oldest pending ping has been outstanding
// longer than the configured timeout. When true, the caller should
// classify the connection as network-faulted, per spec §4.3.
func (k *Keepalive) TimedOut() bool {
	oldest, ok := k.oldestPending()
	if !ok {
		return false
	}
	return time.Since(oldest) > k.cfg.Timeout
}

func (k *Keepalive) oldestPending() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, sentAt := range k.pending {
		if !found || sentAt.Before(oldest) {
			oldest = sentAt
			found = true
		}
	}
	return oldest, found
}

// PendingCount reports how many pings are currently awaiting a Pong. Used
// by tests and metrics.
func (k *Keepalive) PendingCount() int {
	return len(k.pending)
}

// SetRecordRTT installs (or replaces) the RTT observer after construction,
// so a caller that builds the Keepalive before its metrics collector exists
// can still wire the two together.
func (k *Keepalive) SetRecordRTT(f func(time.Duration)) {
	k.cfg.RecordRTT = f
}

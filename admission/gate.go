// Package admission implements the AdmissionGate from spec §4.4: an atomic
// counter bounded by max_connections, shared by every path that can create
// a connection (outbound initiation, the inbound listener), eliminating the
// check-then-act race between them. Modeled on the atomic start/stop
// counters in the vendored btcsuite/btcd connmgr.ConnManager.
package admission

import "sync/atomic"

// Gate is a bounded counter. TryReserve and Release are the only two
// mutating operations; both are lock-free.
type Gate struct {
	current int32
	max     int32
}

// New returns a Gate bounded by max.
func New(max int) *Gate {
	return &Gate{max: int32(max)}
}

// TryReserve atomically increments the counter iff it is strictly less than
// the configured maximum, returning whether the reservation succeeded.
// Reservation must precede any TCP work for the eliminated race to hold.
func (g *Gate) TryReserve() bool {
	for {
		cur := atomic.LoadInt32(&g.current)
		max := atomic.LoadInt32(&g.max)
		if cur >= max {
			return false
		}
		if atomic.CompareAndSwapInt32(&g.current, cur, cur+1) {
			return true
		}
	}
}

// Release decrements the counter. It must be called exactly once for every
// successful TryReserve, on every terminal transition of the connection it
// was reserved for.
func (g *Gate) Release() {
	atomic.AddInt32(&g.current, -1)
}

// Current returns the current reservation count.
func (g *Gate) Current() int32 {
	return atomic.LoadInt32(&g.current)
}

// Max returns the configured maximum.
func (g *Gate) Max() int32 {
	return atomic.LoadInt32(&g.max)
}

// SetMax updates the configured maximum, e.g. in response to a dynamic
// reconfiguration. A reduction below the current reservation count does not
// forcibly release anything; it only gates future reservations, per
// spec §4.7.
func (g *Gate) SetMax(max int) {
	atomic.StoreInt32(&g.max, int32(max))
}

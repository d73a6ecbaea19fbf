// Package connmgr implements the per-peer ConnectionActor and its state
// machine, restart policy and backoff schedule, per spec §4.3. It is
// grounded on the vendored btcsuite/btcd connmgr.ConnManager for the
// actor/dial/backoff shape, generalized from a single connection-pool
// manager into one self-contained actor per connection, and on
// lnd/peerconn's reconnection scheduling for the restart/backoff split.
package connmgr

import (
	"fmt"
	"math"
	"time"
)

// State is a ConnectionActor's position in the state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingHandshake
	Connected
	Rejected
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case AwaitingHandshake:
		return "AwaitingHandshake"
	case Connected:
		return "Connected"
	case Rejected:
		return "Rejected"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Direction distinguishes who initiated the TCP connection, since it governs
// which transitions are legal.
type Direction int

const (
	Outbound Direction = iota
	Inbound
	InboundOverCapacity
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "Outbound"
	case Inbound:
		return "Inbound"
	case InboundOverCapacity:
		return "InboundOverCapacity"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// validTransitions enumerates the legal (from, to) pairs per direction, per
// spec §4.3. Any pair not present is a programming error.
var validTransitions = map[Direction]map[State]map[State]bool{
	Outbound: {
		Disconnected:      {Connecting: true},
		Connecting:        {AwaitingHandshake: true, Disconnected: true},
		AwaitingHandshake: {Connected: true, Failed: true},
		Connected:         {Connecting: true, Failed: true},
		Failed:            {Disconnected: true},
	},
	Inbound: {
		AwaitingHandshake: {Connected: true, Failed: true},
		Connected:         {Failed: true},
	},
	InboundOverCapacity: {
		AwaitingHandshake: {Rejected: true, Failed: true},
	},
}

// ValidTransition reports whether moving from `from` to `to` is legal for
// the given direction.
func ValidTransition(dir Direction, from, to State) bool {
	byFrom, ok := validTransitions[dir]
	if !ok {
		return false
	}
	tos, ok := byFrom[from]
	if !ok {
		return false
	}
	return tos[to]
}

// ErrInvalidTransition is returned by Actor.transition when asked to make a
// move that ValidTransition rejects.
type ErrInvalidTransition struct {
	Direction Direction
	From, To  State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("connmgr: invalid %s transition %s -> %s", e.Direction, e.From, e.To)
}

// RestartTracker implements the restart-counting and window-reset logic
// from spec §4.3's Restart policy: a bounded number of network-fault
// restarts within a rolling window before the peer is marked Inaccessible.
type RestartTracker struct {
	max         int
	window      time.Duration
	count       int
	windowStart time.Time
}

// NewRestartTracker returns a tracker allowing up to max restarts per
// window, anchored to now.
func NewRestartTracker(max int, window time.Duration, now time.Time) *RestartTracker {
	return &RestartTracker{max: max, window: window, windowStart: now}
}

// RecordRestart registers a restart at time now, resetting the window if it
// has lapsed, and reports whether the tracker's budget has now been
// exceeded (in which case the caller must mark the peer Inaccessible and
// terminate rather than restart again).
func (r *RestartTracker) RecordRestart(now time.Time) bool {
	if now.Sub(r.windowStart) > r.window {
		r.count = 0
		r.windowStart = now
	}
	r.count++
	return r.count > r.max
}

// Count returns the number of restarts recorded in the current window.
func (r *RestartTracker) Count() int {
	return r.count
}

// Backoff implements the exponential reconnection delay from spec §4.3:
// initial_backoff * backoff_multiplier^i for the i-th (zero-indexed) retry,
// exhausted after max_retries consecutive attempts. A successful handshake
// resets it via Reset.
type Backoff struct {
	initial    time.Duration
	multiplier float64
	maxRetries int
	attempt    int
}

// NewBackoff constructs a Backoff schedule.
func NewBackoff(initial time.Duration, multiplier float64, maxRetries int) *Backoff {
	return &Backoff{initial: initial, multiplier: multiplier, maxRetries: maxRetries}
}

// Next returns the delay before the next retry and advances the internal
// counter. exhausted is true when the caller has already used up
// max_retries consecutive attempts, in which case delay is zero and the
// caller must mark the peer Inaccessible instead of retrying again.
func (b *Backoff) Next() (delay time.Duration, exhausted bool) {
	if b.attempt >= b.maxRetries {
		return 0, true
	}
	delay = time.Duration(float64(b.initial) * math.Pow(b.multiplier, float64(b.attempt)))
	b.attempt++
	return delay, false
}

// Reset zeroes the retry counter, called after a successful handshake.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of retries consumed so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

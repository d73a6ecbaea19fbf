// Package eventbus implements the two bounded, multi-subscriber broadcast
// streams from spec §4.8: ControlEvent and BitcoinMessageEvent. Both are
// backed by Bus, a generic adaptation of the corpus's subscribe.Server
// register/cancel protocol, with subscribe's unbounded per-client queue
// replaced by a fixed-capacity buffered channel per subscriber and an
// inline drop-oldest overflow path (Subscription.deliver), to match the
// spec's fixed capacity-1000 / drop-oldest overflow policy.
package eventbus

import (
	"net"

	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/libsv/go-p2p/wire"
)

// Capacity is the fixed capacity of both broadcast streams, per spec §4.8.
const Capacity = 1000

// ControlEvent is the sum type of lifecycle notifications the supervisor,
// listener and actors emit. Concrete variants below implement it.
type ControlEvent interface {
	controlEvent()
}

// ConnectionEstablished fires when an outbound TCP connection succeeds,
// before the handshake begins.
type ConnectionEstablished struct {
	Peer *peer.Peer
}

// ConnectionFailed fires when a connection attempt does not reach
// Connected.
type ConnectionFailed struct {
	Peer   *peer.Peer
	Reason error
}

// ConnectionLost fires when a previously Connected session ends.
type ConnectionLost struct {
	Peer *peer.Peer
}

// ConnectionRestarting fires when a network-level fault triggers the
// restart path (as opposed to the backoff/retry path).
type ConnectionRestarting struct {
	Peer   *peer.Peer
	Reason error
}

// HandshakeComplete fires when all four handshake flags become true.
type HandshakeComplete struct {
	Peer *peer.Peer
}

// PeerBanned fires when handshake validation fails.
type PeerBanned struct {
	Peer   *peer.Peer
	IP     net.IP
	Reason *peer.BanReason
}

// InboundAccepted fires once an inbound actor admitted under the gate
// completes its handshake, from connmgr.Actor.runInbound, as the inbound
// counterpart to ConnectionEstablished, published alongside HandshakeComplete
// rather than at accept time.
type InboundAccepted struct {
	Peer *peer.Peer
	Addr net.Addr
}

// InboundRejectedCapacity fires when an inbound actor that never held a gate
// reservation reaches a terminal outcome (handshake timeout, ban, or a
// clean handshake that simply arrived over capacity), from
// connmgr.Actor.runInbound. Reason is nil for the last case. It never routes
// through ConnectionFailed or PeerBanned, since handling either of those
// releases a gate slot this actor was never granted.
type InboundRejectedCapacity struct {
	Peer   *peer.Peer
	Addr   net.Addr
	Reason error
}

// ListenerBindFailed fires when the inbound listener cannot bind. This is
// non-fatal: the manager continues in outbound-only mode.
type ListenerBindFailed struct {
	Addr string
	Err  error
}

func (ConnectionEstablished) controlEvent()   {}
func (ConnectionFailed) controlEvent()        {}
func (ConnectionLost) controlEvent()          {}
func (ConnectionRestarting) controlEvent()    {}
func (HandshakeComplete) controlEvent()       {}
func (PeerBanned) controlEvent()              {}
func (InboundAccepted) controlEvent()         {}
func (InboundRejectedCapacity) controlEvent() {}
func (ListenerBindFailed) controlEvent()      {}

// BitcoinMessageEvent carries a well-formed frame received from a peer
// post-handshake, for every command not consumed internally by the
// handshake/keepalive engines.
type BitcoinMessageEvent struct {
	Peer    *peer.Peer
	Message wire.Message
}

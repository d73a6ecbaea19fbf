// Package peer defines the data model for a known Bitcoin SV network peer:
// its identity, endpoint, and the status lifecycle tracked by peerdb and
// updated by connmgr/supervisor in response to connection events.
package peer

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a peer record.
type Status int

const (
	// Unknown is the status a peer is created with, before any connection
	// attempt has resolved.
	Unknown Status = iota

	// Valid marks a peer that has completed a handshake successfully.
	Valid

	// Inaccessible marks a peer that failed to establish or maintain a
	// connection for reasons that do not warrant a ban (timeout, refused,
	// restart budget exhausted).
	Inaccessible

	// Banned marks a peer that violated handshake validation. Banned
	// peers are never dialed and inbound sockets from them are dropped
	// before handshake.
	Banned
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Valid:
		return "Valid"
	case Inaccessible:
		return "Inaccessible"
	case Banned:
		return "Banned"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// BanReasonKind enumerates the reasons a peer can be banned for.
type BanReasonKind int

const (
	// NetworkMismatch means the frame carrying the peer's Version message
	// declared a network magic other than the one we're configured for.
	NetworkMismatch BanReasonKind = iota

	// ChainMismatch means the peer's declared user agent identifies a
	// node on a different blockchain (BTC, BCH, and similar forks), not
	// Bitcoin SV.
	ChainMismatch

	// ProtocolTooOld means the peer's Version payload declared a
	// protocol version below MinProtocolVersion.
	ProtocolTooOld

	// BannedUserAgent means the peer's user agent matched a configured
	// ban glob.
	BannedUserAgent
)

// String implements fmt.Stringer.
func (k BanReasonKind) String() string {
	switch k {
	case NetworkMismatch:
		return "NetworkMismatch"
	case ChainMismatch:
		return "ChainMismatch"
	case ProtocolTooOld:
		return "ProtocolTooOld"
	case BannedUserAgent:
		return "BannedUserAgent"
	default:
		return fmt.Sprintf("BanReasonKind(%d)", int(k))
	}
}

// BanReason records why a peer is Banned. Expected and Got are populated
// according to Kind: for NetworkMismatch they hold magic values rendered as
// hex strings; for ChainMismatch and ProtocolTooOld only Got is populated;
// for BannedUserAgent Pattern holds the glob that matched.
type BanReason struct {
	Kind     BanReasonKind `json:"kind"`
	Expected string        `json:"expected,omitempty"`
	Got      string        `json:"got,omitempty"`
	Pattern  string        `json:"pattern,omitempty"`
}

// String renders a human readable description, used in logs and control
// events.
func (r *BanReason) String() string {
	if r == nil {
		return ""
	}
	switch r.Kind {
	case NetworkMismatch:
		return fmt.Sprintf("network mismatch: expected %s got %s", r.Expected, r.Got)
	case ChainMismatch:
		return fmt.Sprintf("chain mismatch: got %s", r.Got)
	case ProtocolTooOld:
		return fmt.Sprintf("protocol too old: got %s", r.Got)
	case BannedUserAgent:
		return fmt.Sprintf("banned user agent pattern %q", r.Pattern)
	default:
		return "unknown ban reason"
	}
}

// Peer is a durable record of a known remote node, keyed by an
// implementation-generated identity and by its network endpoint.
type Peer struct {
	// ID is assigned once, on first insertion into a Repository, and
	// never changes afterward.
	ID uuid.UUID

	// IP and Port together form the peer's endpoint. No two peers may
	// share an endpoint at the same time.
	IP   net.IP
	Port uint16

	Status          Status
	StatusTimestamp time.Time

	// BanReason is non-nil iff Status == Banned.
	BanReason *BanReason
}

// New constructs a Peer in the Unknown status with a freshly generated
// identity and the current time as its status timestamp. Callers insert it
// into a Repository to persist it.
func New(ip net.IP, port uint16) *Peer {
	return &Peer{
		ID:              uuid.New(),
		IP:              ip,
		Port:            port,
		Status:          Unknown,
		StatusTimestamp: time.Now(),
	}
}

// Endpoint returns the "ip:port" string used as the secondary index key in
// a Repository.
func (p *Peer) Endpoint() string {
	return EndpointKey(p.IP, p.Port)
}

// EndpointKey normalizes an (ip, port) pair into the canonical string used
// to index peers by endpoint. IPv4 and IPv4-in-IPv6 representations of the
// same address must collide, so the address is normalized to its 4-byte
// form when possible.
func EndpointKey(ip net.IP, port uint16) string {
	norm := ip
	if v4 := ip.To4(); v4 != nil {
		norm = v4
	}
	return fmt.Sprintf("%s:%d", norm.String(), port)
}

// Clone returns a deep copy, so callers (repositories, event payloads) never
// share mutable state with each other.
func (p *Peer) Clone() *Peer {
	if p == nil {
		return nil
	}
	cp := *p
	if p.IP != nil {
		cp.IP = append(net.IP(nil), p.IP...)
	}
	if p.BanReason != nil {
		reason := *p.BanReason
		cp.BanReason = &reason
	}
	return &cp
}

// SetStatus transitions the peer to a new status, stamping StatusTimestamp
// with the current time. reason must be non-nil iff status is Banned.
func (p *Peer) SetStatus(status Status, reason *BanReason) {
	p.Status = status
	p.StatusTimestamp = time.Now()
	if status == Banned {
		p.BanReason = reason
	} else {
		p.BanReason = nil
	}
}

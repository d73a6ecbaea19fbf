// Package peerdb implements the PeerRepository contract from spec §4.1: a
// durable catalog of known peers keyed by identity and by endpoint, with
// concurrent CRUD, status/endpoint queries, and a crash-atomic JSON
// snapshot format.
package peerdb

import (
	"errors"
	"net"

	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/google/uuid"
)

// Errors returned by Repository operations.
var (
	// ErrPeerNotFound is returned by Read, Update and Delete when the id
	// is absent. Delete is pinned to return this on an absent id rather
	// than treating deletion as an idempotent no-op (spec §4.1
	// recommendation).
	ErrPeerNotFound = errors.New("peerdb: peer not found")

	// ErrDuplicatePeer is returned by Create when either index would
	// collide, and by Update when a changed endpoint collides with a
	// different peer.
	ErrDuplicatePeer = errors.New("peerdb: duplicate peer")

	// ErrPeerStoreCorrupt is returned by Load when the snapshot file
	// exists but cannot be parsed. The supervisor must refuse to start
	// in this case.
	ErrPeerStoreCorrupt = errors.New("peerdb: peer store corrupt")
)

// Repository is the abstract capability every component in the manager
// depends on: the supervisor, the actors (via status-update events routed
// back through the supervisor), the listener, and the seeder. It is
// described as an interface, per Design Note "Polymorphism over capability
// sets", so a future key-value-backed implementation can be swapped in
// without touching callers.
type Repository interface {
	Create(p *peer.Peer) error
	Read(id uuid.UUID) (*peer.Peer, error)
	Update(p *peer.Peer) error
	Delete(id uuid.UUID) error

	ListAll() []*peer.Peer
	FindByStatus(s peer.Status) []*peer.Peer
	FindByEndpoint(ip net.IP, port uint16) (*peer.Peer, error)
	CountByStatus(s peer.Status) int

	// Save writes a crash-atomic snapshot of the primary index to path.
	Save(path string) error
}

// Load reads a snapshot from path into a fresh MemoryRepository. A missing
// file is equivalent to an empty repository; a file that exists but fails
// to parse yields ErrPeerStoreCorrupt.
func Load(path string) (*MemoryRepository, error) {
	return loadMemoryRepository(path)
}

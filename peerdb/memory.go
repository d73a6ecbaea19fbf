package peerdb

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository with an optional durable
// snapshot on disk. All operations are serialized by a single mutex with
// short critical sections, per spec §5's concurrency model — there is no
// lock-free fast path, but no operation here does anything beyond map
// bookkeeping and a struct copy.
type MemoryRepository struct {
	mu sync.RWMutex

	// byID is the primary index.
	byID map[uuid.UUID]*peer.Peer

	// byEndpoint is the secondary index, mapping peer.EndpointKey to id.
	byEndpoint map[string]uuid.UUID
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:       make(map[uuid.UUID]*peer.Peer),
		byEndpoint: make(map[string]uuid.UUID),
	}
}

// Create inserts p, failing with ErrDuplicatePeer if either index would
// collide.
func (r *MemoryRepository) Create(p *peer.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[p.ID]; ok {
		return fmt.Errorf("%w: id %s already present", ErrDuplicatePeer, p.ID)
	}
	key := p.Endpoint()
	if _, ok := r.byEndpoint[key]; ok {
		return fmt.Errorf("%w: endpoint %s already present", ErrDuplicatePeer, key)
	}

	r.byID[p.ID] = p.Clone()
	r.byEndpoint[key] = p.ID
	return nil
}

// Read returns a copy of the peer with the given id.
func (r *MemoryRepository) Read(id uuid.UUID) (*peer.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrPeerNotFound, id)
	}
	return p.Clone(), nil
}

// Update replaces the stored record for p.ID. If the endpoint changed and
// the new endpoint collides with a different peer, it fails with
// ErrDuplicatePeer and leaves the repository unchanged.
func (r *MemoryRepository) Update(p *peer.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[p.ID]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrPeerNotFound, p.ID)
	}

	oldKey := existing.Endpoint()
	newKey := p.Endpoint()
	if newKey != oldKey {
		if owner, ok := r.byEndpoint[newKey]; ok && owner != p.ID {
			return fmt.Errorf("%w: endpoint %s already present", ErrDuplicatePeer, newKey)
		}
		delete(r.byEndpoint, oldKey)
		r.byEndpoint[newKey] = p.ID
	}

	r.byID[p.ID] = p.Clone()
	return nil
}

// Delete removes the peer with the given id, returning ErrPeerNotFound if
// absent.
func (r *MemoryRepository) Delete(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrPeerNotFound, id)
	}
	delete(r.byID, id)
	delete(r.byEndpoint, p.Endpoint())
	return nil
}

// ListAll returns copies of every stored peer, in no particular order.
func (r *MemoryRepository) ListAll() []*peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*peer.Peer, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p.Clone())
	}
	return out
}

// FindByStatus returns copies of every peer currently in status s.
func (r *MemoryRepository) FindByStatus(s peer.Status) []*peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*peer.Peer
	for _, p := range r.byID {
		if p.Status == s {
			out = append(out, p.Clone())
		}
	}
	return out
}

// FindByEndpoint looks a peer up by its (ip, port). Returns ErrPeerNotFound
// if no peer is registered at that endpoint.
func (r *MemoryRepository) FindByEndpoint(ip net.IP, port uint16) (*peer.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEndpoint[peer.EndpointKey(ip, port)]
	if !ok {
		return nil, fmt.Errorf("%w: endpoint %s", ErrPeerNotFound, peer.EndpointKey(ip, port))
	}
	return r.byID[id].Clone(), nil
}

// CountByStatus returns the number of peers currently in status s.
func (r *MemoryRepository) CountByStatus(s peer.Status) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.byID {
		if p.Status == s {
			n++
		}
	}
	return n
}

// peerFile is the top-level JSON document written to the snapshot file, per
// spec §6.
type peerFile struct {
	Peers []peerRecord `json:"peers"`
}

// peerRecord is the on-disk representation of a single peer. Unknown fields
// are ignored on load because json.Unmarshal does that by default.
type peerRecord struct {
	ID              string          `json:"id"`
	IP              string          `json:"ip"`
	Port            uint16          `json:"port"`
	Status          string          `json:"status"`
	StatusTimestamp time.Time       `json:"status_timestamp"`
	BanReason       *banReasonRecord `json:"ban_reason"`
}

type banReasonRecord struct {
	Kind     string `json:"kind"`
	Expected string `json:"expected,omitempty"`
	Got      string `json:"got,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
}

func statusToString(s peer.Status) string {
	return s.String()
}

func statusFromString(s string) (peer.Status, error) {
	switch s {
	case "Valid":
		return peer.Valid, nil
	case "Inaccessible":
		return peer.Inaccessible, nil
	case "Banned":
		return peer.Banned, nil
	case "Unknown":
		return peer.Unknown, nil
	default:
		return 0, fmt.Errorf("%w: unknown status %q", ErrPeerStoreCorrupt, s)
	}
}

func banKindToString(k peer.BanReasonKind) string {
	return k.String()
}

func banKindFromString(s string) (peer.BanReasonKind, error) {
	switch s {
	case "NetworkMismatch":
		return peer.NetworkMismatch, nil
	case "ChainMismatch":
		return peer.ChainMismatch, nil
	case "ProtocolTooOld":
		return peer.ProtocolTooOld, nil
	case "BannedUserAgent":
		return peer.BannedUserAgent, nil
	default:
		return 0, fmt.Errorf("%w: unknown ban reason kind %q", ErrPeerStoreCorrupt, s)
	}
}

func toRecord(p *peer.Peer) peerRecord {
	rec := peerRecord{
		ID:              p.ID.String(),
		IP:              p.IP.String(),
		Port:            p.Port,
		Status:          statusToString(p.Status),
		StatusTimestamp: p.StatusTimestamp,
	}
	if p.BanReason != nil {
		rec.BanReason = &banReasonRecord{
			Kind:     banKindToString(p.BanReason.Kind),
			Expected: p.BanReason.Expected,
			Got:      p.BanReason.Got,
			Pattern:  p.BanReason.Pattern,
		}
	}
	return rec
}

func fromRecord(rec peerRecord) (*peer.Peer, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid id %q: %v", ErrPeerStoreCorrupt, rec.ID, err)
	}
	ip := net.ParseIP(rec.IP)
	if ip == nil {
		return nil, fmt.Errorf("%w: invalid ip %q", ErrPeerStoreCorrupt, rec.IP)
	}
	status, err := statusFromString(rec.Status)
	if err != nil {
		return nil, err
	}

	p := &peer.Peer{
		ID:              id,
		IP:              ip,
		Port:            rec.Port,
		Status:          status,
		StatusTimestamp: rec.StatusTimestamp,
	}
	if rec.BanReason != nil {
		kind, err := banKindFromString(rec.BanReason.Kind)
		if err != nil {
			return nil, err
		}
		p.BanReason = &peer.BanReason{
			Kind:     kind,
			Expected: rec.BanReason.Expected,
			Got:      rec.BanReason.Got,
			Pattern:  rec.BanReason.Pattern,
		}
	}
	return p, nil
}

// Save writes a crash-atomic snapshot: it serializes to a temporary sibling
// file, fsyncs it, then renames it over path. Rename is atomic on the same
// filesystem, which is the property the spec requires; there is no
// ecosystem library among the examples for atomic file replacement, so this
// uses the standard os package directly, following the same
// write-temp/fsync/rename shape channeldb and bbolt use for their own
// on-disk commits.
func (r *MemoryRepository) Save(path string) error {
	r.mu.RLock()
	doc := peerFile{Peers: make([]peerRecord, 0, len(r.byID))}
	for _, p := range r.byID {
		doc.Peers = append(doc.Peers, toRecord(p))
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("peerdb: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".peerdb-*.tmp")
	if err != nil {
		return fmt.Errorf("peerdb: create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("peerdb: write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("peerdb: fsync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("peerdb: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("peerdb: rename temp snapshot: %w", err)
	}
	return nil
}

// loadMemoryRepository reads path into a fresh repository. A missing file
// yields an empty repository and no error.
func loadMemoryRepository(path string) (*MemoryRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewMemoryRepository(), nil
		}
		return nil, fmt.Errorf("peerdb: read snapshot: %w", err)
	}

	var doc peerFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerStoreCorrupt, err)
	}

	repo := NewMemoryRepository()
	for _, rec := range doc.Peers {
		p, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		if err := repo.Create(p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPeerStoreCorrupt, err)
		}
	}
	return repo, nil
}

var _ Repository = (*MemoryRepository)(nil)

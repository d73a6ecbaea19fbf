package peerdb

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/stretchr/testify/require"
)

func TestCreateRejectsDuplicateEndpoint(t *testing.T) {
	repo := NewMemoryRepository()
	p1 := peer.New(net.ParseIP("10.0.0.1"), 8333)
	p2 := peer.New(net.ParseIP("10.0.0.1"), 8333)

	require.NoError(t, repo.Create(p1))
	err := repo.Create(p2)
	require.ErrorIs(t, err, ErrDuplicatePeer)
}

func TestUpdateMissingPeerFails(t *testing.T) {
	repo := NewMemoryRepository()
	p := peer.New(net.ParseIP("10.0.0.1"), 8333)
	require.ErrorIs(t, repo.Update(p), ErrPeerNotFound)
}

func TestDeleteAbsentIsPeerNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	p := peer.New(net.ParseIP("10.0.0.1"), 8333)
	require.ErrorIs(t, repo.Delete(p.ID), ErrPeerNotFound)
}

func TestUpdateEndpointCollisionIsRejected(t *testing.T) {
	repo := NewMemoryRepository()
	p1 := peer.New(net.ParseIP("10.0.0.1"), 8333)
	p2 := peer.New(net.ParseIP("10.0.0.2"), 8333)
	require.NoError(t, repo.Create(p1))
	require.NoError(t, repo.Create(p2))

	moved := p2.Clone()
	moved.IP = net.ParseIP("10.0.0.1")
	err := repo.Update(moved)
	require.ErrorIs(t, err, ErrDuplicatePeer)

	// Repository state must be unchanged.
	stillThere, err := repo.FindByEndpoint(net.ParseIP("10.0.0.2"), 8333)
	require.NoError(t, err)
	require.Equal(t, p2.ID, stillThere.ID)
}

func TestCountByStatusMatchesCardinality(t *testing.T) {
	repo := NewMemoryRepository()
	for i := 0; i < 3; i++ {
		p := peer.New(net.ParseIP("10.0.0.1"), uint16(8333+i))
		p.SetStatus(peer.Valid, nil)
		require.NoError(t, repo.Create(p))
	}
	p := peer.New(net.ParseIP("10.0.0.99"), 8333)
	require.NoError(t, repo.Create(p))

	require.Equal(t, 3, repo.CountByStatus(peer.Valid))
	require.Equal(t, 1, repo.CountByStatus(peer.Unknown))
	require.Len(t, repo.FindByStatus(peer.Valid), 3)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	repo := NewMemoryRepository()
	p1 := peer.New(net.ParseIP("10.0.0.1"), 8333)
	p1.SetStatus(peer.Valid, nil)
	p2 := peer.New(net.ParseIP("10.0.0.2"), 8333)
	p2.SetStatus(peer.Banned, &peer.BanReason{Kind: peer.NetworkMismatch, Expected: "mainnet", Got: "testnet"})
	require.NoError(t, repo.Create(p1))
	require.NoError(t, repo.Create(p2))

	path := filepath.Join(t.TempDir(), "peers.json")
	require.NoError(t, repo.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	require.ElementsMatch(t, peerIDs(repo.ListAll()), peerIDs(loaded.ListAll()))

	got, err := loaded.Read(p2.ID)
	require.NoError(t, err)
	require.Equal(t, peer.Banned, got.Status)
	require.NotNil(t, got.BanReason)
	require.Equal(t, "mainnet", got.BanReason.Expected)
}

func TestLoadMissingFileIsEmptyRepository(t *testing.T) {
	repo, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Empty(t, repo.ListAll())
}

func TestLoadCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrPeerStoreCorrupt)
}

func TestInsertDeleteReinsertRestoresEndpointIndex(t *testing.T) {
	repo := NewMemoryRepository()
	p := peer.New(net.ParseIP("10.0.0.1"), 8333)
	require.NoError(t, repo.Create(p))
	require.NoError(t, repo.Delete(p.ID))

	p2 := peer.New(net.ParseIP("10.0.0.1"), 8333)
	require.NoError(t, repo.Create(p2))

	found, err := repo.FindByEndpoint(net.ParseIP("10.0.0.1"), 8333)
	require.NoError(t, err)
	require.Equal(t, p2.ID, found.ID)
}

func peerIDs(peers []*peer.Peer) []string {
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.ID.String()
	}
	return ids
}

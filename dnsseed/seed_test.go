package dnsseed

import (
	"net"
	"testing"

	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/bsv-blockchain/p2p-core/peerdb"
	"github.com/stretchr/testify/require"
)

func stubResolver(byHost map[string][]net.IP) Resolver {
	return func(hostname string) ([]net.IP, error) {
		ips, ok := byHost[hostname]
		if !ok {
			return nil, net.UnknownNetworkError("no such host in stub")
		}
		return ips, nil
	}
}

func TestSeedInsertsNewEndpointsAsUnknown(t *testing.T) {
	repo := peerdb.NewMemoryRepository()

	existing := peer.New(net.ParseIP("10.0.0.3"), 8333)
	existing.SetStatus(peer.Banned, &peer.BanReason{Kind: peer.NetworkMismatch})
	require.NoError(t, repo.Create(existing))

	s := New(Config{
		Hostnames:   []string{"seed.example"},
		DefaultPort: 8333,
		Repo:        repo,
		Resolve: stubResolver(map[string][]net.IP{
			"seed.example": {
				net.ParseIP("10.0.0.1"),
				net.ParseIP("10.0.0.2"),
				net.ParseIP("10.0.0.3"),
			},
		}),
	})
	s.RunOnce()

	p1, err := repo.FindByEndpoint(net.ParseIP("10.0.0.1"), 8333)
	require.NoError(t, err)
	require.Equal(t, peer.Unknown, p1.Status)

	p2, err := repo.FindByEndpoint(net.ParseIP("10.0.0.2"), 8333)
	require.NoError(t, err)
	require.Equal(t, peer.Unknown, p2.Status)

	// The already-banned endpoint is left completely unchanged.
	p3, err := repo.FindByEndpoint(net.ParseIP("10.0.0.3"), 8333)
	require.NoError(t, err)
	require.Equal(t, peer.Banned, p3.Status)

	require.Len(t, repo.ListAll(), 3)
}

func TestSeedOneHostnameFailureDoesNotAbortPass(t *testing.T) {
	repo := peerdb.NewMemoryRepository()

	s := New(Config{
		Hostnames:   []string{"broken.example", "good.example"},
		DefaultPort: 8333,
		Repo:        repo,
		Resolve: func(hostname string) ([]net.IP, error) {
			if hostname == "broken.example" {
				return nil, net.UnknownNetworkError("resolution failed")
			}
			return []net.IP{net.ParseIP("10.1.1.1")}, nil
		},
	})
	s.RunOnce()

	_, err := repo.FindByEndpoint(net.ParseIP("10.1.1.1"), 8333)
	require.NoError(t, err)
	require.Len(t, repo.ListAll(), 1)
}

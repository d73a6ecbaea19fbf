package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bsv-blockchain/p2p-core/admission"
	"github.com/bsv-blockchain/p2p-core/bsvnet"
	"github.com/bsv-blockchain/p2p-core/connconfig"
	"github.com/bsv-blockchain/p2p-core/connmgr"
	"github.com/bsv-blockchain/p2p-core/eventbus"
	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/bsv-blockchain/p2p-core/peerdb"
	"github.com/stretchr/testify/require"
)

func newTestListener(t *testing.T, gate *admission.Gate, isActive ActiveChecker) (*Listener, *peerdb.MemoryRepository, *eventbus.Bus[eventbus.ControlEvent], chan *connmgr.Actor) {
	t.Helper()
	repo := peerdb.NewMemoryRepository()
	control := eventbus.NewBus[eventbus.ControlEvent](16)
	spawned := make(chan *connmgr.Actor, 16)

	netCfg := bsvnet.DefaultConfig()
	netCfg.Network = bsvnet.Regtest

	l := New(Config{
		BindAddr:   "127.0.0.1:0",
		Repo:       repo,
		Gate:       gate,
		NetCfg:     netCfg,
		ConnCfg:    connconfig.Default(),
		ControlBus: control,
		MessageBus: eventbus.NewBus[eventbus.BitcoinMessageEvent](16),
		IsActive:   isActive,
		Spawn:      func(a *connmgr.Actor) { spawned <- a },
	})
	return l, repo, control, spawned
}

func waitForBind(t *testing.T, l *Listener) net.Addr {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if addr := l.Addr(); addr != nil {
			return addr
		}
		select {
		case <-time.After(time.Millisecond):
		case <-deadline:
			t.Fatal("listener never bound")
		}
	}
}

func TestAcceptedSocketReservesGateAndSpawnsInbound(t *testing.T) {
	gate := admission.New(1)
	l, _, _, spawned := newTestListener(t, gate, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	addr := waitForBind(t, l)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case a := <-spawned:
		require.Equal(t, connmgr.AwaitingHandshake, a.State())
		require.EqualValues(t, 1, gate.Current())
	case <-time.After(2 * time.Second):
		t.Fatal("listener never spawned an inbound actor")
	}
}

func TestOverCapacityInboundStillSpawnedForRejection(t *testing.T) {
	gate := admission.New(0)
	l, _, _, spawned := newTestListener(t, gate, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	addr := waitForBind(t, l)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case a := <-spawned:
		require.EqualValues(t, 0, gate.Current())
		_ = a // over-capacity actor still gets constructed to send the Reject
	case <-time.After(2 * time.Second):
		t.Fatal("listener never spawned an over-capacity actor")
	}
}

func TestBannedPeerConnectionIsDroppedBeforeSpawn(t *testing.T) {
	gate := admission.New(5)
	l, repo, _, spawned := newTestListener(t, gate, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	addr := waitForBind(t, l)

	// Reserve a source port so the peer's endpoint is known before it ever
	// dials, letting the ban be recorded ahead of the connection attempt.
	reserved, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	localPort := reserved.Addr().(*net.TCPAddr).Port
	require.NoError(t, reserved.Close())

	banned := peer.New(net.IPv4(127, 0, 0, 1), uint16(localPort))
	banned.SetStatus(peer.Banned, &peer.BanReason{Kind: peer.NetworkMismatch})
	require.NoError(t, repo.Create(banned))

	dialer := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort}}
	conn, err := dialer.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err) // closed by the listener, never handshaked

	select {
	case <-spawned:
		t.Fatal("listener spawned an actor for a banned endpoint")
	case <-time.After(200 * time.Millisecond):
	}
	require.EqualValues(t, 0, gate.Current())
}

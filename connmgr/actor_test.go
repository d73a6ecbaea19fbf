package connmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bsv-blockchain/p2p-core/admission"
	"github.com/bsv-blockchain/p2p-core/bsvnet"
	"github.com/bsv-blockchain/p2p-core/connconfig"
	"github.com/bsv-blockchain/p2p-core/eventbus"
	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/libsv/go-p2p/wire"
	"github.com/stretchr/testify/require"
)

func testNetConfig() *bsvnet.Config {
	cfg := bsvnet.DefaultConfig()
	cfg.Network = bsvnet.Regtest
	return cfg
}

func testConnConfig() *connconfig.Config {
	cfg := connconfig.Default()
	cfg.HandshakeTimeout = 2 * time.Second
	// Kept well above any test's runtime so the keepalive ticker never
	// fires and blocks a write on a pipe nobody is draining anymore.
	cfg.PingInterval = 10 * time.Second
	cfg.PingTimeout = 30 * time.Second
	cfg.InitialBackoff = 10 * time.Millisecond
	return cfg
}

// fakePeerVersion builds a Version payload a stub remote peer can send back
// during a handshake test. The frame's network identifier is a property of
// the surrounding wire.WriteMessageN call, not of the payload itself.
func fakePeerVersion() *wire.MsgVersion {
	them := wire.NewNetAddressIPPort(net.IPv4(127, 0, 0, 1), 8333, wire.SFNodeNetwork)
	us := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	v := wire.NewMsgVersion(them, us, 42, 0)
	v.ProtocolVersion = int32(protocolVersion)
	v.UserAgent = "/Bitcoin SV:1.0.13/"
	v.Services = wire.SFNodeNetwork
	return v
}

func TestOutboundHandshakeCompletesAndDisconnects(t *testing.T) {
	client, server := net.Pipe()
	netCfg := testNetConfig()
	magic, err := netCfg.Network.Magic()
	require.NoError(t, err)

	dial := func(ip net.IP, port uint16) (net.Conn, error) { return client, nil }

	control := eventbus.NewBus[eventbus.ControlEvent](16)
	sub := control.Subscribe()

	p := peer.New(net.IPv4(127, 0, 0, 1), 8333)
	a := NewOutbound(p, netCfg, testConnConfig(), dial, control, eventbus.NewBus[eventbus.BitcoinMessageEvent](16))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// Fake peer side: read Version, reply Version+VerAck, read VerAck.
	go func() {
		_, _, _, err := wire.ReadMessageN(server, protocolVersion, magic)
		if err != nil {
			return
		}
		_, _ = wire.WriteMessageN(server, fakePeerVersion(), protocolVersion, magic)
		_, _ = wire.WriteMessageN(server, wire.NewMsgVerAck(), protocolVersion, magic)
		// consume the VerAck the actor sends back, and the sendheaders pref.
		for i := 0; i < 2; i++ {
			if _, _, _, err := wire.ReadMessageN(server, protocolVersion, magic); err != nil {
				return
			}
		}
	}()

	var gotEstablished, gotHandshake bool
	deadline := time.After(3 * time.Second)
	for !gotHandshake {
		select {
		case evt := <-sub.Events():
			switch evt.(type) {
			case eventbus.ConnectionEstablished:
				gotEstablished = true
			case eventbus.HandshakeComplete:
				gotHandshake = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for handshake completion")
		}
	}
	require.True(t, gotEstablished)
	require.Equal(t, Connected, a.State())

	a.Disconnect()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not terminate after Disconnect")
	}
}

func TestOutboundBansOnNetworkMismatch(t *testing.T) {
	client, server := net.Pipe()
	netCfg := testNetConfig()
	magic, err := netCfg.Network.Magic()
	require.NoError(t, err)
	wrongMagic := bsvnet.MagicTestnet
	if magic == wrongMagic {
		wrongMagic = bsvnet.MagicMainnet
	}

	dial := func(ip net.IP, port uint16) (net.Conn, error) { return client, nil }

	control := eventbus.NewBus[eventbus.ControlEvent](16)
	sub := control.Subscribe()

	p := peer.New(net.IPv4(127, 0, 0, 1), 8333)
	a := NewOutbound(p, netCfg, testConnConfig(), dial, control, eventbus.NewBus[eventbus.BitcoinMessageEvent](16))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	go func() {
		_, _, _, err := wire.ReadMessageN(server, protocolVersion, magic)
		if err != nil {
			return
		}
		// Reply under the wrong network's magic entirely.
		_, _ = wire.WriteMessageN(server, fakePeerVersion(), protocolVersion, wrongMagic)
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-sub.Events():
			if banned, ok := evt.(eventbus.PeerBanned); ok {
				require.Equal(t, peer.NetworkMismatch, banned.Reason.Kind)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for PeerBanned event")
		}
	}
}

func TestInboundOverCapacityIsRejectedAfterHandshake(t *testing.T) {
	client, server := net.Pipe()
	netCfg := testNetConfig()
	magic, err := netCfg.Network.Magic()
	require.NoError(t, err)

	control := eventbus.NewBus[eventbus.ControlEvent](16)
	sub := control.Subscribe()

	p := peer.New(net.IPv4(10, 0, 0, 1), 8333)
	a := NewInbound(p, server, true, netCfg, testConnConfig(), control, eventbus.NewBus[eventbus.BitcoinMessageEvent](16))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	go func() {
		_, _ = wire.WriteMessageN(client, fakePeerVersion(), protocolVersion, magic)
		// consume the responding Version+VerAck the actor sends, then
		// complete the handshake from our side so the actor reaches the
		// point where it evaluates capacity and rejects.
		for i := 0; i < 2; i++ {
			if _, _, _, err := wire.ReadMessageN(client, protocolVersion, magic); err != nil {
				return
			}
		}
		_, _ = wire.WriteMessageN(client, wire.NewMsgVerAck(), protocolVersion, magic)
		// Drain the Reject: net.Pipe writes block until read, and the
		// actor reports the rejection only after sending it.
		_, _, _, _ = wire.ReadMessageN(client, protocolVersion, magic)
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-sub.Events():
			if _, ok := evt.(eventbus.InboundRejectedCapacity); ok {
				require.Equal(t, Rejected, a.State())
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for InboundRejectedCapacity event")
		}
	}
}

// TestInboundOverCapacityBannedDoesNotReleaseGate covers the pre-handshake-
// completion path: an over-capacity actor whose peer sends a banned frame
// before the four-flag handshake ever finishes. It must still surface as
// InboundRejectedCapacity, never PeerBanned, so a gate that was never
// reserved for it is never released either.
func TestInboundOverCapacityBannedDoesNotReleaseGate(t *testing.T) {
	client, server := net.Pipe()
	netCfg := testNetConfig()
	magic, err := netCfg.Network.Magic()
	require.NoError(t, err)
	wrongMagic := bsvnet.MagicTestnet
	if magic == wrongMagic {
		wrongMagic = bsvnet.MagicMainnet
	}

	control := eventbus.NewBus[eventbus.ControlEvent](16)
	sub := control.Subscribe()

	// This actor is over capacity, so per listener.go it never held a gate
	// reservation. gate itself is only reserved here by an unrelated
	// stand-in session, to prove the actor's failure path leaves it alone.
	gate := admission.New(1)
	require.True(t, gate.TryReserve())

	p := peer.New(net.IPv4(10, 0, 0, 2), 8333)
	a := NewInbound(p, server, true, netCfg, testConnConfig(), control, eventbus.NewBus[eventbus.BitcoinMessageEvent](16))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	go func() {
		_, _ = wire.WriteMessageN(client, fakePeerVersion(), protocolVersion, wrongMagic)
		// Drain the Reject, which the actor sends before reporting.
		_, _, _, _ = wire.ReadMessageN(client, protocolVersion, magic)
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-sub.Events():
			switch e := evt.(type) {
			case eventbus.ConnectionFailed:
				t.Fatal("over-capacity actor must not publish ConnectionFailed")
			case eventbus.PeerBanned:
				t.Fatal("over-capacity actor must not publish PeerBanned")
			case eventbus.InboundRejectedCapacity:
				require.Equal(t, Rejected, a.State())
				require.Error(t, e.Reason)
				// Mirror handleControlEvent's release rule: only
				// ConnectionFailed and PeerBanned touch the gate.
				require.EqualValues(t, 1, gate.Current())
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for InboundRejectedCapacity event")
		}
	}
}

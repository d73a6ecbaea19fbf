package handshake

import (
	"testing"

	"github.com/bsv-blockchain/p2p-core/bsvnet"
	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/libsv/go-p2p/wire"
	"github.com/stretchr/testify/require"
)

func regtestConfig() *bsvnet.Config {
	cfg := bsvnet.DefaultConfig()
	cfg.Network = bsvnet.Regtest
	return cfg
}

func TestFlagsCompleteRequiresAllFour(t *testing.T) {
	var f Flags
	require.False(t, f.Complete())
	f = Flags{true, true, true, true}
	require.True(t, f.Complete())
	f.VerackReceived = false
	require.False(t, f.Complete())
}

func TestValidateAcceptsBSVUserAgent(t *testing.T) {
	v := &wire.MsgVersion{ProtocolVersion: MinProtocolVersion, UserAgent: "/Bitcoin SV:1.0.13/"}
	reason, err := Validate(v, bsvnet.MagicRegtest, regtestConfig())
	require.NoError(t, err)
	require.Nil(t, reason)
}

func TestValidateBansNetworkMismatch(t *testing.T) {
	v := &wire.MsgVersion{ProtocolVersion: MinProtocolVersion, UserAgent: "/Bitcoin SV:1.0.13/"}
	reason, err := Validate(v, bsvnet.MagicTestnet, regtestConfig())
	require.NoError(t, err)
	require.NotNil(t, reason)
	require.Equal(t, peer.NetworkMismatch, reason.Kind)
}

func TestValidateBansBelowProtocolFloor(t *testing.T) {
	v := &wire.MsgVersion{ProtocolVersion: MinProtocolVersion - 1, UserAgent: "/Bitcoin SV:1.0.13/"}
	reason, err := Validate(v, bsvnet.MagicRegtest, regtestConfig())
	require.NoError(t, err)
	require.NotNil(t, reason)
	require.Equal(t, peer.ProtocolTooOld, reason.Kind)
}

func TestValidateBansNonBSVUserAgent(t *testing.T) {
	v := &wire.MsgVersion{ProtocolVersion: MinProtocolVersion, UserAgent: "/Satoshi:25.0.0/"}
	reason, err := Validate(v, bsvnet.MagicRegtest, regtestConfig())
	require.NoError(t, err)
	require.NotNil(t, reason)
	require.Equal(t, peer.ChainMismatch, reason.Kind)
}

func TestIsBSVUserAgentAcceptsKnownBSVSubstrings(t *testing.T) {
	require.True(t, isBSVUserAgent("/Bitcoin SV:1.0.0/"))
	require.True(t, isBSVUserAgent("/BitcoinSV:1.0.0/"))
	require.True(t, isBSVUserAgent("/bsv/1.0/"))
	require.True(t, isBSVUserAgent("/rust-bitcoinsv:0.1.0/"))
}

func TestIsBSVUserAgentRejectsKnownOtherChains(t *testing.T) {
	require.False(t, isBSVUserAgent("/Satoshi:0.21.0/"))
	require.False(t, isBSVUserAgent("/Bitcoin Core:22.0/"))
	require.False(t, isBSVUserAgent("/Bitcoin ABC:0.22.0/"))
	require.False(t, isBSVUserAgent("/btc-client:1.0/"))
}

func TestIsBSVUserAgentPermissiveForUnknown(t *testing.T) {
	require.True(t, isBSVUserAgent("/UnknownClient:1.0/"))
}

func TestValidateAcceptsUnknownUserAgentPermissively(t *testing.T) {
	v := &wire.MsgVersion{ProtocolVersion: MinProtocolVersion, UserAgent: "/UnknownClient:1.0/"}
	reason, err := Validate(v, bsvnet.MagicRegtest, regtestConfig())
	require.NoError(t, err)
	require.Nil(t, reason)
}

func TestValidateBansConfiguredGlob(t *testing.T) {
	cfg := regtestConfig()
	cfg.BannedUserAgents = []string{"*Bitcoin SV:0.*"}
	v := &wire.MsgVersion{ProtocolVersion: MinProtocolVersion, UserAgent: "/Bitcoin SV:0.1.0/"}
	reason, err := Validate(v, bsvnet.MagicRegtest, cfg)
	require.NoError(t, err)
	require.NotNil(t, reason)
	require.Equal(t, peer.BannedUserAgent, reason.Kind)
	require.Equal(t, "*Bitcoin SV:0.*", reason.Pattern)
}

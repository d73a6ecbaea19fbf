// Package handshake tracks the four-flag Bitcoin version/verack handshake
// and validates an inbound Version message against network, user-agent and
// protocol-version policy, per spec §4.3.
package handshake

import (
	"fmt"
	"strings"

	"github.com/bsv-blockchain/p2p-core/bsvnet"
	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/libsv/go-p2p/wire"
)

// MinProtocolVersion is the protocol-version floor below which peers are
// rejected. Pinned per spec §9's Open Question at 70015, the version that
// introduced compact block relay signaling on the wire format the core's
// collaborators speak.
const MinProtocolVersion = 70015

// bsvUserAgentAllow are substrings that, found anywhere in a lowercased
// user agent, identify a Bitcoin SV node outright.
var bsvUserAgentAllow = []string{"bitcoin sv", "bitcoinsv", "bsv/", "/bsv", "rust-bitcoinsv"}

// bsvUserAgentDeny are substrings identifying a node on a different chain.
// Checked only once none of the allow substrings matched.
var bsvUserAgentDeny = []string{"satoshi", "bitcoin core", "btc", "bitcoin abc", "bitcoin cash", "bch"}

// isBSVUserAgent classifies a declared user agent: known BSV substrings
// are accepted outright, known other-chain substrings are rejected, and an
// otherwise unrecognized user agent is accepted permissively rather than
// banned, so an unfamiliar-but-legitimate BSV client isn't locked out.
func isBSVUserAgent(userAgent string) bool {
	ua := strings.ToLower(userAgent)

	for _, s := range bsvUserAgentAllow {
		if strings.Contains(ua, s) {
			return true
		}
	}
	for _, s := range bsvUserAgentDeny {
		if strings.Contains(ua, s) {
			return false
		}
	}
	return true
}

// Flags is the four-boolean handshake vector from spec §4.3. The handshake
// succeeds exactly when all four are true.
type Flags struct {
	VersionSent     bool
	VersionReceived bool
	VerackSent      bool
	VerackReceived  bool
}

// Complete reports whether all four flags are set.
func (f Flags) Complete() bool {
	return f.VersionSent && f.VersionReceived && f.VerackSent && f.VerackReceived
}

// Validate performs the one-time validation of a peer's Version message
// against the configured network and ban policy, per spec §4.3. It returns
// a non-nil *peer.BanReason iff validation failed; a nil BanReason and nil
// error means the peer is acceptable.
func Validate(v *wire.MsgVersion, wireNet wire.BitcoinNet, cfg *bsvnet.Config) (*peer.BanReason, error) {
	expectedMagic, err := cfg.Network.Magic()
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	// wireNet is the magic the peer's own frame header declared, not the
	// configured network: the codec decodes it as-is so the mismatch can
	// be judged and banned here instead of being dropped silently before
	// this Version payload is ever seen.
	if wireNet != expectedMagic {
		return &peer.BanReason{
			Kind:     peer.NetworkMismatch,
			Expected: fmt.Sprintf("0x%08X", uint32(expectedMagic)),
			Got:      fmt.Sprintf("0x%08X", uint32(wireNet)),
		}, nil
	}

	if v.ProtocolVersion < MinProtocolVersion {
		return &peer.BanReason{
			Kind: peer.ProtocolTooOld,
			Got:  fmt.Sprintf("protocol version %d below floor %d", v.ProtocolVersion, MinProtocolVersion),
		}, nil
	}

	if !isBSVUserAgent(v.UserAgent) {
		return &peer.BanReason{
			Kind: peer.ChainMismatch,
			Got:  v.UserAgent,
		}, nil
	}

	if bsvnet.MatchesAny(cfg.BannedUserAgents, v.UserAgent) {
		matched := firstMatch(cfg.BannedUserAgents, v.UserAgent)
		return &peer.BanReason{
			Kind:    peer.BannedUserAgent,
			Pattern: matched,
			Got:     v.UserAgent,
		}, nil
	}

	return nil, nil
}

func firstMatch(patterns []string, s string) string {
	for _, p := range patterns {
		if bsvnet.MatchesAny([]string{p}, s) {
			return p
		}
	}
	return ""
}

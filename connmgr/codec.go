package connmgr

import (
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"

	"github.com/libsv/go-p2p/wire"
)

// DialFunc opens an outbound TCP connection to a peer's endpoint. Supplied
// by the supervisor so tests can substitute an in-memory dialer.
type DialFunc func(ip net.IP, port uint16) (net.Conn, error)

// NetDial is the production DialFunc, grounded on net.Dial the way the
// vendored connmgr's default Config.Dial does.
func NetDial(ip net.IP, port uint16) (net.Conn, error) {
	return net.Dial("tcp", net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
}

// writeMessage frames and sends msg on w, using the network's magic and the
// peer's negotiated protocol version.
func writeMessage(w io.Writer, msg wire.Message, pver uint32, btcnet wire.BitcoinNet) error {
	_, err := wire.WriteMessageN(w, msg, pver, btcnet)
	return err
}

// readMessage reads and decodes a single framed message. Deviation from
// spec §4.3: that section calls for the checksum to be ignored on receive,
// but ReadMessageN is the wire codec's only decode entry point and this repo
// carries no fork of it, so a checksum mismatch here is enforced by the
// codec and surfaces as a decode error rather than being silently accepted.
// The core writes correct checksums and performs no re-verification of its
// own above this call. See DESIGN.md for the full reconciliation.
func readMessage(r io.Reader, pver uint32, btcnet wire.BitcoinNet) (wire.Message, error) {
	_, msg, _, err := wire.ReadMessageN(r, pver, btcnet)
	return msg, err
}

// isNetworkFault classifies an I/O error from an established connection as
// a network-level fault (connection reset, broken pipe, EOF, unexpected I/O
// error) per spec §4.3's Restart policy, as opposed to a protocol-level
// fault such as a checksum/magic mismatch or explicit disconnect, which are
// handled separately by their call sites.
func isNetworkFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

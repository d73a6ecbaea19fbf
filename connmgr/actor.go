package connmgr

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bsv-blockchain/p2p-core/bsvnet"
	"github.com/bsv-blockchain/p2p-core/connconfig"
	"github.com/bsv-blockchain/p2p-core/eventbus"
	"github.com/bsv-blockchain/p2p-core/handshake"
	"github.com/bsv-blockchain/p2p-core/keepalive"
	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/libsv/go-p2p/wire"
)

// protocolVersion is the version this core advertises and uses to decode
// wire messages. It sits one above the handshake floor so a peer speaking
// exactly the floor version is still accepted.
const protocolVersion = uint32(handshake.MinProtocolVersion) + 1

// userAgent is the BIP-14 user agent this core advertises on the wire.
const userAgent = "/p2p-core:0.1.0/"

var (
	errHandshakeTimeout   = errors.New("connmgr: handshake timed out")
	errExplicitDisconnect = errors.New("connmgr: disconnected by command")
	errPingTimeout        = errors.New("connmgr: keepalive ping timed out")
)

type command interface{ isCommand() }

type disconnectCmd struct{}

func (disconnectCmd) isCommand() {}

type updateConfigCmd struct{ cfg *connconfig.Config }

func (updateConfigCmd) isCommand() {}

// frame is one decoded message (or terminal read error) off the wire. magic
// is the network identifier the peer's frame header actually declared,
// which may differ from the configured network — the decode step itself is
// permissive about it so that handshake validation can classify the
// mismatch as a ban rather than a silent drop, per spec §4.3.
type frame struct {
	msg   wire.Message
	magic wire.BitcoinNet
	err   error
}

// Actor is the per-connection task from spec §4.3: it owns exactly one TCP
// stream, drives the connection state machine end to end, and reports its
// entire life as a sequence of eventbus.ControlEvent values. It never
// mutates a PeerRepository directly; the supervisor reacts to its events.
type Actor struct {
	peer      *peer.Peer
	direction Direction

	netCfg  *bsvnet.Config
	connCfg *connconfig.Config

	dial DialFunc
	conn net.Conn
	buf  *bufio.Reader

	controlBus *eventbus.Bus[eventbus.ControlEvent]
	messageBus *eventbus.Bus[eventbus.BitcoinMessageEvent]

	commands chan command
	done     chan struct{}

	stateMu sync.RWMutex
	state   State

	flags                handshake.Flags
	ka                   *keepalive.Keepalive
	restarts             *RestartTracker
	backoff              *Backoff
	sendHeadersPreferred bool

	// pendingRestartErr carries the fault that ended the last Connected
	// session, so the outer outbound loop can report it on
	// ConnectionRestarting after completeHandshakeAndServe returns true.
	pendingRestartErr error
}

// NewOutbound constructs an actor that dials p itself. The returned actor
// starts in Disconnected; call Run to drive it.
func NewOutbound(p *peer.Peer, netCfg *bsvnet.Config, connCfg *connconfig.Config, dial DialFunc,
	controlBus *eventbus.Bus[eventbus.ControlEvent], messageBus *eventbus.Bus[eventbus.BitcoinMessageEvent]) *Actor {

	a := newActor(p, Outbound, netCfg, connCfg, controlBus, messageBus)
	a.dial = dial
	a.state = Disconnected
	return a
}

// NewInbound constructs an actor around an already-accepted socket.
// overCapacity marks it as an over-capacity actor per spec §4.5, which
// completes the handshake but never counts toward active connections.
func NewInbound(p *peer.Peer, conn net.Conn, overCapacity bool, netCfg *bsvnet.Config, connCfg *connconfig.Config,
	controlBus *eventbus.Bus[eventbus.ControlEvent], messageBus *eventbus.Bus[eventbus.BitcoinMessageEvent]) *Actor {

	dir := Inbound
	if overCapacity {
		dir = InboundOverCapacity
	}
	a := newActor(p, dir, netCfg, connCfg, controlBus, messageBus)
	a.conn = conn
	a.state = AwaitingHandshake
	return a
}

func newActor(p *peer.Peer, dir Direction, netCfg *bsvnet.Config, connCfg *connconfig.Config,
	controlBus *eventbus.Bus[eventbus.ControlEvent], messageBus *eventbus.Bus[eventbus.BitcoinMessageEvent]) *Actor {

	a := &Actor{
		peer:       p.Clone(),
		direction:  dir,
		netCfg:     netCfg,
		connCfg:    connCfg,
		controlBus: controlBus,
		messageBus: messageBus,
		commands:   make(chan command, 1),
		done:       make(chan struct{}),
		restarts:   NewRestartTracker(connCfg.MaxRestarts, connCfg.RestartWindow, time.Now()),
		backoff:    NewBackoff(connCfg.InitialBackoff, connCfg.BackoffMultiplier, connCfg.MaxRetries),
	}
	a.ka = keepalive.New(keepalive.Config{
		Interval:  connCfg.PingInterval,
		Timeout:   connCfg.PingTimeout,
		SendPing:  func(nonce uint64) { _ = a.sendPing(nonce) },
		RecordRTT: nil,
	})
	return a
}

// Peer returns a snapshot of the peer this actor is connecting to.
func (a *Actor) Peer() *peer.Peer { return a.peer.Clone() }

// Direction reports whether this actor is outbound, plain inbound, or an
// over-capacity inbound actor.
func (a *Actor) Direction() Direction { return a.direction }

// SetRTTRecorder installs a callback invoked with each observed keepalive
// ping round-trip time. Must be called before Run; the supervisor uses it
// to wire an actor into a metrics collector.
func (a *Actor) SetRTTRecorder(f func(time.Duration)) {
	a.ka.SetRecordRTT(f)
}

// State returns the actor's current state. Safe for concurrent use.
func (a *Actor) State() State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

// Done is closed once the actor's Run has returned.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Disconnect requests a graceful shutdown. Safe to call once; a second call
// on an actor that has already exited is a harmless no-op send into a
// buffered channel nobody reads anymore.
func (a *Actor) Disconnect() {
	select {
	case a.commands <- disconnectCmd{}:
	default:
	}
}

// UpdateConfig pushes a new ConnectionConfig to a live actor, per spec §4.7.
func (a *Actor) UpdateConfig(cfg *connconfig.Config) {
	select {
	case a.commands <- updateConfigCmd{cfg: cfg}:
	default:
	}
}

func (a *Actor) transition(to State) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if !ValidTransition(a.direction, a.state, to) {
		err := &ErrInvalidTransition{Direction: a.direction, From: a.state, To: to}
		log.Errorf("%v", err)
		return err
	}
	log.Debugf("connmgr: %s %s: %s -> %s", a.direction, a.peer.Endpoint(), a.state, to)
	a.state = to
	return nil
}

func (a *Actor) publishControl(evt eventbus.ControlEvent) {
	if a.controlBus != nil {
		a.controlBus.Publish(evt)
	}
}

// Run drives the actor to completion. Callers spawn it as its own
// goroutine: `go actor.Run(ctx)`.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	switch a.direction {
	case Outbound:
		a.runOutbound(ctx)
	default:
		a.runInbound(ctx)
	}
}

func (a *Actor) runOutbound(ctx context.Context) {
	for {
		if a.State() == Disconnected {
			if err := a.transition(Connecting); err != nil {
				return
			}
		}

		conn, err := a.dial(a.peer.IP, a.peer.Port)
		if err != nil {
			log.Warnf("connmgr: dial %s failed: %v", a.peer.Endpoint(), err)
			_ = a.transition(Disconnected)

			delay, exhausted := a.backoff.Next()
			if exhausted {
				a.publishControl(eventbus.ConnectionFailed{Peer: a.peer.Clone(), Reason: err})
				return
			}
			if !a.sleep(ctx, delay) {
				return
			}
			continue
		}
		a.conn = conn
		a.buf = bufio.NewReader(conn)
		frames := a.startReader()
		a.publishControl(eventbus.ConnectionEstablished{Peer: a.peer.Clone()})

		if !a.completeHandshakeAndServe(ctx, true, frames) {
			return
		}

		// completeHandshakeAndServe returning true means a network fault hit
		// an established outbound connection: restart in place.
		if err := a.transition(Connecting); err != nil {
			return
		}
		if a.restarts.RecordRestart(time.Now()) {
			a.publishControl(eventbus.ConnectionFailed{
				Peer:   a.peer.Clone(),
				Reason: fmt.Errorf("connmgr: restart budget exhausted after %d restarts", a.restarts.Count()),
			})
			return
		}
		a.publishControl(eventbus.ConnectionRestarting{Peer: a.peer.Clone(), Reason: a.pendingRestartErr})
	}
}

func (a *Actor) runInbound(ctx context.Context) {
	defer func() {
		if a.conn != nil {
			_ = a.conn.Close()
		}
	}()

	a.buf = bufio.NewReader(a.conn)
	frames := a.startReader()

	banReason, err := a.performHandshake(ctx, false, frames)

	// An over-capacity actor never held a gate reservation (listener.go only
	// sets this direction when TryReserve already failed), so none of its
	// terminal outcomes may route through ConnectionFailed or PeerBanned:
	// handleControlEvent releases the gate for both, and releasing a slot
	// this actor never reserved would let real connections exceed
	// max_connections over time. Every path out of the handshake, whether a
	// timeout, a ban, or a clean handshake that simply arrived over
	// capacity, ends the same way here: rejected, gate untouched.
	if a.direction == InboundOverCapacity {
		_ = a.transition(Rejected)
		_ = a.sendReject("version", wire.RejectObsolete, "connection capacity exceeded")
		a.publishControl(eventbus.InboundRejectedCapacity{
			Peer:   a.peer.Clone(),
			Addr:   a.conn.RemoteAddr(),
			Reason: rejectReason(err, banReason),
		})
		return
	}

	if err != nil {
		_ = a.transition(Failed)
		a.publishControl(eventbus.ConnectionFailed{Peer: a.peer.Clone(), Reason: err})
		return
	}
	if banReason != nil {
		_ = a.transition(Failed)
		a.publishControl(eventbus.PeerBanned{Peer: a.peer.Clone(), IP: a.peer.IP, Reason: banReason})
		return
	}

	if err := a.transition(Connected); err != nil {
		return
	}
	a.backoff.Reset()
	a.publishControl(eventbus.HandshakeComplete{Peer: a.peer.Clone()})
	a.sendPreferences()
	a.publishControl(eventbus.InboundAccepted{Peer: a.peer.Clone(), Addr: a.conn.RemoteAddr()})

	_, _ = a.serveConnected(ctx, frames)
	_ = a.transition(Failed)
}

// rejectReason folds a handshake error and ban reason into the single cause
// an over-capacity rejection reports, favoring the ban since it names the
// peer's own protocol violation rather than a mere timeout.
func rejectReason(err error, banReason *peer.BanReason) error {
	if banReason != nil {
		return errors.New(banReason.String())
	}
	return err
}

// completeHandshakeAndServe runs one full attempt of AwaitingHandshake ->
// Connected -> session-serving for an outbound actor. It returns true iff
// the session ended in a network fault that the caller should restart from,
// and false when the actor has reached a terminal outcome (ban, handshake
// timeout, non-network fault, or explicit disconnect) and Run should
// return.
func (a *Actor) completeHandshakeAndServe(ctx context.Context, outbound bool, frames <-chan frame) bool {
	if err := a.transition(AwaitingHandshake); err != nil {
		_ = a.conn.Close()
		return false
	}

	banReason, err := a.performHandshake(ctx, outbound, frames)
	if err != nil {
		_ = a.conn.Close()
		_ = a.transition(Failed)
		a.publishControl(eventbus.ConnectionFailed{Peer: a.peer.Clone(), Reason: err})
		return false
	}
	if banReason != nil {
		_ = a.conn.Close()
		_ = a.transition(Failed)
		a.publishControl(eventbus.PeerBanned{Peer: a.peer.Clone(), IP: a.peer.IP, Reason: banReason})
		return false
	}

	if err := a.transition(Connected); err != nil {
		_ = a.conn.Close()
		return false
	}
	a.backoff.Reset()
	a.publishControl(eventbus.HandshakeComplete{Peer: a.peer.Clone()})
	a.sendPreferences()

	restart, faultErr := a.serveConnected(ctx, frames)
	_ = a.conn.Close()
	a.pendingRestartErr = faultErr
	return restart
}

// performHandshake drives the four-flag handshake vector to completion, or
// returns a ban reason or an error (handshake_timeout, explicit disconnect,
// or a read/decode failure) on failure.
func (a *Actor) performHandshake(ctx context.Context, outbound bool, frames <-chan frame) (*peer.BanReason, error) {
	timeout := time.NewTimer(a.connCfg.HandshakeTimeout)
	defer timeout.Stop()

	if outbound {
		if err := a.sendVersion(); err != nil {
			return nil, err
		}
		a.flags.VersionSent = true
	}

	for !a.flags.Complete() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, errHandshakeTimeout
		case cmd := <-a.commands:
			if _, ok := cmd.(disconnectCmd); ok {
				return nil, errExplicitDisconnect
			}
		case fr := <-frames:
			if fr.err != nil {
				return nil, fr.err
			}
			switch m := fr.msg.(type) {
			case *wire.MsgVersion:
				if a.flags.VersionReceived {
					continue
				}
				reason, verr := handshake.Validate(m, fr.magic, a.netCfg)
				if verr != nil {
					return nil, verr
				}
				if reason != nil {
					return reason, nil
				}
				a.flags.VersionReceived = true
				if !outbound {
					if err := a.sendVersion(); err != nil {
						return nil, err
					}
					a.flags.VersionSent = true
				}
				if err := a.sendVerAck(); err != nil {
					return nil, err
				}
				a.flags.VerackSent = true
			case *wire.MsgVerAck:
				a.flags.VerackReceived = true
			default:
				// Anything else pre-handshake is ignored.
			}
		}
	}
	return nil, nil
}

// serveConnected runs the Connected-state select loop: commands, keepalive
// ticks, and inbound frames. It returns restart=true iff the session ended
// in a network fault on an outbound connection, signaling the caller to
// restart, along with the fault that ended the session.
func (a *Actor) serveConnected(ctx context.Context, frames <-chan frame) (restart bool, faultErr error) {
	ticker := time.NewTicker(a.connCfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.publishControl(eventbus.ConnectionLost{Peer: a.peer.Clone()})
			return false, ctx.Err()

		case cmd := <-a.commands:
			switch c := cmd.(type) {
			case disconnectCmd:
				a.publishControl(eventbus.ConnectionLost{Peer: a.peer.Clone()})
				return false, errExplicitDisconnect
			case updateConfigCmd:
				a.applyConfig(c.cfg)
			}

		case <-ticker.C:
			if a.ka.TimedOut() {
				if a.direction == Outbound {
					return true, errPingTimeout
				}
				a.publishControl(eventbus.ConnectionLost{Peer: a.peer.Clone()})
				return false, errPingTimeout
			}
			if err := a.ka.Ping(); err != nil {
				log.Warnf("connmgr: %s: failed to send ping: %v", a.peer.Endpoint(), err)
			}

		case fr := <-frames:
			if fr.err != nil {
				if isNetworkFault(fr.err) {
					if a.direction == Outbound {
						return true, fr.err
					}
					a.publishControl(eventbus.ConnectionLost{Peer: a.peer.Clone()})
					return false, fr.err
				}
				a.publishControl(eventbus.ConnectionFailed{Peer: a.peer.Clone(), Reason: fr.err})
				return false, fr.err
			}
			a.handleMessage(fr.msg)
		}
	}
}

func (a *Actor) applyConfig(cfg *connconfig.Config) {
	a.connCfg = cfg
	a.restarts = NewRestartTracker(cfg.MaxRestarts, cfg.RestartWindow, time.Now())
}

func (a *Actor) handleMessage(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MsgPing:
		if err := a.sendPong(m.Nonce); err != nil {
			log.Warnf("connmgr: %s: failed to send pong: %v", a.peer.Endpoint(), err)
		}
	case *wire.MsgPong:
		if !a.ka.OnPong(m.Nonce) {
			log.Warnf("connmgr: %s: unmatched pong nonce %d", a.peer.Endpoint(), m.Nonce)
		}
	case *wire.MsgSendHeaders:
		a.sendHeadersPreferred = true
	case *wire.MsgVersion, *wire.MsgVerAck:
		// A handshaked peer resending these is out of protocol but
		// harmless; ignored rather than treated as a fault.
	default:
		a.messageBus.Publish(eventbus.BitcoinMessageEvent{Peer: a.peer.Clone(), Message: msg})
	}
}

// startReader spawns the single goroutine that owns reading from the socket
// for the remainder of the actor's life, feeding decoded frames (or the
// terminal error) to the returned channel. It peeks each frame's 4-byte
// magic before decoding and passes the peer's actual declared value through
// to the caller (rather than the configured network), so a network-mismatch
// frame decodes successfully and reaches handshake.Validate to be turned
// into a NetworkMismatch ban instead of being silently dropped by the
// codec.
func (a *Actor) startReader() <-chan frame {
	out := make(chan frame, 1)
	go func() {
		for {
			magic, err := a.peekMagic()
			if err != nil {
				out <- frame{err: err}
				return
			}
			msg, err := readMessage(a.buf, protocolVersion, magic)
			out <- frame{msg: msg, magic: magic, err: err}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func (a *Actor) peekMagic() (wire.BitcoinNet, error) {
	header, err := a.buf.Peek(4)
	if err != nil {
		return 0, err
	}
	return wire.BitcoinNet(binary.LittleEndian.Uint32(header)), nil
}

func (a *Actor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case cmd := <-a.commands:
		if _, ok := cmd.(disconnectCmd); ok {
			return false
		}
		return true
	}
}

func (a *Actor) sendPreferences() {
	if err := writeMessage(a.conn, wire.NewMsgSendHeaders(), protocolVersion, a.mustMagic()); err != nil {
		log.Warnf("connmgr: %s: failed to send sendheaders: %v", a.peer.Endpoint(), err)
	}
}

func (a *Actor) sendVersion() error {
	nonce, err := randomUint64()
	if err != nil {
		return err
	}
	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	you := wire.NewNetAddressIPPort(a.peer.IP, a.peer.Port, 0)
	msg := wire.NewMsgVersion(me, you, nonce, 0)
	msg.UserAgent = userAgent
	msg.ProtocolVersion = int32(protocolVersion)
	msg.Services = wire.SFNodeNetwork
	return writeMessage(a.conn, msg, protocolVersion, a.mustMagic())
}

func (a *Actor) sendVerAck() error {
	return writeMessage(a.conn, wire.NewMsgVerAck(), protocolVersion, a.mustMagic())
}

func (a *Actor) sendPing(nonce uint64) error {
	return writeMessage(a.conn, wire.NewMsgPing(nonce), protocolVersion, a.mustMagic())
}

func (a *Actor) sendPong(nonce uint64) error {
	return writeMessage(a.conn, wire.NewMsgPong(nonce), protocolVersion, a.mustMagic())
}

func (a *Actor) sendReject(command string, code wire.RejectCode, reason string) error {
	return writeMessage(a.conn, wire.NewMsgReject(command, code, reason), protocolVersion, a.mustMagic())
}

func (a *Actor) mustMagic() wire.BitcoinNet {
	magic, _ := a.netCfg.Network.Magic()
	return magic
}

func randomUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

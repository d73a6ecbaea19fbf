// Package listener implements the optional InboundListener from spec §4.5:
// it binds a TCP address, accepts sockets, applies ban/duplicate/capacity
// checks, and spawns a ConnectionActor for whatever survives. It is modeled
// on the vendored btcsuite/btcd connmgr.ConnManager's listenHandler, adapted
// from a single fire-and-forget OnAccept callback into the explicit
// admission sequence spec §4.5 requires.
package listener

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/bsv-blockchain/p2p-core/admission"
	"github.com/bsv-blockchain/p2p-core/bsvnet"
	"github.com/bsv-blockchain/p2p-core/connconfig"
	"github.com/bsv-blockchain/p2p-core/connmgr"
	"github.com/bsv-blockchain/p2p-core/eventbus"
	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/bsv-blockchain/p2p-core/peerdb"
)

// ActiveChecker reports whether an active connection already exists to the
// given endpoint. Supplied by the supervisor, which is the only component
// that tracks the live actor set.
type ActiveChecker func(ip net.IP, port uint16) bool

// Spawner takes ownership of a freshly constructed actor: registering it
// and running it (`go actor.Run(ctx)`) is the supervisor's job, not the
// listener's, so the listener never needs to know about actor bookkeeping
// beyond constructing it.
type Spawner func(a *connmgr.Actor)

// Config wires the listener to the shared collaborators it needs to make
// its admission decisions.
type Config struct {
	BindAddr string

	Repo peerdb.Repository
	Gate *admission.Gate

	NetCfg  *bsvnet.Config
	ConnCfg *connconfig.Config

	ControlBus *eventbus.Bus[eventbus.ControlEvent]
	MessageBus *eventbus.Bus[eventbus.BitcoinMessageEvent]

	IsActive ActiveChecker
	Spawn    Spawner
}

// Listener runs the accept loop described in spec §4.5.
type Listener struct {
	cfg Config

	mu sync.Mutex
	ln net.Listener
}

// New constructs a Listener. Call Run to bind and start accepting; a bind
// failure in Run is reported via a ListenerBindFailed control event and Run
// simply returns, per spec §4.5's "bind failures are non-fatal" contract —
// the caller (supervisor) continues in outbound-only mode.
func New(cfg Config) *Listener {
	return &Listener{cfg: cfg}
}

// Run binds and accepts until ctx is canceled. It returns once the accept
// loop has stopped. A bind failure is reported on the control bus and Run
// returns immediately without error, since it is not fatal to the caller.
func (l *Listener) Run(ctx context.Context) {
	ln, err := net.Listen("tcp", l.cfg.BindAddr)
	if err != nil {
		log.Errorf("listener: bind %s failed: %v", l.cfg.BindAddr, err)
		l.publish(eventbus.ListenerBindFailed{Addr: l.cfg.BindAddr, Err: err})
		return
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	log.Infof("listener: listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warnf("listener: accept failed: %v", err)
			continue
		}
		go l.handleAccept(conn)
	}
}

// Addr returns the bound address, or nil if Run has not yet bound
// successfully.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) handleAccept(conn net.Conn) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		log.Warnf("listener: could not parse remote addr %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	ip := net.ParseIP(host)
	port, err := parsePort(portStr)
	if err != nil {
		log.Warnf("listener: could not parse remote port %s: %v", portStr, err)
		_ = conn.Close()
		return
	}

	p, err := l.cfg.Repo.FindByEndpoint(ip, port)
	if err == nil && p.Status == peer.Banned {
		log.Debugf("listener: dropping inbound socket from banned peer %s", p.Endpoint())
		_ = conn.Close()
		return
	}

	if l.cfg.IsActive != nil && l.cfg.IsActive(ip, port) {
		log.Debugf("listener: dropping duplicate inbound socket from %s:%d", ip, port)
		_ = conn.Close()
		return
	}

	if err != nil {
		p = peer.New(ip, port)
		if err := l.cfg.Repo.Create(p); err != nil {
			log.Warnf("listener: could not record inbound peer %s:%d: %v", ip, port, err)
		}
	}

	overCapacity := !l.cfg.Gate.TryReserve()
	a := connmgr.NewInbound(p, conn, overCapacity, l.cfg.NetCfg, l.cfg.ConnCfg, l.cfg.ControlBus, l.cfg.MessageBus)
	l.cfg.Spawn(a)
}

func (l *Listener) publish(evt eventbus.ControlEvent) {
	if l.cfg.ControlBus != nil {
		l.cfg.ControlBus.Publish(evt)
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

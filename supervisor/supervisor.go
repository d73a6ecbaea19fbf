// Package supervisor implements the top-level orchestrator from spec §4.7:
// it optionally runs the inbound listener, seeds and selects outbound peers,
// reconciles the live connection set from the actors' own control-event
// stream, and coordinates dynamic reconfiguration and graceful shutdown. It
// is modeled on peerconn.PeerConnManager's registry-plus-reconnection-
// scheduling shape (mutex-guarded maps keyed by identity, sync.Once-style
// start/stop, a quit context and a WaitGroup), generalized from a single
// named-peer connmgr.ConnManager into an event-driven reconciliation loop
// over many ConnectionActor instances.
package supervisor

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bsv-blockchain/p2p-core/admission"
	"github.com/bsv-blockchain/p2p-core/bsvnet"
	"github.com/bsv-blockchain/p2p-core/connconfig"
	"github.com/bsv-blockchain/p2p-core/connmgr"
	"github.com/bsv-blockchain/p2p-core/dnsseed"
	"github.com/bsv-blockchain/p2p-core/eventbus"
	"github.com/bsv-blockchain/p2p-core/listener"
	"github.com/bsv-blockchain/p2p-core/metrics"
	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/bsv-blockchain/p2p-core/peerdb"
	"github.com/google/uuid"
)

// Mode selects how the supervisor manages the outbound peer set, per
// spec §4.6/§4.7.
type Mode int

const (
	// Normal drives outbound connections toward TargetConnections using
	// the repository and the DNS seeder, substituting a fresh candidate
	// whenever one drops out.
	Normal Mode = iota

	// FixedPeer connects only to the peers passed to Start and never
	// seeks a substitute when one of them exhausts its retries.
	FixedPeer
)

// Config wires the supervisor to its collaborators. NetCfg and ConnCfg must
// already have passed Validate; Repo must already be loaded (and any
// ErrPeerStoreCorrupt handled) by the caller, per spec §4.1 — the supervisor
// never loads or refuses to start a repository on its own.
type Config struct {
	NetCfg  *bsvnet.Config
	ConnCfg *connconfig.Config
	Mode    Mode

	Repo peerdb.Repository

	// Dial overrides the outbound DialFunc. Defaults to connmgr.NetDial.
	Dial connmgr.DialFunc

	// Resolve overrides the DNS seeder's Resolver. Defaults to
	// dnsseed.SystemResolver.
	Resolve dnsseed.Resolver

	// SnapshotPath, if non-empty, is where the repository is written every
	// SnapshotInterval and on Stop.
	SnapshotPath string

	// SnapshotInterval defaults to five minutes.
	SnapshotInterval time.Duration

	// SeedInterval is passed through to the DNS seeder's periodic pass.
	// Defaults to one hour.
	SeedInterval time.Duration

	// Metrics, if non-nil, is fed ban/restart counts and per-actor ping RTT
	// observations. Since the Supervisor builds its own admission.Gate
	// internally, a caller who wants Metrics' active_connections gauge to
	// track it constructs the Supervisor first, points a Collector at
	// Gate(), and passes it in via SetMetrics before calling Start — see
	// cmd/p2pcored for the intended construction order.
	Metrics *metrics.Collector
}

// actorEntry pairs a live actor with the endpoint it owns, so isActiveEndpoint
// doesn't need to call back into the actor for a value that never changes.
type actorEntry struct {
	actor    *connmgr.Actor
	endpoint string
}

// Supervisor is the top-level orchestrator described by spec §4.7.
type Supervisor struct {
	cfg Config

	gate       *admission.Gate
	controlBus *eventbus.Bus[eventbus.ControlEvent]
	messageBus *eventbus.Bus[eventbus.BitcoinMessageEvent]

	seeder *dnsseed.Seeder

	mu             sync.Mutex
	actors         map[uuid.UUID]actorEntry
	listenerAddr   string
	listenerCancel context.CancelFunc

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Supervisor. Call Start to begin operation and Stop to
// shut it down; a Supervisor is not reusable after Stop.
func New(cfg Config) *Supervisor {
	if cfg.Dial == nil {
		cfg.Dial = connmgr.NetDial
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}

	s := &Supervisor{
		cfg:        cfg,
		gate:       admission.New(cfg.NetCfg.MaxConnections),
		controlBus: eventbus.NewBus[eventbus.ControlEvent](eventbus.Capacity),
		messageBus: eventbus.NewBus[eventbus.BitcoinMessageEvent](eventbus.Capacity),
		actors:     make(map[uuid.UUID]actorEntry),
	}

	if cfg.Mode == Normal && len(cfg.NetCfg.DNSSeeds) > 0 {
		s.seeder = dnsseed.New(dnsseed.Config{
			Hostnames:   cfg.NetCfg.DNSSeeds,
			DefaultPort: cfg.NetCfg.DefaultPort,
			Repo:        cfg.Repo,
			Resolve:     cfg.Resolve,
			Interval:    cfg.SeedInterval,
		})
	}

	return s
}

// ControlEvents returns a fresh subscription to the lifecycle event stream.
func (s *Supervisor) ControlEvents() *eventbus.Subscription[eventbus.ControlEvent] {
	return s.controlBus.Subscribe()
}

// BitcoinMessages returns a fresh subscription to the decoded-message
// stream.
func (s *Supervisor) BitcoinMessages() *eventbus.Subscription[eventbus.BitcoinMessageEvent] {
	return s.messageBus.Subscribe()
}

// Gate exposes the admission gate for callers that want to observe
// occupancy (e.g. metrics).
func (s *Supervisor) Gate() *admission.Gate { return s.gate }

// SetMetrics installs the collector every subsequently and previously
// registered actor reports ping RTT to, and that ban/restart events are
// recorded against. Safe to call before or after Start.
func (s *Supervisor) SetMetrics(m *metrics.Collector) {
	s.mu.Lock()
	s.cfg.Metrics = m
	actors := make([]*connmgr.Actor, 0, len(s.actors))
	for _, e := range s.actors {
		actors = append(actors, e.actor)
	}
	s.mu.Unlock()

	for _, a := range actors {
		a.SetRTTRecorder(m.RecordRTT)
	}
}

// Start begins operation: it optionally binds the listener, runs one seeder
// pass in Normal mode, initiates outbound connections (fixedPeers in
// FixedPeer mode, or a repository-driven selection up to TargetConnections
// in Normal mode), and launches the reconciliation and periodic-task loops.
// Start returns once this has been kicked off; the work continues on
// background goroutines until Stop is called.
func (s *Supervisor) Start(fixedPeers []*peer.Peer) {
	s.rootCtx, s.cancel = context.WithCancel(context.Background())

	// Subscribe before any actor exists, so reconcile also sees the events
	// of actors that fail before its goroutine gets to run.
	sub := s.controlBus.Subscribe()

	if s.cfg.NetCfg.Listener.Enabled {
		s.startListener(listenerAddr(s.cfg.NetCfg))
	}

	if s.cfg.Mode == Normal && s.seeder != nil {
		s.seeder.RunOnce()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.seeder.RunPeriodic(s.rootCtx)
		}()
	}

	switch s.cfg.Mode {
	case FixedPeer:
		for _, p := range fixedPeers {
			s.dialOutbound(p)
		}
	default:
		s.fillOutboundToTarget()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconcile(s.rootCtx, sub)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.periodicSnapshot(s.rootCtx)
	}()
}

// Stop performs the graceful shutdown sequence from spec §4.7: stop the
// listener, ask every live actor to disconnect, cancel the root context,
// wait for the actors and background loops to terminate, and snapshot the
// repository one last time.
func (s *Supervisor) Stop() {
	s.stopListener()

	s.mu.Lock()
	actors := make([]*connmgr.Actor, 0, len(s.actors))
	for _, e := range s.actors {
		actors = append(actors, e.actor)
	}
	s.mu.Unlock()

	for _, a := range actors {
		a.Disconnect()
	}
	if s.cancel != nil {
		s.cancel()
	}
	for _, a := range actors {
		<-a.Done()
	}

	s.wg.Wait()
	s.snapshotNow()
}

func listenerAddr(cfg *bsvnet.Config) string {
	return net.JoinHostPort(cfg.Listener.BindIP.String(), strconv.FormatUint(uint64(cfg.Listener.Port), 10))
}

func (s *Supervisor) startListener(addr string) {
	lnCtx, cancel := context.WithCancel(s.rootCtx)
	l := listener.New(listener.Config{
		BindAddr:   addr,
		Repo:       s.cfg.Repo,
		Gate:       s.gate,
		NetCfg:     s.cfg.NetCfg,
		ConnCfg:    s.cfg.ConnCfg,
		ControlBus: s.controlBus,
		MessageBus: s.messageBus,
		IsActive:   s.isActiveEndpoint,
		Spawn:      s.registerAndRun,
	})

	s.mu.Lock()
	s.listenerAddr = addr
	s.listenerCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.Run(lnCtx)
	}()
}

func (s *Supervisor) stopListener() {
	s.mu.Lock()
	cancel := s.listenerCancel
	s.listenerCancel = nil
	s.listenerAddr = ""
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// registerAndRun takes ownership of a freshly constructed actor (from either
// this Supervisor's own outbound dialing or the listener's inbound Spawner):
// it registers the actor in the live set and runs it to completion on its
// own goroutine, deregistering on exit.
func (s *Supervisor) registerAndRun(a *connmgr.Actor) {
	id := a.Peer().ID
	entry := actorEntry{actor: a, endpoint: a.Peer().Endpoint()}

	s.mu.Lock()
	s.actors[id] = entry
	m := s.cfg.Metrics
	s.mu.Unlock()

	if m != nil {
		a.SetRTTRecorder(m.RecordRTT)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		a.Run(s.rootCtx)
		s.mu.Lock()
		delete(s.actors, id)
		s.mu.Unlock()
	}()
}

func (s *Supervisor) isActiveEndpoint(ip net.IP, port uint16) bool {
	key := peer.EndpointKey(ip, port)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.actors {
		if e.endpoint == key {
			return true
		}
	}
	return false
}

func (s *Supervisor) hasActor(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.actors[id]
	return ok
}

func (s *Supervisor) activeOutboundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.actors {
		if e.actor.Direction() == connmgr.Outbound {
			n++
		}
	}
	return n
}

func (s *Supervisor) dialOutbound(p *peer.Peer) {
	if !s.gate.TryReserve() {
		return
	}
	a := connmgr.NewOutbound(p, s.cfg.NetCfg, s.cfg.ConnCfg, s.cfg.Dial, s.controlBus, s.messageBus)
	s.registerAndRun(a)
}

// fillOutboundToTarget selects and dials as many candidates as needed to
// reach TargetConnections, per spec §4.7's selection order: Valid peers
// before Unknown, oldest StatusTimestamp first within each class, ties
// broken by id, skipping any peer that already has a live actor.
func (s *Supervisor) fillOutboundToTarget() {
	need := s.cfg.NetCfg.TargetConnections - s.activeOutboundCount()
	if need <= 0 {
		return
	}
	for _, p := range s.selectOutboundCandidates(need) {
		if s.hasActor(p.ID) {
			continue
		}
		s.dialOutbound(p)
	}
}

func (s *Supervisor) selectOutboundCandidates(n int) []*peer.Peer {
	valid := s.cfg.Repo.FindByStatus(peer.Valid)
	unknown := s.cfg.Repo.FindByStatus(peer.Unknown)
	sortByAge(valid)
	sortByAge(unknown)

	candidates := append(valid, unknown...)
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates
}

func sortByAge(peers []*peer.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].StatusTimestamp.Equal(peers[j].StatusTimestamp) {
			return peers[i].StatusTimestamp.Before(peers[j].StatusTimestamp)
		}
		return peers[i].ID.String() < peers[j].ID.String()
	})
}

// reconcile is the event-driven core of the supervisor: it reacts to every
// control event the live actor set produces, keeping the repository's
// status column and the admission gate's reservation count consistent with
// reality, and topping the outbound set back up in Normal mode whenever a
// connection ends.
func (s *Supervisor) reconcile(ctx context.Context, sub *eventbus.Subscription[eventbus.ControlEvent]) {
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sub.Events():
			s.handleControlEvent(evt)
		}
	}
}

func (s *Supervisor) metricsCollector() *metrics.Collector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Metrics
}

func (s *Supervisor) handleControlEvent(evt eventbus.ControlEvent) {
	m := s.metricsCollector()
	switch e := evt.(type) {
	case eventbus.ConnectionFailed:
		s.gate.Release()
		s.markStatus(e.Peer, peer.Inaccessible, nil)
		s.maybeRefillOutbound()

	case eventbus.ConnectionLost:
		s.gate.Release()
		s.markStatus(e.Peer, peer.Inaccessible, nil)
		s.maybeRefillOutbound()

	case eventbus.ConnectionRestarting:
		// The actor keeps its gate reservation and reconnects in place;
		// no repository or gate change here.
		if m != nil {
			m.RecordRestart()
		}

	case eventbus.HandshakeComplete:
		s.markStatus(e.Peer, peer.Valid, nil)

	case eventbus.PeerBanned:
		s.gate.Release()
		s.markStatus(e.Peer, peer.Banned, e.Reason)
		if m != nil && e.Reason != nil {
			m.RecordBan(e.Reason.Kind)
		}
		s.snapshotNow()
		s.maybeRefillOutbound()
	}
}

func (s *Supervisor) maybeRefillOutbound() {
	if s.cfg.Mode == Normal {
		s.fillOutboundToTarget()
	}
}

func (s *Supervisor) markStatus(p *peer.Peer, status peer.Status, reason *peer.BanReason) {
	current, err := s.cfg.Repo.Read(p.ID)
	if err != nil {
		log.Warnf("supervisor: status update for unknown peer %s: %v", p.ID, err)
		return
	}
	current.SetStatus(status, reason)
	if err := s.cfg.Repo.Update(current); err != nil {
		log.Warnf("supervisor: could not persist status update for %s: %v", p.ID, err)
	}
}

func (s *Supervisor) periodicSnapshot(ctx context.Context) {
	if s.cfg.SnapshotPath == "" {
		return
	}
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.snapshotNow()
		}
	}
}

func (s *Supervisor) snapshotNow() {
	if s.cfg.SnapshotPath == "" {
		return
	}
	if err := s.cfg.Repo.Save(s.cfg.SnapshotPath); err != nil {
		log.Errorf("supervisor: snapshot to %s failed: %v", s.cfg.SnapshotPath, err)
	}
}

// UpdateConfig validates netCfg and connCfg, applies the manager-level
// changes (admission ceiling, listener bind address), and propagates the
// connection-level config to every live actor, per spec §4.7. A listener
// bind-address change stops the old socket and starts a fresh one; a bind
// failure on the new address is reported the same non-fatal way Start
// reports it.
func (s *Supervisor) UpdateConfig(netCfg *bsvnet.Config, connCfg *connconfig.Config) error {
	if err := netCfg.Validate(); err != nil {
		return err
	}
	if err := connCfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	oldAddr := s.listenerAddr
	s.cfg.NetCfg = netCfg
	s.cfg.ConnCfg = connCfg
	actors := make([]*connmgr.Actor, 0, len(s.actors))
	for _, e := range s.actors {
		actors = append(actors, e.actor)
	}
	s.mu.Unlock()

	s.gate.SetMax(netCfg.MaxConnections)

	for _, a := range actors {
		a.UpdateConfig(connCfg)
	}

	newAddr := ""
	if netCfg.Listener.Enabled {
		newAddr = listenerAddr(netCfg)
	}
	if newAddr != oldAddr {
		if oldAddr != "" {
			s.stopListener()
		}
		if newAddr != "" {
			s.startListener(newAddr)
		}
	}

	return nil
}

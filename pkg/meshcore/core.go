// Package meshcore exposes the Mesh Overlay Core's five public operations
// (spec §4.J) and owns the single dispatcher goroutine that the
// concurrency model (spec §5) centers on. It wires together
// pkg/transport, pkg/wire, pkg/registry, pkg/gossip, pkg/holepunch,
// pkg/relay and pkg/path: the dispatcher decodes inbound datagrams and
// mutates registry/relay/holepunch state; outbound protocol traffic is
// composed here and handed to the transport, which is safe to call from
// any goroutine.
//
// Grounded on the teacher's pkg/daemon/daemon.go Daemon struct (ctx +
// cancel + sync.WaitGroup lifecycle, named ticker-per-goroutine loops,
// RPCServer-style pluggable interfaces) and main.go's subcommand dispatch
// for the cmd/meshnode wrapper.
package meshcore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atvirokodosprendimai/meshcore/pkg/bootstrap"
	"github.com/atvirokodosprendimai/meshcore/pkg/gossip"
	"github.com/atvirokodosprendimai/meshcore/pkg/holepunch"
	"github.com/atvirokodosprendimai/meshcore/pkg/identity"
	"github.com/atvirokodosprendimai/meshcore/pkg/path"
	"github.com/atvirokodosprendimai/meshcore/pkg/privacy"
	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
	"github.com/atvirokodosprendimai/meshcore/pkg/relay"
	"github.com/atvirokodosprendimai/meshcore/pkg/transport"
	"github.com/atvirokodosprendimai/meshcore/pkg/wire"
)

const (
	reapInterval          = 30 * time.Second
	connectionIdleTimeout = 10 * time.Minute
	statusInterval        = 30 * time.Second
	bootstrapRaceWindow   = 2 * time.Second
)

// MessageHandler receives application payloads delivered over AppData.
type MessageHandler func(from registry.PeerID, bytes []byte)

// Statistics is the informational snapshot returned by Core.Statistics.
type Statistics struct {
	NatClass       registry.NatClass
	PublicEndpoint registry.Endpoint
	PeerCount      int
	DirectCount    int
	RelayCount     int
	WarmRelayCount int
}

// Core is the mesh overlay's public entry point. One Core per node.
type Core struct {
	cfg Config

	transport *transport.Transport
	reg       *registry.Registry
	gossipEng *gossip.Engine
	keepalive *gossip.Keepalive
	holepunch *holepunch.Coordinator
	relayEng  *relay.Engine
	selector  *path.Selector
	dedup     *dedupCache

	seq uint64

	handlerMu sync.RWMutex
	handler   MessageHandler

	natClass atomic.Value // registry.NatClass
	publicEp atomic.Value // registry.Endpoint

	rttMu     sync.Mutex
	rttSentAt map[registry.MachineID]time.Time
	rttEst    map[registry.MachineID]time.Duration

	punchMu   sync.Mutex
	punchByEp map[string]registry.MachineID // peer endpoint string -> coordinator MID

	relayRegMu        sync.Mutex
	relayRegisteredAt map[registry.MachineID]time.Time
	relayKeepalive    map[registry.MachineID]time.Duration

	networkID [20]byte
	dht       *bootstrap.DHTDiscovery

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Core in the Stopped state; call Start to bind and run.
func New(cfg Config) *Core {
	cfg = cfg.withDefaults()
	reg := registry.New()

	c := &Core{
		cfg:               cfg,
		reg:               reg,
		rttSentAt:         make(map[registry.MachineID]time.Time),
		rttEst:            make(map[registry.MachineID]time.Duration),
		punchByEp:         make(map[string]registry.MachineID),
		relayRegisteredAt: make(map[registry.MachineID]time.Time),
		relayKeepalive:    make(map[registry.MachineID]time.Duration),
	}
	c.natClass.Store(registry.NatUnknown)
	c.publicEp.Store(registry.NoEndpoint)
	c.dedup = newDedupCache()

	id := identity.Anonymous()
	if cfg.NetworkSecret != "" {
		if derived, err := identity.Derive(cfg.NetworkSecret); err == nil {
			id = derived
		} else {
			slog.Warn("meshcore: network secret rejected, falling back to anonymous mesh", "error", err)
		}
	}
	c.networkID = id.NetworkID

	c.gossipEng = gossip.New(reg, cfg.LocalMachineID, c)
	if cfg.EnableStemRelay {
		seed := sha256.Sum256(append(id.NetworkID[:], id.RendezvousID[:]...))
		c.gossipEng.SetPrivacyRouter(privacy.NewRouter(seed))
	}
	c.keepalive = gossip.NewKeepalive(reg, cfg.LocalMachineID, c)
	c.holepunch = holepunch.NewCoordinator(reg, c)
	c.relayEng = relay.New(c, nil)
	c.selector = path.New(reg, c)
	return c
}

// Registry exposes the underlying registry for callers that need deeper
// introspection than Statistics/KnownPeers offer.
func (c *Core) Registry() *registry.Registry { return c.reg }

// Start binds the socket, begins I/O and timers, and attempts bootstrap
// (spec §4.J). Fails with AlreadyStarted or BindFailed.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return newError(ErrAlreadyStarted, nil)
	}

	tr, err := transport.New(transport.Options{
		ListenPort:   c.cfg.ListenPort,
		RateLimitPPS: int(c.cfg.RateLimitPPS),
	})
	if err != nil {
		c.mu.Unlock()
		return newError(ErrBindFailed, err)
	}
	c.transport = tr

	if c.cfg.StateFile != "" {
		if records, err := registry.LoadStateFile(c.cfg.StateFile); err != nil {
			slog.Warn("meshcore: state file not loaded, starting with an empty registry", "path", c.cfg.StateFile, "error", err)
		} else if len(records) > 0 {
			c.reg.LoadSnapshot(records)
			slog.Info("meshcore: restored registry from state file", "path", c.cfg.StateFile, "machines", len(records))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.ctx = runCtx
	c.cancel = cancel
	c.started = true
	c.mu.Unlock()

	c.transport.Start(runCtx)
	c.gossipEng.Start(runCtx)
	c.keepalive.Start(runCtx)

	c.wg.Add(1)
	go c.dispatchLoop()

	c.wg.Add(1)
	go c.reapLoop()

	if len(c.cfg.BootstrapPeers) > 0 {
		c.wg.Add(1)
		go c.bootstrapLoop()
	}

	if c.cfg.EnableDHT {
		d, err := bootstrap.NewDHTDiscovery()
		if err != nil {
			slog.Warn("meshcore: dht discovery disabled", "error", err)
		} else {
			c.dht = d
			c.wg.Add(1)
			go c.dhtLoop()
		}
	}

	slog.Info("meshcore: started", "listen_port", c.transport.LocalAddr().Port, "peer_id", c.cfg.LocalPeerID)
	return nil
}

// Stop cancels the loops, waits for them to exit, closes the socket and
// saves the state file if one is configured. Idempotent (spec §4.J). It
// sends no unregister message to the relays this node registered with;
// their sessions age out on the relay side.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.gossipEng.Stop()
	c.keepalive.Stop()
	c.wg.Wait()
	c.transport.Stop()
	if c.dht != nil {
		c.dht.Close()
	}

	if c.cfg.StateFile != "" {
		if err := registry.SaveStateFile(c.cfg.StateFile, c.reg.Snapshot()); err != nil {
			slog.Warn("meshcore: state file not saved", "path", c.cfg.StateFile, "error", err)
		}
	}

	slog.Info("meshcore: stopped")
}

// SetMessageHandler registers the application-payload callback. Setting
// twice replaces the prior handler (spec §4.J).
func (c *Core) SetMessageHandler(fn MessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = fn
}

// Send resolves peer and routes bytes via the best available path,
// failing with NotStarted, PayloadTooLarge, or Unreachable (spec §4.J).
func (c *Core) Send(peer registry.PeerID, bytes []byte) (path.Outcome, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return path.Unreachable, newError(ErrNotStarted, nil)
	}
	if len(bytes) > wire.MaxPayloadLength {
		return path.Unreachable, newError(ErrPayloadTooLarge, fmt.Errorf("%d bytes", len(bytes)))
	}

	outcome := c.selector.Send(peer, bytes, time.Now())
	if outcome == path.Unreachable {
		return outcome, newError(ErrUnreachable, nil)
	}
	return outcome, nil
}

// Connection reports the current path's endpoint for peer, if any, so the
// application can compose a peer entry of its own pointing at it.
func (c *Core) Connection(peer registry.PeerID) (registry.Endpoint, bool) {
	machine, ok := c.reg.MostRecentNonCold(peer, time.Now())
	if !ok {
		return registry.NoEndpoint, false
	}
	cs := c.reg.Connection(machine)
	if cs.Kind == registry.PathNone || !cs.Endpoint.Valid {
		return registry.NoEndpoint, false
	}
	return cs.Endpoint, true
}

// Statistics returns an informational snapshot (spec §4.J).
func (c *Core) Statistics() Statistics {
	now := time.Now()
	stats := Statistics{
		NatClass:       c.natClass.Load().(registry.NatClass),
		PublicEndpoint: c.publicEp.Load().(registry.Endpoint),
		PeerCount:      c.reg.Count(),
	}
	for _, rec := range c.reg.AllNonCold(now) {
		cs := c.reg.Connection(rec.ID)
		switch cs.Kind {
		case registry.PathDirect, registry.PathHolePunch:
			stats.DirectCount++
		case registry.PathRelay:
			stats.RelayCount++
		}
	}
	stats.WarmRelayCount = c.reg.WarmRelayCount()
	return stats
}

// KnownPeers lists every distinct PeerId the registry currently holds a
// non-cold machine for.
func (c *Core) KnownPeers() []registry.PeerID {
	seen := make(map[registry.PeerID]struct{})
	var out []registry.PeerID
	for _, rec := range c.reg.AllNonCold(time.Now()) {
		if _, ok := seen[rec.Owner]; ok {
			continue
		}
		seen[rec.Owner] = struct{}{}
		out = append(out, rec.Owner)
	}
	return out
}

func (c *Core) nextSeq() uint64 {
	return atomic.AddUint64(&c.seq, 1)
}

// sendTo encodes a protocol message and transmits it to machine's last
// known endpoint, if any is on record. Used by every Sender-interface
// implementation below, which run on the dispatcher and on the gossip,
// keepalive and reap goroutines alike; the Registry they read is guarded
// by its own mutex.
func (c *Core) sendTo(to registry.MachineID, kind wire.Kind, payload []byte) {
	rec, ok := c.reg.GetMachine(to)
	if !ok || !rec.Endpoint.Valid {
		return
	}
	c.sendToEndpoint(rec.Endpoint, kind, payload)
}

func (c *Core) sendToEndpoint(ep registry.Endpoint, kind wire.Kind, payload []byte) {
	msg := &wire.Message{
		Kind:      kind,
		SenderPID: c.cfg.LocalPeerID,
		SenderMID: c.cfg.LocalMachineID,
		Seq:       c.nextSeq(),
		Payload:   payload,
	}
	data, err := wire.Encode(msg)
	if err != nil {
		slog.Warn("meshcore: failed to encode outbound message", "kind", kind, "error", err)
		return
	}
	c.transport.Send(endpointToUDPAddr(ep), data)
}

func endpointToUDPAddr(ep registry.Endpoint) net.UDPAddr {
	return net.UDPAddr{IP: ep.Addr.Addr().AsSlice(), Port: int(ep.Addr.Port())}
}

func udpAddrToEndpoint(addr net.UDPAddr) registry.Endpoint {
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return registry.NoEndpoint
	}
	return registry.NewEndpoint(netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)))
}

// --- gossip.Sender ---

func (c *Core) SendPing(dest registry.MachineID, requestFullList bool) {
	deltas := c.gossipEng.BuildDelta(dest, requestFullList, time.Now())
	payload := mustEncode(pingPayload{
		RequestFullList: requestFullList,
		Deltas:          encodeGossipRecords(deltas),
		CanRelay:        c.localCanRelay(),
		CanCoordinate:   c.localCanCoordinatePunch(),
		Symmetric:       c.localSymmetric(),
	})
	c.recordPingSent(dest, time.Now())
	c.sendTo(dest, wire.KindPing, payload)
}

// --- holepunch.CoordinatorSender ---

func (c *Core) SendExecute(to registry.MachineID, peerEndpoint registry.Endpoint, simultaneous bool) {
	payload := mustEncode(holePunchExecutePayload{
		PeerEndpoint: peerEndpoint.String(),
		Simultaneous: simultaneous,
	})
	c.sendTo(to, wire.KindHolePunchExecute, payload)
}

func (c *Core) SendResult(to registry.MachineID, success bool, reason holepunch.ResultReason) {
	payload := mustEncode(holePunchResultPayload{Success: success, Reason: string(reason)})
	c.sendTo(to, wire.KindHolePunchResult, payload)
}

// --- relay.ForwardSender ---

func (c *Core) SendForward(to registry.MachineID, from registry.MachineID, innerBytes []byte) {
	payload := mustEncode(relayForwardPayload{From: string(from), Inner: innerBytes})
	c.sendTo(to, wire.KindRelayForward, payload)
}

func (c *Core) SendForwardResult(to registry.MachineID, ok bool, reason string) {
	payload := mustEncode(relayForwardResultPayload{OK: ok, Reason: reason})
	c.sendTo(to, wire.KindRelayForwardResult, payload)
}

// --- path.Sender ---

func (c *Core) SendDirect(ep registry.Endpoint, bytes []byte) {
	c.sendToEndpoint(ep, wire.KindAppData, bytes)
}

func (c *Core) SendHolePunchRequest(coordinator, target registry.MachineID) {
	localEp := c.publicEp.Load().(registry.Endpoint)
	payload := mustEncode(holePunchRequestPayload{
		Target:            string(target),
		InitiatorEndpoint: localEp.String(),
	})
	c.sendTo(coordinator, wire.KindHolePunchRequest, payload)
}

func (c *Core) SendRelay(relayID, dst registry.MachineID, bytes []byte) {
	payload := mustEncode(relayForwardPayload{Dst: string(dst), Inner: bytes})
	c.sendTo(relayID, wire.KindRelayForward, payload)
}

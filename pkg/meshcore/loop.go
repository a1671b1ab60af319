package meshcore

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/meshcore/pkg/bootstrap"
	"github.com/atvirokodosprendimai/meshcore/pkg/holepunch"
	"github.com/atvirokodosprendimai/meshcore/pkg/path"
	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
	"github.com/atvirokodosprendimai/meshcore/pkg/relay"
	"github.com/atvirokodosprendimai/meshcore/pkg/transport"
	"github.com/atvirokodosprendimai/meshcore/pkg/wire"
)

// dedupWindow bounds how long a (sender_mid, seq_num) pair is remembered
// for retransmit suppression (spec §4.B).
const dedupWindow = 5 * time.Second

// dedupCache suppresses duplicate deliveries of the same (sender_mid,
// seq_num) pair within dedupWindow. Grounded on the teacher's
// pkg/discovery/dht.go contactedPeers map[string]time.Time idiom, here
// keyed per-sender rather than per-contact.
type dedupCache struct {
	mu      sync.Mutex
	entries map[registry.MachineID]map[uint64]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{entries: make(map[registry.MachineID]map[uint64]time.Time)}
}

// check reports whether (mid, seq) was already seen within dedupWindow,
// and records it if not.
func (d *dedupCache) check(mid registry.MachineID, seq uint64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen, ok := d.entries[mid]
	if !ok {
		seen = make(map[uint64]time.Time)
		d.entries[mid] = seen
	}
	for s, at := range seen {
		if now.Sub(at) > dedupWindow {
			delete(seen, s)
		}
	}
	if _, dup := seen[seq]; dup {
		return true
	}
	seen[seq] = now
	return false
}

// purge drops every sender's entries that have aged out, and any sender
// left with none. Called periodically so idle senders don't leak memory.
func (d *dedupCache) purge(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for mid, seen := range d.entries {
		for s, at := range seen {
			if now.Sub(at) > dedupWindow {
				delete(seen, s)
			}
		}
		if len(seen) == 0 {
			delete(d.entries, mid)
		}
	}
}

// dispatchLoop is the single goroutine that handles every inbound packet
// (spec §5). It is not the only writer of shared state: gossip's and
// keepalive's tickers (BuildDelta records MarkSent), reapLoop and Send
// also update the Registry, which guards itself with its own mutex.
func (c *Core) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case pkt, ok := <-c.transport.Packets():
			if !ok {
				return
			}
			c.handlePacket(pkt)
		}
	}
}

func (c *Core) handlePacket(pkt transport.Packet) {
	msg, err := wire.Decode(pkt.Data)
	if err != nil {
		slog.Debug("meshcore: dropping undecodable packet", "source", pkt.Source, "error", err)
		return
	}
	if msg.SenderMID == c.cfg.LocalMachineID {
		return
	}

	now := time.Now()
	if c.dedup.check(msg.SenderMID, msg.Seq, now) {
		return
	}

	observedEp := udpAddrToEndpoint(pkt.Source)
	rec, known := c.reg.GetMachine(msg.SenderMID)
	nat := registry.NatUnknown
	if known {
		nat = rec.NatClass
	}
	c.reg.UpsertObservation(msg.SenderMID, msg.SenderPID, observedEp, nat, true, now)
	c.keepalive.RecordActivity(msg.SenderMID, now)
	c.relayEng.Touch(msg.SenderMID, now)

	switch msg.Kind {
	case wire.KindPing:
		c.handlePing(msg, observedEp, now)
	case wire.KindPong:
		c.handlePong(msg, observedEp, now)
	case wire.KindHolePunchRequest:
		c.handleHolePunchRequest(msg, observedEp, now)
	case wire.KindHolePunchExecute:
		c.handleHolePunchExecute(msg, now)
	case wire.KindHolePunchResult:
		c.handleHolePunchResult(msg, now)
	case wire.KindRelayRegister:
		c.handleRelayRegister(msg, observedEp, now)
	case wire.KindRelayRegisterAck:
		c.handleRelayRegisterAck(msg, now)
	case wire.KindRelayForward:
		c.handleRelayForward(msg, now)
	case wire.KindRelayForwardResult:
		c.handleRelayForwardResult(msg)
	case wire.KindEndpointQuery:
		c.handleEndpointQuery(observedEp)
	case wire.KindEndpointResponse:
		c.handleEndpointResponse(msg, now)
	case wire.KindAppData:
		c.deliverAppData(msg.SenderMID, msg.Payload)
	}
}

func (c *Core) handlePing(msg *wire.Message, observedEp registry.Endpoint, now time.Time) {
	var p pingPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	c.gossipEng.ApplyDelta(msg.SenderMID, decodeGossipRecords(p.Deltas), now)
	c.reg.SetCapabilities(msg.SenderMID, p.CanRelay, p.CanCoordinate, p.Symmetric)
	c.maybeCompletePunch(msg.SenderMID, observedEp, now)

	deltas := c.gossipEng.BuildDelta(msg.SenderMID, p.RequestFullList, now)
	pong := pongPayload{
		YourEndpoint:  observedEp.String(),
		Deltas:        encodeGossipRecords(deltas),
		CanRelay:      c.localCanRelay(),
		CanCoordinate: c.localCanCoordinatePunch(),
		Symmetric:     c.localSymmetric(),
	}
	c.sendToEndpoint(observedEp, wire.KindPong, mustEncode(pong))
}

func (c *Core) handlePong(msg *wire.Message, observedEp registry.Endpoint, now time.Time) {
	var p pongPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	c.gossipEng.ApplyDelta(msg.SenderMID, decodeGossipRecords(p.Deltas), now)
	c.reg.SetCapabilities(msg.SenderMID, p.CanRelay, p.CanCoordinate, p.Symmetric)
	c.maybeCompletePunch(msg.SenderMID, observedEp, now)
	c.recordRTT(msg.SenderMID, now)

	if p.YourEndpoint == "" {
		return
	}
	addr, err := netip.ParseAddrPort(p.YourEndpoint)
	if err != nil {
		return
	}
	c.reg.Classifier().Observe(msg.SenderMID, addr, now)
	c.publicEp.Store(registry.NewEndpoint(addr))
	c.reclassify(now)
}

func (c *Core) handleHolePunchRequest(msg *wire.Message, observedEp registry.Endpoint, now time.Time) {
	var p holePunchRequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	if c.cfg.CanCoordinatePunch != nil && !*c.cfg.CanCoordinatePunch {
		c.sendTo(msg.SenderMID, wire.KindHolePunchResult,
			mustEncode(holePunchResultPayload{Success: false, Reason: string(holepunch.ReasonCoordinatorLost)}))
		return
	}
	c.holepunch.HandleRequest(msg.SenderMID, registry.MachineID(p.Target), observedEp, now)
}

func (c *Core) handleHolePunchExecute(msg *wire.Message, now time.Time) {
	var p holePunchExecutePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	addr, err := netip.ParseAddrPort(p.PeerEndpoint)
	if err != nil {
		return
	}
	peerEp := registry.NewEndpoint(addr)
	coordinator := msg.SenderMID

	c.punchMu.Lock()
	c.punchByEp[peerEp.String()] = coordinator
	c.punchMu.Unlock()

	go holepunch.RunPunchBurst(func(ep registry.Endpoint) {
		c.sendToEndpoint(ep, wire.KindPing, mustEncode(c.basePingPayload(false)))
	}, peerEp)
}

// maybeCompletePunch promotes machine to a Direct connection and reports
// success to the coordinator once a Ping or Pong is observed arriving
// from an endpoint this node is currently punching toward (spec §4.G:
// "the first Ping or Pong that lands promotes the connection").
func (c *Core) maybeCompletePunch(machine registry.MachineID, observedEp registry.Endpoint, now time.Time) {
	key := observedEp.String()
	c.punchMu.Lock()
	coordinator, ok := c.punchByEp[key]
	if ok {
		delete(c.punchByEp, key)
	}
	c.punchMu.Unlock()
	if !ok {
		return
	}

	c.selector.OnDirectPromoted(machine, observedEp, now)
	c.sendTo(coordinator, wire.KindHolePunchResult,
		mustEncode(holePunchResultPayload{Other: string(machine), Success: true}))
}

func (c *Core) handleHolePunchResult(msg *wire.Message, now time.Time) {
	var p holePunchResultPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	if p.Other != "" {
		// An Initiator or Target reporting its burst outcome back to us
		// acting as Coordinator. A no-op if we aren't (HandleResult only
		// matches an existing job).
		c.holepunch.HandleResult(msg.SenderMID, registry.MachineID(p.Other), now)
		return
	}
	// The Coordinator reporting a failure to us as Initiator, before any
	// Execute was ever sent. The queued payload, if any, expires via
	// DrainExpiredHolePunchPayloads; nothing else to clean up here.
	slog.Debug("meshcore: hole punch request failed", "coordinator", msg.SenderMID, "reason", p.Reason)
}

func (c *Core) handleRelayRegister(msg *wire.Message, observedEp registry.Endpoint, now time.Time) {
	var p relayRegisterPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	if !relay.CanRelay(c.natClass.Load().(registry.NatClass), c.relayDisabled()) {
		return
	}
	slot, keepalive := c.relayEng.Register(msg.SenderMID, registry.NatClass(p.NatClass), observedEp, now)
	ack := relayRegisterAckPayload{Slot: slot, KeepaliveSeconds: keepalive.Seconds()}
	c.sendTo(msg.SenderMID, wire.KindRelayRegisterAck, mustEncode(ack))
}

// basePingPayload builds an unsolicited Ping body (no deltas — those only
// ride on a gossip.Sender.SendPing call, which already knows the
// destination to build a delta against) that still carries this node's
// self-advertised capability bits.
func (c *Core) basePingPayload(requestFullList bool) pingPayload {
	return pingPayload{
		RequestFullList: requestFullList,
		CanRelay:        c.localCanRelay(),
		CanCoordinate:   c.localCanCoordinatePunch(),
		Symmetric:       c.localSymmetric(),
	}
}

func (c *Core) relayDisabled() bool {
	if c.cfg.CanRelay != nil {
		return !*c.cfg.CanRelay
	}
	return false
}

// localCanRelay is the can_relay bit this node advertises about itself
// in Ping/Pong (spec §3): true iff classified Public and not disabled.
func (c *Core) localCanRelay() bool {
	return relay.CanRelay(c.natClass.Load().(registry.NatClass), c.relayDisabled())
}

// localCanCoordinatePunch is the can_coordinate_punch bit this node
// advertises about itself: true iff first-hand contacts are available
// to offer as coordinators, unless the operator overrides it.
func (c *Core) localCanCoordinatePunch() bool {
	if c.cfg.CanCoordinatePunch != nil {
		return *c.cfg.CanCoordinatePunch
	}
	return c.anyFirstHandContact(time.Now())
}

// localSymmetric is the PerPeerEndpoint::Symmetric bit this node
// advertises about itself (spec §4.G): true iff the local classifier
// currently reports PerPeerEndpoint, since passive observation can't tell
// restricted-cone from symmetric NAT behavior apart any more finely than
// that, unless the operator declares it explicitly.
func (c *Core) localSymmetric() bool {
	if c.cfg.Symmetric != nil {
		return *c.cfg.Symmetric
	}
	return c.natClass.Load().(registry.NatClass) == registry.NatPerPeerEndpoint
}

func (c *Core) handleRelayRegisterAck(msg *wire.Message, now time.Time) {
	var p relayRegisterAckPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	c.relayRegMu.Lock()
	c.relayRegisteredAt[msg.SenderMID] = now
	c.relayKeepalive[msg.SenderMID] = time.Duration(p.KeepaliveSeconds * float64(time.Second))
	c.relayRegMu.Unlock()
}

func (c *Core) handleRelayForward(msg *wire.Message, now time.Time) {
	var p relayForwardPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	if p.Dst != "" {
		// msg.SenderMID is a registered client asking us, the relay, to
		// forward to p.Dst.
		c.relayEng.Forward(msg.SenderMID, registry.MachineID(p.Dst), p.Inner, now)
		return
	}
	if p.From != "" {
		// msg.SenderMID is the relay delivering bytes that originated at
		// p.From; we are the final recipient.
		c.deliverAppData(registry.MachineID(p.From), p.Inner)
	}
}

func (c *Core) handleRelayForwardResult(msg *wire.Message) {
	var p relayForwardResultPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	if !p.OK {
		slog.Debug("meshcore: relay forward rejected", "relay", msg.SenderMID, "reason", p.Reason)
	}
}

func (c *Core) handleEndpointQuery(observedEp registry.Endpoint) {
	c.sendToEndpoint(observedEp, wire.KindEndpointResponse,
		mustEncode(endpointResponsePayload{YourEndpoint: observedEp.String()}))
}

func (c *Core) handleEndpointResponse(msg *wire.Message, now time.Time) {
	var p endpointResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	addr, err := netip.ParseAddrPort(p.YourEndpoint)
	if err != nil {
		return
	}
	c.reg.Classifier().Observe(msg.SenderMID, addr, now)
	c.publicEp.Store(registry.NewEndpoint(addr))
	c.reclassify(now)
}

func (c *Core) deliverAppData(from registry.MachineID, bytes []byte) {
	owner := registry.PeerID(from)
	if rec, ok := c.reg.GetMachine(from); ok && rec.Owner != "" {
		owner = rec.Owner
	}
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		h(owner, bytes)
	}
}

func (c *Core) recordPingSent(dest registry.MachineID, now time.Time) {
	c.rttMu.Lock()
	c.rttSentAt[dest] = now
	c.rttMu.Unlock()
}

func (c *Core) recordRTT(from registry.MachineID, now time.Time) {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	sentAt, ok := c.rttSentAt[from]
	if !ok {
		return
	}
	c.rttEst[from] = now.Sub(sentAt)
}

func (c *Core) rttLatency(mid registry.MachineID) (time.Duration, bool) {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	d, ok := c.rttEst[mid]
	return d, ok
}

// reclassify re-evaluates local NAT classification against the current
// set of observers (spec §4.D/§4.I). On a change it updates the Path
// Selector's local class, switches keepalive to its aggressive interval
// and invalidates every Direct path. It does not promote warm relays or
// send a gossip burst; warm relays are reconciled by the next reapTick.
func (c *Core) reclassify(now time.Time) {
	newClass := c.reg.Classifier().Classify(localInterfaceAddrs(), now)
	old := c.natClass.Load().(registry.NatClass)
	if newClass == old {
		return
	}
	c.natClass.Store(newClass)
	c.selector.SetLocalNatClass(newClass)
	c.keepalive.NetworkChanged(now)
	c.selector.InvalidateDirectPaths(now)
	slog.Info("meshcore: nat classification changed", "from", old, "to", newClass)
}

func localInterfaceAddrs() []netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipNet.IP); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out
}

// reapLoop runs the periodic maintenance sweep (spec §4.C Lifecycles,
// §4.G Reap, §4.H CleanupStale, §4.I roaming recovery/warm-relay
// reconciliation), grounded on the teacher's pkg/daemon/daemon.go
// reconcileLoop/staleCleanupLoop ticker shape.
func (c *Core) reapLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.reapTick(time.Now())
		}
	}
}

func (c *Core) reapTick(now time.Time) {
	c.reg.CleanupCold(now)
	c.reg.PruneIdleConnections(connectionIdleTimeout, now)
	c.selector.DrainExpiredHolePunchPayloads(now)
	c.holepunch.Reap(now)
	c.relayEng.CleanupStale(now)
	c.dedup.purge(now)
	c.reclassify(now)
	c.reconcileRelays(now)
}

func (c *Core) reconcileRelays(now time.Time) {
	var candidates []path.RelayCandidate
	for _, rec := range c.reg.AllNonCold(now) {
		if rec.ID == c.cfg.LocalMachineID {
			continue
		}
		if !relay.CanRelay(rec.NatClass, !rec.CanRelay) {
			continue
		}
		latency, ok := c.rttLatency(rec.ID)
		if !ok {
			continue
		}
		candidates = append(candidates, path.RelayCandidate{ID: rec.ID, Latency: latency})
	}
	c.selector.ReconcileWarmRelays(candidates, now)

	for _, w := range c.reg.WarmRelays() {
		c.maybeRegisterWithRelay(w.RelayID, now)
	}
}

func (c *Core) maybeRegisterWithRelay(relayID registry.MachineID, now time.Time) {
	c.relayRegMu.Lock()
	lastReg, registered := c.relayRegisteredAt[relayID]
	keepalive := c.relayKeepalive[relayID]
	c.relayRegMu.Unlock()

	if registered && keepalive > 0 && now.Sub(lastReg) < keepalive {
		return
	}

	ep := c.publicEp.Load().(registry.Endpoint)
	payload := relayRegisterPayload{
		NatClass: int(c.natClass.Load().(registry.NatClass)),
		Endpoint: ep.String(),
	}
	c.sendTo(relayID, wire.KindRelayRegister, mustEncode(payload))
}

// dhtLoop supplements BootstrapPeers with BitTorrent Mainline DHT
// rendezvous: it periodically announces this node's transport port under
// the mesh's derived NetworkID and queries the same infohash for other
// announcers, probing every newly discovered endpoint (spec §6, §2.2).
func (c *Core) dhtLoop() {
	defer c.wg.Done()

	c.dht.Announce(c.ctx, c.networkID, c.transport.LocalAddr().Port)

	announceTicker := time.NewTicker(bootstrap.AnnounceInterval)
	defer announceTicker.Stop()
	queryTicker := time.NewTicker(bootstrap.QueryInterval)
	defer queryTicker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-announceTicker.C:
			c.dht.Announce(c.ctx, c.networkID, c.transport.LocalAddr().Port)
		case <-queryTicker.C:
			found, err := c.dht.Query(c.ctx, c.networkID)
			if err != nil {
				slog.Debug("meshcore: dht query failed", "error", err)
				continue
			}
			for _, addr := range found {
				c.ProbeEndpoint(registry.NewEndpoint(addr))
			}
		}
	}
}

// bootstrapLoop contacts the configured bootstrap peers, racing for the
// first responder within bootstrapRaceWindow, and backs off exponentially
// (capped at 60s) until at least one first-hand contact is established
// (spec §6 Bootstrap). Once satisfied, ongoing discovery carries on via
// gossip and keepalive.
func (c *Core) bootstrapLoop() {
	defer c.wg.Done()
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		for _, raw := range c.cfg.BootstrapPeers {
			mid, ep, ok := bootstrap.ParsePeer(raw)
			if !ok {
				slog.Warn("meshcore: invalid bootstrap peer", "value", raw)
				continue
			}
			c.reg.UpsertObservation(mid, "", ep, registry.NatUnknown, false, time.Now())
			c.sendToEndpoint(ep, wire.KindPing, mustEncode(c.basePingPayload(true)))
			c.sendToEndpoint(ep, wire.KindEndpointQuery, mustEncode(struct{}{}))
		}

		select {
		case <-time.After(bootstrapRaceWindow):
		case <-c.ctx.Done():
			return
		}

		if c.anyFirstHandContact(time.Now()) {
			return
		}

		select {
		case <-time.After(backoff):
		case <-c.ctx.Done():
			return
		}
		backoff *= 2
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
	}
}

func (c *Core) anyFirstHandContact(now time.Time) bool {
	for _, rec := range c.reg.AllNonCold(now) {
		if rec.ID != c.cfg.LocalMachineID && rec.IsFirstHandFresh(now) {
			return true
		}
	}
	return false
}

// ProbeEndpoint sends an unsolicited full-list Ping and EndpointQuery to
// ep, for contacting a peer whose MachineID isn't yet confirmed — a DHT-
// discovered address, for instance. The normal dispatch path learns the
// peer's MachineID from whatever reply arrives (spec §6 DHT supplement).
func (c *Core) ProbeEndpoint(ep registry.Endpoint) {
	c.sendToEndpoint(ep, wire.KindPing, mustEncode(c.basePingPayload(true)))
	c.sendToEndpoint(ep, wire.KindEndpointQuery, mustEncode(struct{}{}))
}

// Package path implements the mesh's Path Selector (spec §4.I): for each
// outbound send, pick a MachineId for the peer and route it Direct,
// via a hole punch, or via a WarmRelay, reporting a per-send outcome.
//
// New sequencing logic — the teacher always prefers a direct WireGuard
// peer entry and has no multi-path fallback — grounded on the teacher's
// pkg/daemon/daemon.go health-driven reconciliation loop for the
// "periodically re-evaluate and converge" shape applied here to roaming
// recovery, and on pkg/discovery/stun.go's classification-change
// detection for when to trigger it.
package path

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

var tracer = otel.Tracer("meshcore.path")
var meter = otel.Meter("meshcore.path")

var metricOutcomes metric.Int64Counter

func init() {
	var err error
	metricOutcomes, err = meter.Int64Counter("meshcore.path.outcomes",
		metric.WithDescription("Send outcomes by kind"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

// DirectFreshWindow is how long a Direct connection stays trusted without
// re-attempting discovery after its last success (spec §4.I step 2).
const DirectFreshWindow = 30 * time.Second

// HolePunchBufferWindow bounds how long a payload waits for a hole punch
// to resolve before it is dropped (spec §4.I step 4).
const HolePunchBufferWindow = 10 * time.Second

// SendBudget is the overall deadline for resolving any path for a
// destination before reporting Unreachable (spec §4.I step 6).
const SendBudget = 15 * time.Second

// MinWarmRelays and MaxWarmRelays bound the warm-relay pool size
// (spec §4.I).
const (
	MinWarmRelays = 2
	MaxWarmRelays = 3
)

// WarmLatencyDiversity is the minimum latency gap the selector looks for
// between two warm relays to call them path-diverse (spec §4.I).
const WarmLatencyDiversity = 30 * time.Millisecond

// Outcome is the per-send result the selector reports to its caller
// (spec §4.I). It never implies a delivery guarantee over UDP — see
// spec §4.I "Failure semantics".
type Outcome int

const (
	Delivered Outcome = iota
	BufferedForHolePunch
	Relayed
	Unreachable
	DroppedRateLimited
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "Delivered"
	case BufferedForHolePunch:
		return "Buffered-for-HolePunch"
	case Relayed:
		return "Relayed"
	case Unreachable:
		return "Unreachable"
	case DroppedRateLimited:
		return "Dropped-Rate-Limited"
	default:
		return "Unknown"
	}
}

// Sender is the narrow interface the Path Selector needs from whatever
// owns the wire — pkg/meshcore's dispatcher.
type Sender interface {
	SendDirect(ep registry.Endpoint, bytes []byte)
	SendHolePunchRequest(coordinator, target registry.MachineID)
	SendRelay(relay, dst registry.MachineID, bytes []byte)
}

type pendingPayload struct {
	bytes    []byte
	queuedAt time.Time
}

// Selector resolves outbound sends to a concrete path over a Registry.
type Selector struct {
	reg    *registry.Registry
	sender Sender

	mu            sync.Mutex
	localNatClass registry.NatClass
	pending       map[registry.MachineID][]pendingPayload
	relayRR       int
}

// New creates a Selector.
func New(reg *registry.Registry, sender Sender) *Selector {
	return &Selector{
		reg:     reg,
		sender:  sender,
		pending: make(map[registry.MachineID][]pendingPayload),
	}
}

// SetLocalNatClass updates the local node's own classification, which
// gates whether hole-punching is attempted at all (spec §4.I step 4).
func (s *Selector) SetLocalNatClass(nat registry.NatClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localNatClass = nat
}

// Send resolves peer to a candidate machine and routes bytes via the
// best currently-available path (spec §4.I). It never blocks on network
// I/O — a BufferedForHolePunch outcome means the payload is queued for
// delivery once OnDirectPromoted flushes it, bounded by HolePunchBufferWindow.
func (s *Selector) Send(peer registry.PeerID, bytes []byte, now time.Time) Outcome {
	_, span := tracer.Start(context.Background(), "path.send")
	defer span.End()

	machine, ok := s.reg.MostRecentNonCold(peer, now)
	if !ok {
		return s.record(Unreachable)
	}
	return s.record(s.sendToMachine(machine, bytes, now))
}

func (s *Selector) record(o Outcome) Outcome {
	metricOutcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", o.String())))
	return o
}

func (s *Selector) sendToMachine(machine registry.MachineID, bytes []byte, now time.Time) Outcome {
	cs := s.reg.Connection(machine)

	if cs.Kind == registry.PathDirect && !cs.LastSuccess.IsZero() && now.Sub(cs.LastSuccess) <= DirectFreshWindow {
		s.sender.SendDirect(cs.Endpoint, bytes)
		cs.LastSuccess = now
		s.reg.SetConnection(cs)
		return Delivered
	}

	rec, known := s.reg.GetMachine(machine)
	if known && rec.Endpoint.Valid && rec.NatClass.Shareable() {
		s.sender.SendDirect(rec.Endpoint, bytes)
		s.reg.SetConnection(registry.ConnectionState{
			Target: machine, Kind: registry.PathDirect,
			Endpoint: rec.Endpoint, LastSuccess: now,
		})
		return Delivered
	}

	if known && s.canHolePunch(rec.Symmetric) {
		if coordinator, found := s.reg.FirstHandContactFor(machine, now); found {
			if !cs.PendingHolePunch {
				cs.Target = machine
				cs.PendingHolePunch = true
				s.reg.SetConnection(cs)
				s.sender.SendHolePunchRequest(coordinator, machine)
			}
			s.queuePayload(machine, bytes, now)
			return BufferedForHolePunch
		}
	}

	if cs.Kind == registry.PathRelay && cs.RelayID != "" {
		s.sender.SendRelay(cs.RelayID, machine, bytes)
		return Relayed
	}
	if outcome := s.PromoteOnSymmetricCollision(machine, now); outcome == Relayed {
		s.sender.SendRelay(s.reg.Connection(machine).RelayID, machine, bytes)
		return Relayed
	}

	return Unreachable
}

// canHolePunch implements spec §4.I step 4's "not symmetric-PerPeer AND
// local is not symmetric-PerPeer" gate. targetSymmetric is the target
// record's own PerPeerEndpoint::Symmetric bit (spec §4.G) rather than its
// coarse NatClass — a NatClass of PerPeerEndpoint alone covers both the
// punchable restricted-cone case and the never-punchable symmetric case,
// so gating on NatClass directly would reject the very targets hole
// punching exists to serve. The local side has no such distinction
// available locally beyond what the classifier already folded into
// localNatClass, so any local PerPeerEndpoint classification is treated
// as symmetric (the classifier can't prove otherwise about itself).
func (s *Selector) canHolePunch(targetSymmetric bool) bool {
	s.mu.Lock()
	local := s.localNatClass
	s.mu.Unlock()
	return !targetSymmetric && local != registry.NatPerPeerEndpoint
}

// anyWarmRelay picks a warm relay from the pool, round-robining across
// the current set so forwarding load is spread across registrants rather
// than pinned to a single favorite (Open Question 3, spec §9 "SHOULD
// favor even distribution of relay load").
func (s *Selector) anyWarmRelay() (registry.MachineID, bool) {
	warm := s.reg.WarmRelays()
	if len(warm) == 0 {
		return "", false
	}
	s.mu.Lock()
	idx := s.relayRR % len(warm)
	s.relayRR++
	s.mu.Unlock()
	return warm[idx].RelayID, true
}

func (s *Selector) queuePayload(machine registry.MachineID, bytes []byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[machine] = append(s.pending[machine], pendingPayload{bytes: bytes, queuedAt: now})
}

// OnDirectPromoted is called once a hole punch (or any other mechanism)
// establishes a Direct path to machine, flushing any payloads queued
// while the punch was in flight.
func (s *Selector) OnDirectPromoted(machine registry.MachineID, ep registry.Endpoint, now time.Time) {
	s.reg.SetConnection(registry.ConnectionState{
		Target: machine, Kind: registry.PathDirect,
		Endpoint: ep, LastSuccess: now,
	})

	s.mu.Lock()
	queued := s.pending[machine]
	delete(s.pending, machine)
	s.mu.Unlock()

	for _, p := range queued {
		s.sender.SendDirect(ep, p.bytes)
	}
}

// DrainExpiredHolePunchPayloads drops queued payloads older than
// HolePunchBufferWindow, reporting overall send failure for destinations
// whose punch never resolved (spec §4.I step 4/6). Callers invoke this
// periodically.
func (s *Selector) DrainExpiredHolePunchPayloads(now time.Time) []registry.MachineID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []registry.MachineID
	for machine, payloads := range s.pending {
		var kept []pendingPayload
		for _, p := range payloads {
			if now.Sub(p.queuedAt) <= HolePunchBufferWindow {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(s.pending, machine)
			expired = append(expired, machine)
			if cs := s.reg.Connection(machine); cs.PendingHolePunch {
				cs.PendingHolePunch = false
				s.reg.SetConnection(cs)
			}
		} else {
			s.pending[machine] = kept
		}
	}
	return expired
}

// InvalidateDirectPaths implements roaming recovery step (i): invalidate
// all Direct connection states (spec §4.I).
func (s *Selector) InvalidateDirectPaths(now time.Time) []registry.MachineID {
	return s.reg.InvalidateDirect(now)
}

// RelayCandidate is a relay-capable machine and its observed round-trip
// latency, as learned from keepalive Pongs.
type RelayCandidate struct {
	ID      registry.MachineID
	Latency time.Duration
}

// SelectWarmRelays applies the warm-relay maintenance policy (spec §4.I):
// keep min_warm=2 up to max_warm=3, preferring low round-trip time and
// path diversity — a candidate beyond the first is only added once its
// latency differs from every already-chosen candidate by at least
// WarmLatencyDiversity, unless MinWarmRelays hasn't been reached yet.
func SelectWarmRelays(candidates []RelayCandidate) []RelayCandidate {
	sorted := append([]RelayCandidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Latency < sorted[j].Latency })

	var chosen []RelayCandidate
	for _, c := range sorted {
		if len(chosen) >= MaxWarmRelays {
			break
		}
		if len(chosen) < MinWarmRelays {
			chosen = append(chosen, c)
			continue
		}
		diverse := true
		for _, picked := range chosen {
			if diff := c.Latency - picked.Latency; diff > -WarmLatencyDiversity && diff < WarmLatencyDiversity {
				diverse = false
				break
			}
		}
		if diverse {
			chosen = append(chosen, c)
		}
	}
	return chosen
}

// ReconcileWarmRelays applies SelectWarmRelays' decision to the Registry's
// warm-relay set, adding newly chosen relays and dropping ones that fell
// out of favor.
func (s *Selector) ReconcileWarmRelays(candidates []RelayCandidate, now time.Time) {
	chosen := SelectWarmRelays(candidates)

	keep := make(map[registry.MachineID]struct{}, len(chosen))
	for _, c := range chosen {
		keep[c.ID] = struct{}{}
		s.reg.SetWarmRelay(registry.WarmRelay{
			RelayID: c.ID, RegisteredAt: now, LastAck: now, LatencyEstimate: c.Latency,
		})
	}
	for _, w := range s.reg.WarmRelays() {
		if _, ok := keep[w.RelayID]; !ok {
			s.reg.RemoveWarmRelay(w.RelayID)
		}
	}
}

// PromoteOnSymmetricCollision promotes a warm relay to the active path
// for machine on the first symmetric-to-symmetric send (spec §4.I:
// "On the first symmetric-to-symmetric send, promote one warm relay to
// active").
func (s *Selector) PromoteOnSymmetricCollision(machine registry.MachineID, now time.Time) Outcome {
	relayID, found := s.anyWarmRelay()
	if !found {
		return Unreachable
	}
	s.reg.SetConnection(registry.ConnectionState{
		Target: machine, Kind: registry.PathRelay, RelayID: relayID, LastSuccess: now,
	})
	return Relayed
}

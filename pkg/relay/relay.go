// Package relay implements the mesh's Relay Engine (spec §4.H): a node
// advertises can_relay when it is classified Public and relaying isn't
// operator-disabled; remote peers register a session, and registered
// peers can ask the relay to forward opaque application bytes to another
// registered peer.
//
// Grounded on the teacher's pkg/discovery/dht.go contactedPeers
// map[string]time.Time dedup-by-timestamp idiom for the Relay Session
// Table's aging. Registrations have no limiter of their own; they are
// rate-limited only by pkg/transport's per-source ingress limit.
package relay

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

var meter = otel.Meter("meshcore.relay")

var metricSessions metric.Int64UpDownCounter
var metricForwards metric.Int64Counter

func init() {
	var err error
	metricSessions, err = meter.Int64UpDownCounter("meshcore.relay.sessions",
		metric.WithDescription("Active relay sessions"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
	metricForwards, err = meter.Int64Counter("meshcore.relay.forwards",
		metric.WithDescription("RelayForward datagrams processed, by outcome"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

// DefaultKeepaliveInterval is assigned to every session on registration
// (spec §4.H); there is no per-session or operator override.
const DefaultKeepaliveInterval = 25 * time.Second

// Session is one registered peer's relay slot.
type Session struct {
	Peer         registry.MachineID
	NatClass     registry.NatClass
	Slot         int
	Keepalive    time.Duration
	RegisteredAt time.Time
	LastSeen     time.Time
	LastEndpoint registry.Endpoint
}

func (s Session) aged(now time.Time) bool {
	return now.Sub(s.LastSeen) > 2*s.Keepalive
}

// Mirror persists sessions to an external store so a multi-process relay
// fleet can share registrations (spec §2.2's optional Redis mirroring).
// Lookups are in-memory-first: Engine only consults the Mirror on a local
// miss.
type Mirror interface {
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context, peer registry.MachineID) (Session, bool, error)
	Delete(ctx context.Context, peer registry.MachineID) error
}

// ForwardSender is the narrow interface the relay needs to actually
// transmit RelayForward/RelayForwardResult datagrams. Implemented by
// pkg/meshcore's dispatcher.
type ForwardSender interface {
	SendForward(to registry.MachineID, from registry.MachineID, innerBytes []byte)
	SendForwardResult(to registry.MachineID, ok bool, reason string)
}

// Engine is the relay-side session table and forwarder.
type Engine struct {
	sender ForwardSender
	mirror Mirror

	mu       sync.Mutex
	sessions map[registry.MachineID]*Session
	nextSlot int
}

// New creates a relay Engine. mirror may be nil to run purely in-memory.
func New(sender ForwardSender, mirror Mirror) *Engine {
	return &Engine{
		sender:   sender,
		mirror:   mirror,
		sessions: make(map[registry.MachineID]*Session),
	}
}

// Register admits peer into the Relay Session Table (spec §4.H
// RelayRegister), returning the assigned slot and keepalive interval for
// the caller to answer with RelayRegisterAck.
func (e *Engine) Register(peer registry.MachineID, natClass registry.NatClass, endpoint registry.Endpoint, now time.Time) (slot int, keepalive time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.sessions[peer]; ok {
		existing.NatClass = natClass
		existing.LastEndpoint = endpoint
		existing.LastSeen = now
		e.mirrorSave(*existing)
		return existing.Slot, existing.Keepalive
	}

	e.nextSlot++
	s := &Session{
		Peer:         peer,
		NatClass:     natClass,
		Slot:         e.nextSlot,
		Keepalive:    DefaultKeepaliveInterval,
		RegisteredAt: now,
		LastSeen:     now,
		LastEndpoint: endpoint,
	}
	e.sessions[peer] = s
	metricSessions.Add(context.Background(), 1)
	e.mirrorSave(*s)
	return s.Slot, s.Keepalive
}

func (e *Engine) mirrorSave(s Session) {
	if e.mirror == nil {
		return
	}
	_ = e.mirror.Save(context.Background(), s)
}

// Touch refreshes a registered peer's LastSeen, keeping its session warm
// (called on any traffic from that peer, including keepalive Pings).
func (e *Engine) Touch(peer registry.MachineID, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[peer]; ok {
		s.LastSeen = now
		e.mirrorSave(*s)
	}
}

// lookup finds a session for peer, consulting the Mirror on a local miss
// (spec §2.2: in-memory-first two-tier lookup).
func (e *Engine) lookup(peer registry.MachineID, now time.Time) (Session, bool) {
	e.mu.Lock()
	s, ok := e.sessions[peer]
	e.mu.Unlock()
	if ok {
		if s.aged(now) {
			return Session{}, false
		}
		return *s, true
	}

	if e.mirror == nil {
		return Session{}, false
	}
	mirrored, found, err := e.mirror.Load(context.Background(), peer)
	if err != nil || !found || mirrored.aged(now) {
		return Session{}, false
	}
	return mirrored, true
}

// Forward handles a RelayForward{dst_mid, inner_bytes} from a registered
// peer src (spec §4.H). The relay never decodes inner_bytes — it only
// looks up the destination's session and re-wraps (security policy,
// spec §4.H).
func (e *Engine) Forward(src, dst registry.MachineID, innerBytes []byte, now time.Time) {
	if _, ok := e.lookup(src, now); !ok {
		e.sender.SendForwardResult(src, false, "not-registered")
		metricForwards.Add(context.Background(), 1)
		return
	}

	if _, ok := e.lookup(dst, now); !ok {
		e.sender.SendForwardResult(src, false, "destination-not-warm")
		metricForwards.Add(context.Background(), 1)
		return
	}

	e.sender.SendForward(dst, src, innerBytes)
	e.sender.SendForwardResult(src, true, "")
	metricForwards.Add(context.Background(), 1)
}

// CleanupStale ages out sessions untouched for 2x their keepalive
// interval (spec §4.H), returning the removed peer IDs.
func (e *Engine) CleanupStale(now time.Time) []registry.MachineID {
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []registry.MachineID
	for peer, s := range e.sessions {
		if s.aged(now) {
			delete(e.sessions, peer)
			metricSessions.Add(context.Background(), -1)
			removed = append(removed, peer)
			if e.mirror != nil {
				_ = e.mirror.Delete(context.Background(), peer)
			}
		}
	}
	return removed
}

// SessionCount returns the number of locally held sessions (not counting
// sessions known only via the Mirror), mainly for diagnostics.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// CanRelay reports whether this node should advertise can_relay in its
// gossip (spec §4.H): it must be classified Public and the operator must
// not have disabled relaying.
func CanRelay(nat registry.NatClass, operatorDisabled bool) bool {
	return nat == registry.NatPublic && !operatorDisabled
}

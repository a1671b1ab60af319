package registry

import (
	"net/netip"
	"time"

	"github.com/atvirokodosprendimai/meshcore/pkg/wire"
)

// Re-exported so callers of pkg/registry don't also need to import pkg/wire
// just to name an identity.
type PeerID = wire.PeerID
type MachineID = wire.MachineID

// Endpoint is an externally observed (IP, UDP-port) pair. The zero value is
// the absent case — a first-class variant rather than a sentinel string,
// per spec §9's "optional endpoint fields → tagged unions" guidance.
type Endpoint struct {
	Addr  netip.AddrPort
	Valid bool
}

// NoEndpoint is the explicit absent Endpoint.
var NoEndpoint = Endpoint{}

// NewEndpoint wraps an address/port pair as a present Endpoint.
func NewEndpoint(addr netip.AddrPort) Endpoint {
	return Endpoint{Addr: addr, Valid: true}
}

func (e Endpoint) String() string {
	if !e.Valid {
		return "<none>"
	}
	return e.Addr.String()
}

// Equal compares two endpoints by value; two absent endpoints are equal.
func (e Endpoint) Equal(o Endpoint) bool {
	if e.Valid != o.Valid {
		return false
	}
	if !e.Valid {
		return true
	}
	return e.Addr == o.Addr
}

// NatClass is the observed/inferred behavior of the NAT between a machine
// and the public Internet (spec §3).
type NatClass int

const (
	NatUnknown NatClass = iota
	NatPublic
	NatSharedEndpoint
	NatPerPeerEndpoint
)

func (c NatClass) String() string {
	switch c {
	case NatPublic:
		return "Public"
	case NatSharedEndpoint:
		return "SharedEndpoint"
	case NatPerPeerEndpoint:
		return "PerPeerEndpoint"
	default:
		return "Unknown"
	}
}

// Shareable reports whether a machine record of this NAT class may have its
// endpoint included in gossip to a third peer (spec invariant 2). Unknown
// is conservatively treated as non-shareable (Open Question 2).
func (c NatClass) Shareable() bool {
	return c == NatPublic || c == NatSharedEndpoint
}

// FirstHandWindow is how long after direct contact a machine record is
// still considered first-hand (spec invariant 1).
const FirstHandWindow = 120 * time.Second

// ColdTimeout is how long with no evidence from any source before a
// machine record is eligible for eviction (spec §3 Lifecycles).
const ColdTimeout = 24 * time.Hour

// ContactFreshnessWindow bounds how long a KnownContact entry remains
// valid before it is purged lazily on query (spec invariant 4).
const ContactFreshnessWindow = 10 * time.Minute

// MachineRecord is what the registry knows about one MachineID.
type MachineRecord struct {
	ID            MachineID
	Owner         PeerID
	Endpoint      Endpoint
	NatClass      NatClass
	LastSeen      time.Time
	IsFirstHand   bool
	CanRelay      bool
	CanCoordinate bool

	// Symmetric distinguishes the PerPeerEndpoint::Symmetric subtype (spec
	// §4.G) from the rest of NatClass=PerPeerEndpoint, which NatClass alone
	// can't express: a restricted-cone target is still punchable, a
	// symmetric one never is. Self-declared or classifier-inferred (spec.md
	// line 121), gossiped the same way as CanRelay/CanCoordinate. False
	// (punchable) until the owning machine says otherwise.
	Symmetric bool

	// lastEndpointSentBy tracks, per destination MachineID, the Endpoint of
	// this record that we last sent to that destination in gossip (set by
	// MarkSent, compared by ChangedSince) — used for gossip delta change
	// detection (spec §4.E).
	lastEndpointSentBy map[MachineID]Endpoint

	// lastNatClassSentBy mirrors the above for NAT-class change detection,
	// which the gossip delta rule also keys on (spec §4.E).
	lastNatClassSentBy map[MachineID]NatClass
}

// IsCold reports whether this record has had no evidence within ColdTimeout.
func (m *MachineRecord) IsCold(now time.Time) bool {
	return now.Sub(m.LastSeen) > ColdTimeout
}

// IsFirstHandFresh reports whether the first-hand bit is still valid per
// invariant 1 (a first-hand record outside the freshness window is stale
// and must be treated as second-hand by callers).
func (m *MachineRecord) IsFirstHandFresh(now time.Time) bool {
	return m.IsFirstHand && now.Sub(m.LastSeen) <= FirstHandWindow
}

// contactEntry is one (contact MachineID Y, last-heard, first-hand-from-Y)
// tuple in a KnownContact multimap (spec §3 KnownContact).
type contactEntry struct {
	Contact   MachineID
	LastHeard time.Time
	FirstHand bool
}

// ConnPathKind identifies the kind of path a ConnectionState currently uses.
type ConnPathKind int

const (
	PathNone ConnPathKind = iota
	PathDirect
	PathHolePunch
	PathRelay
)

// ConnectionState is the per-destination path bookkeeping of spec §3.
type ConnectionState struct {
	Target MachineID
	Kind   ConnPathKind

	// Valid when Kind == PathDirect or PathHolePunch.
	Endpoint Endpoint
	// Valid when Kind == PathHolePunch: the coordinator that mediated it.
	Coordinator MachineID
	// Valid when Kind == PathRelay: the relay's MachineID.
	RelayID MachineID

	LastSuccess         time.Time
	ConsecutiveFailures int

	// PendingHolePunch is set while a HolePunchRequest for this target is
	// outstanding, enforcing single-flight (invariant 5).
	PendingHolePunch bool
}

// WarmRelay is a relay connection kept alive even when idle, for instant
// roaming failover (spec §3/§4.I).
type WarmRelay struct {
	RelayID         MachineID
	RegisteredAt    time.Time
	LastAck         time.Time
	LatencyEstimate time.Duration
}

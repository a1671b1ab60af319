package meshcore

import (
	"time"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

// Config is the process-lifetime configuration enumerated in spec §6. All
// fields are optional; zero values fall back to the documented defaults.
type Config struct {
	// LocalPeerID and LocalMachineID are externally chosen identities (spec
	// §3) — key management is out of this package's scope.
	LocalPeerID    registry.PeerID
	LocalMachineID registry.MachineID

	BootstrapPeers []string
	ListenPort     int

	// NetworkSecret scopes this node to a private mesh by deriving a DHT
	// namespace (pkg/identity) from it. Empty means an anonymous mesh
	// shared by every node with no secret configured.
	NetworkSecret string
	// EnableDHT supplements BootstrapPeers with BitTorrent Mainline DHT
	// rendezvous (spec §6, §2.2). Off by default since it dials public
	// Internet bootstrap nodes.
	EnableDHT bool
	// EnableStemRelay routes proactive gossip through a Dandelion++-style
	// stem phase (pkg/privacy) before falling back to a random fluff
	// target, so a passive observer of one node's traffic has a harder
	// time linking it to the record's true origin. Off by default: it
	// delays proactive freshness propagation by design.
	EnableStemRelay bool

	// CanRelay, nil by default, meaning "true iff classified Public" (spec
	// §6). An explicit false disables relaying; an explicit true behaves
	// like nil, since relaying still requires a Public classification.
	CanRelay *bool
	// CanCoordinatePunch mirrors CanRelay's tri-state: nil means "true iff
	// first-hand contacts are available".
	CanCoordinatePunch *bool
	// Symmetric mirrors CanRelay's tri-state for the PerPeerEndpoint::
	// Symmetric bit (spec §4.G): nil means "true iff the local NAT
	// classifier currently reports PerPeerEndpoint" — the classifier can't
	// distinguish restricted-cone from symmetric behavior on its own, so
	// this is the conservative default; an operator who knows otherwise
	// (e.g. from platform NAT-type detection) can override it.
	Symmetric *bool

	// StateFile, if set, persists the Registry to this path across
	// restarts (§3.1): loaded once on Start, saved once on Stop. Not part
	// of the wire protocol — purely a local restart optimization so a
	// restarted node doesn't start from a cold registry.
	StateFile string

	// MinWarmRelays through SendDeadline are filled with defaults by
	// withDefaults but are not read by Core: the packages use their own
	// constants (path.MinWarmRelays/MaxWarmRelays, the gossip keepalive
	// intervals, the hole-punch timeout and the path send budget), so
	// setting these fields has no effect. RateLimitPPS is applied.
	MinWarmRelays     uint8
	MaxWarmRelays     uint8
	KeepaliveInterval time.Duration
	WarmKeepalive     time.Duration
	PunchTimeout      time.Duration
	SendDeadline      time.Duration
	RateLimitPPS      uint32
}

func (c Config) withDefaults() Config {
	if c.MinWarmRelays == 0 {
		c.MinWarmRelays = 2
	}
	if c.MaxWarmRelays == 0 {
		c.MaxWarmRelays = 3
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 25 * time.Second
	}
	if c.WarmKeepalive == 0 {
		c.WarmKeepalive = 30 * time.Second
	}
	if c.PunchTimeout == 0 {
		c.PunchTimeout = 10 * time.Second
	}
	if c.SendDeadline == 0 {
		c.SendDeadline = 15 * time.Second
	}
	if c.RateLimitPPS == 0 {
		c.RateLimitPPS = 200
	}
	return c
}

package registry

import (
	"net/netip"
	"sync"
	"time"
)

// ObserverWindow is how long a single peer's endpoint observation remains
// eligible for NAT classification (spec §4.D: "≥2 distinct observers
// within 10 minutes"). Generalizes the teacher's stun.go, which only ever
// compares exactly two fixed STUN servers queried back-to-back.
const ObserverWindow = 10 * time.Minute

type observation struct {
	endpoint   netip.AddrPort
	observedAt time.Time
}

// Classifier infers this node's own NatClass from the your_endpoint field
// peers report back in Pong/EndpointResponse messages (spec §4.D). Unlike
// the teacher's two-STUN-server probe, any peer that answers a Ping
// contributes an observation, so the count of distinct observers grows
// with the live peer set rather than a fixed pair of bootstrap servers.
type Classifier struct {
	mu           sync.Mutex
	observations map[MachineID]observation
}

// NewClassifier returns an empty Classifier.
func NewClassifier() *Classifier {
	return &Classifier{observations: make(map[MachineID]observation)}
}

// Observe records that observer reported seeing this node at endpoint.
func (c *Classifier) Observe(observer MachineID, endpoint netip.AddrPort, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations[observer] = observation{endpoint: endpoint, observedAt: now}
}

// Forget drops any observation recorded by observer, e.g. on eviction.
func (c *Classifier) Forget(observer MachineID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observations, observer)
}

func (c *Classifier) prune(now time.Time) {
	for id, obs := range c.observations {
		if now.Sub(obs.observedAt) > ObserverWindow {
			delete(c.observations, id)
		}
	}
}

// isLocal reports whether ep's address matches one of the node's own
// interface addresses (meaning the NAT, if any, isn't translating the
// address at all — e.g. a public host or one on a bridged network).
func isLocal(ep netip.AddrPort, localAddrs []netip.Addr) bool {
	for _, a := range localAddrs {
		if a == ep.Addr() {
			return true
		}
	}
	return false
}

// Classify returns this node's inferred NatClass given its own interface
// addresses (spec §4.D):
//
//   - fewer than two fresh observers: NatUnknown
//   - all observers agree on one endpoint matching a local address: NatPublic
//   - all observers agree on one endpoint not matching a local address: NatSharedEndpoint
//   - observers disagree (distinct endpoints seen by different peers): NatPerPeerEndpoint
func (c *Classifier) Classify(localAddrs []netip.Addr, now time.Time) NatClass {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(now)
	if len(c.observations) < 2 {
		return NatUnknown
	}

	distinct := make(map[netip.AddrPort]struct{})
	for _, obs := range c.observations {
		distinct[obs.endpoint] = struct{}{}
	}

	if len(distinct) >= 2 {
		return NatPerPeerEndpoint
	}

	for ep := range distinct {
		if isLocal(ep, localAddrs) {
			return NatPublic
		}
		return NatSharedEndpoint
	}
	return NatUnknown
}

// ObserverCount returns the number of fresh observers currently recorded,
// mainly for tests and diagnostics.
func (c *Classifier) ObserverCount(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	return len(c.observations)
}

// Package gossip implements the mesh's Gossip Engine (spec §4.E) and
// Connection Keepalive (spec §4.F): delta selection piggybacked on every
// Ping/Pong, a proactive freshness ticker, and the active-peer keepalive
// scheduler.
//
// Grounded on the teacher's pkg/discovery/gossip.go (gossipLoop's ticker
// and exchangeWithRandomPeer's random-peer selection) for the proactive
// timer shape, and pkg/daemon/daemon.go's one-ticker-per-goroutine
// pattern for the keepalive scheduler.
package gossip

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/atvirokodosprendimai/meshcore/pkg/privacy"
	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

var tracer = otel.Tracer("meshcore.gossip")

// FullListAge is how long since the last exchange with a peer before a
// Pong must carry the full shareable list instead of just a delta
// (spec §4.E).
const FullListAge = 10 * time.Minute

// FanOutCap bounds how many MachineRecords ride on a single Ping/Pong
// (spec §4.E). Excess is deferred by recency (freshest LastSeen first).
const FanOutCap = 32

// ProactiveInterval is how often the engine pings a random
// Public/SharedEndpoint machine to spread freshness (spec §4.E).
const ProactiveInterval = 60 * time.Second

// Sender is the narrow interface the gossip engine needs from whatever
// owns the wire — pkg/meshcore's dispatcher — to actually emit Pings. It
// lets this package stay ignorant of the wire codec and path selection.
type Sender interface {
	SendPing(dest registry.MachineID, requestFullList bool)
}

// Engine builds and applies gossip deltas against a Registry.
type Engine struct {
	reg    *registry.Registry
	local  registry.MachineID
	sender Sender

	mu          sync.Mutex
	lastContact map[registry.MachineID]time.Time

	privacyRouter *privacy.Router
	stemHop       int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a gossip Engine. local is excluded from every delta/full
// list the engine builds (a node never gossips about itself).
func New(reg *registry.Registry, local registry.MachineID, sender Sender) *Engine {
	return &Engine{
		reg:         reg,
		local:       local,
		sender:      sender,
		lastContact: make(map[registry.MachineID]time.Time),
		stopCh:      make(chan struct{}),
	}
}

// SetPrivacyRouter enables Dandelion++-style stem/fluff target selection
// for the proactive-gossip ticker (pkg/privacy). Nil (the default)
// always fluffs: every proactive tick picks a uniformly random eligible
// peer, as if no router were wired at all.
func (e *Engine) SetPrivacyRouter(r *privacy.Router) {
	e.privacyRouter = r
}

// Start launches the proactive-gossip ticker (spec §4.E, "every 60s").
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.proactiveLoop(ctx)
}

// Stop halts the proactive-gossip ticker and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) proactiveLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(ProactiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.proactiveTick(time.Now())
		}
	}
}

func (e *Engine) proactiveTick(now time.Time) {
	candidates := e.reg.Shareable(now)
	var eligible []registry.MachineID
	for _, rec := range candidates {
		if rec.ID != e.local {
			eligible = append(eligible, rec.ID)
		}
	}
	if len(eligible) == 0 {
		return
	}

	target, stemming := e.pickStemTarget(eligible, now)
	if !stemming {
		target = eligible[rand.Intn(len(eligible))]
		e.stemHop = 0
	}
	e.sender.SendPing(target, false)
}

// pickStemTarget consults the privacy router, if any, for a deterministic
// stem-phase relay target among eligible. ok is false when no router is
// wired, the epoch has no relay pool yet, or ShouldFluff says this hop
// should fall back to the ordinary random fluff target.
func (e *Engine) pickStemTarget(eligible []registry.MachineID, now time.Time) (registry.MachineID, bool) {
	if e.privacyRouter == nil {
		return "", false
	}
	if e.privacyRouter.NeedsRotation(now) {
		pool := make([]string, len(eligible))
		for i, id := range eligible {
			pool[i] = string(id)
		}
		e.privacyRouter.RotateEpoch(pool)
	}
	if privacy.ShouldFluff(e.stemHop) {
		return "", false
	}
	relay, ok := e.privacyRouter.NextHop(e.stemHop)
	if !ok {
		return "", false
	}
	e.stemHop++
	return registry.MachineID(relay), true
}

// BuildDelta computes the MachineEndpointInfo list to attach to a
// Ping/Pong destined for dest (spec §4.E). requestFullList forces the
// full-shareable-list branch regardless of last-contact recency. Marks
// dest as freshly contacted and records every included record as "sent
// to dest" for future delta comparisons.
func (e *Engine) BuildDelta(dest registry.MachineID, requestFullList bool, now time.Time) []registry.MachineEndpointInfo {
	_, span := tracer.Start(context.Background(), "gossip.build_delta")
	defer span.End()

	full := requestFullList || e.staleContact(dest, now)

	var filtered []registry.MachineRecord
	for _, rec := range e.reg.AllNonCold(now) {
		if rec.ID == dest || rec.ID == e.local {
			continue
		}
		if full || e.reg.ChangedSince(dest, rec.ID) {
			filtered = append(filtered, rec)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].LastSeen.After(filtered[j].LastSeen)
	})
	if len(filtered) > FanOutCap {
		filtered = filtered[:FanOutCap]
	}

	out := make([]registry.MachineEndpointInfo, 0, len(filtered))
	for _, rec := range filtered {
		ep := rec.Endpoint
		if !rec.NatClass.Shareable() {
			// PerPeerEndpoint records: MachineId is announced, endpoint
			// withheld, per invariant 2.
			ep = registry.NoEndpoint
		}
		out = append(out, registry.MachineEndpointInfo{
			ID:            rec.ID,
			Owner:         rec.Owner,
			Endpoint:      ep,
			NatClass:      rec.NatClass,
			CanRelay:      rec.CanRelay,
			CanCoordinate: rec.CanCoordinate,
			Symmetric:     rec.Symmetric,
		})
		e.reg.MarkSent(dest, rec.ID)
	}

	e.mu.Lock()
	e.lastContact[dest] = now
	e.mu.Unlock()

	return out
}

func (e *Engine) staleContact(dest registry.MachineID, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastContact[dest]
	if !ok {
		return true
	}
	return now.Sub(last) > FullListAge
}

// ApplyDelta folds records gossiped by fromMID into the Registry (spec
// §4.C record_gossip, invoked for every record in an incoming Ping/Pong's
// delta list). IsFirstHand is always false here: gossip never promotes a
// record to first-hand (only a direct Ping/Pong exchange with that
// machine itself does, via Registry.UpsertObservation).
func (e *Engine) ApplyDelta(fromMID registry.MachineID, records []registry.MachineEndpointInfo, now time.Time) {
	for _, rec := range records {
		if rec.ID == e.local {
			continue
		}
		info := rec
		info.IsFirstHand = false
		e.reg.RecordGossip(fromMID, info, now)
	}
}

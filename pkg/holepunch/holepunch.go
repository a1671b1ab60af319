// Package holepunch implements the mesh's three-party Hole-Punch
// Coordinator (spec §4.G): Initiator (I), Target (T), Coordinator (C).
//
// Grounded directly on the teacher's pkg/discovery/exchange.go rendezvous
// protocol: pairIDForPeers' order-independent pairing (here pairKey),
// handleRendezvousOffer's two-sided collapse into one synchronized START
// (here: a single job keyed by the unordered pair, idempotent against a
// duplicate request from either side), and beginPunchJob/endPunchJob's
// cooldown-gated single-flight map.
package holepunch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

var tracer = otel.Tracer("meshcore.holepunch")

// PunchTimeout bounds how long a Coordinator job waits for both
// HolePunchResults before giving up (spec §4.G).
const PunchTimeout = 10 * time.Second

// BurstCount and BurstInterval describe the Ping burst an Initiator/Target
// sends toward the peer endpoint on receiving Execute (spec §4.G).
const (
	BurstCount    = 3
	BurstInterval = 50 * time.Millisecond
)

// ResultReason enumerates why a HolePunchResult failed.
type ResultReason string

const (
	ReasonNone            ResultReason = ""
	ReasonNotPunchable    ResultReason = "not-punchable"
	ReasonCoordinatorLost ResultReason = "coordinator-lost-peer"
	ReasonTimeout         ResultReason = "timeout"
)

// jobState is the per-pair Coordinator state machine (spec §4.G):
// Idle → RequestReceived → ExecuteSent → ResultReceived → Done → Idle.
// Idle is represented by the job's absence from Coordinator.jobs.
type jobState int

const (
	stateRequestReceived jobState = iota
	stateExecuteSent
	stateResultReceived
	stateDone
)

type job struct {
	low, high registry.MachineID // pair key halves, low < high lexically
	state     jobState
	createdAt time.Time
	results   int
}

func pairKey(a, b registry.MachineID) (registry.MachineID, registry.MachineID, string) {
	if a < b {
		return a, b, string(a) + "|" + string(b)
	}
	return b, a, string(b) + "|" + string(a)
}

// CoordinatorSender is the narrow interface the Coordinator needs to
// deliver Execute and Result messages. Implemented by pkg/meshcore's
// dispatcher, which owns the wire codec and transport.
type CoordinatorSender interface {
	SendExecute(to registry.MachineID, peerEndpoint registry.Endpoint, simultaneous bool)
	SendResult(to registry.MachineID, success bool, reason ResultReason)
}

// Coordinator runs the C role of the hole-punch protocol against a
// Registry it trusts for T's known endpoint and NAT class.
type Coordinator struct {
	reg    *registry.Registry
	sender CoordinatorSender

	mu   sync.Mutex
	jobs map[string]*job
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(reg *registry.Registry, sender CoordinatorSender) *Coordinator {
	return &Coordinator{reg: reg, sender: sender, jobs: make(map[string]*job)}
}

// HandleRequest processes a HolePunchRequest from initiator wanting to
// reach target, where initiatorEndpoint is the address the request was
// observed to arrive from (spec §4.G). Idempotent: a duplicate or
// reciprocal request for the same pair while a job is in flight is a
// no-op, which is how concurrent I→T and T→I requests collapse to one
// ExecuteSent pair (spec §4.G edge case).
func (c *Coordinator) HandleRequest(initiator, target registry.MachineID, initiatorEndpoint registry.Endpoint, now time.Time) {
	_, span := tracer.Start(context.Background(), "holepunch.handle_request")
	defer span.End()

	c.mu.Lock()
	_, _, key := pairKey(initiator, target)
	if existing, ok := c.jobs[key]; ok && now.Sub(existing.createdAt) <= PunchTimeout {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	targetRec, ok := c.reg.GetMachine(target)
	if !ok || targetRec.IsCold(now) {
		c.sender.SendResult(initiator, false, ReasonCoordinatorLost)
		return
	}
	// Endpoint.Valid here doesn't require NatClass.Shareable(): C reached
	// this record first-hand (spec §4.G "C is chosen by I as a first-hand
	// contact of T"), so it knows T's endpoint directly even when T is
	// PerPeerEndpoint and that endpoint is withheld from third parties in
	// gossip (invariant 2). Only the symmetric subtype is actually
	// unpunchable (spec.md:121).
	if !targetRec.Endpoint.Valid || targetRec.Symmetric {
		c.sender.SendResult(initiator, false, ReasonNotPunchable)
		return
	}
	if !initiatorEndpoint.Valid {
		c.sender.SendResult(initiator, false, ReasonCoordinatorLost)
		return
	}

	low, high, key := pairKey(initiator, target)
	c.mu.Lock()
	c.jobs[key] = &job{low: low, high: high, state: stateExecuteSent, createdAt: now}
	c.mu.Unlock()

	c.sender.SendExecute(initiator, targetRec.Endpoint, true)
	c.sender.SendExecute(target, initiatorEndpoint, true)
}

// HandleResult records a HolePunchResult arriving from one side of pair
// (from, other). The job transitions to Done once a second result arrives
// or PunchTimeout elapses (spec §4.G); Reap handles the timeout half.
func (c *Coordinator) HandleResult(from, other registry.MachineID, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _, key := pairKey(from, other)
	j, ok := c.jobs[key]
	if !ok {
		return
	}
	j.results++
	if j.results >= 2 {
		j.state = stateDone
		delete(c.jobs, key)
		return
	}
	j.state = stateResultReceived
}

// Reap removes jobs that have exceeded PunchTimeout without a second
// result, returning Idle (spec §4.G). Callers invoke this periodically.
func (c *Coordinator) Reap(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, j := range c.jobs {
		if now.Sub(j.createdAt) > PunchTimeout {
			delete(c.jobs, key)
		}
	}
}

// ActiveJobs returns the number of in-flight coordinator jobs, mainly for
// tests and diagnostics.
func (c *Coordinator) ActiveJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// RunPunchBurst sends BurstCount Pings toward ep, BurstInterval apart
// (spec §4.G: "on receiving HolePunchExecute ... send a small Ping burst").
// Intended to run in its own goroutine; send should be the caller's
// fire-and-forget Ping transmitter (transport.Send wrapped with the wire
// codec, one level up).
func RunPunchBurst(send func(registry.Endpoint), ep registry.Endpoint) {
	for i := 0; i < BurstCount; i++ {
		send(ep)
		if i < BurstCount-1 {
			time.Sleep(BurstInterval)
		}
	}
}

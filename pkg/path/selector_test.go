package path

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

type recordedSend struct {
	kind     string
	endpoint registry.Endpoint
	target   registry.MachineID
}

type fakeSender struct {
	mu   sync.Mutex
	logs []recordedSend
}

func (f *fakeSender) SendDirect(ep registry.Endpoint, bytes []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, recordedSend{kind: "direct", endpoint: ep})
}

func (f *fakeSender) SendHolePunchRequest(coordinator, target registry.MachineID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, recordedSend{kind: "holepunch", target: target})
}

func (f *fakeSender) SendRelay(relay, dst registry.MachineID, bytes []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, recordedSend{kind: "relay", target: dst})
}

func (f *fakeSender) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.logs {
		if l.kind == kind {
			n++
		}
	}
	return n
}

func ep(s string) registry.Endpoint {
	return registry.NewEndpoint(netip.MustParseAddrPort(s))
}

func TestSendUnreachableForUnknownPeer(t *testing.T) {
	reg := registry.New()
	s := New(reg, &fakeSender{})
	if got := s.Send("nobody", []byte("x"), time.Now()); got != Unreachable {
		t.Fatalf("expected Unreachable, got %v", got)
	}
}

func TestSendPrefersFreshDirectConnection(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("m1", "p1", ep("1.1.1.1:1"), registry.NatPublic, true, now)
	reg.SetConnection(registry.ConnectionState{Target: "m1", Kind: registry.PathDirect, Endpoint: ep("9.9.9.9:9"), LastSuccess: now})

	sender := &fakeSender{}
	s := New(reg, sender)
	outcome := s.Send("p1", []byte("hi"), now.Add(time.Second))

	if outcome != Delivered {
		t.Fatalf("expected Delivered, got %v", outcome)
	}
	if sender.count("direct") != 1 {
		t.Fatal("expected exactly one direct send")
	}
}

func TestSendAttemptsOptimisticDirectForShareableEndpoint(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("m1", "p1", ep("1.1.1.1:1"), registry.NatSharedEndpoint, true, now)

	sender := &fakeSender{}
	s := New(reg, sender)
	outcome := s.Send("p1", []byte("hi"), now)

	if outcome != Delivered {
		t.Fatalf("expected Delivered, got %v", outcome)
	}
}

func TestSendBuffersForHolePunchWhenPerPeerWithFirstHandCoordinator(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	// Target is PerPeerEndpoint: no shareable endpoint to attempt directly.
	reg.UpsertObservation("target", "p1", registry.NoEndpoint, registry.NatPerPeerEndpoint, true, now)
	reg.UpsertObservation("coord", "p2", ep("2.2.2.2:2"), registry.NatPublic, true, now)
	reg.RecordGossip("coord", registry.MachineEndpointInfo{ID: "target", IsFirstHand: true}, now)

	sender := &fakeSender{}
	s := New(reg, sender)
	s.SetLocalNatClass(registry.NatPublic)

	outcome := s.Send("p1", []byte("hi"), now)
	if outcome != BufferedForHolePunch {
		t.Fatalf("expected BufferedForHolePunch, got %v", outcome)
	}
	if sender.count("holepunch") != 1 {
		t.Fatal("expected exactly one hole punch request")
	}

	// A second send before resolution must not re-trigger the request
	// (single-flight, invariant 5).
	s.Send("p1", []byte("again"), now.Add(time.Second))
	if sender.count("holepunch") != 1 {
		t.Fatal("expected single-flight: no duplicate hole punch request")
	}
}

func TestSendDoesNotHolePunchDeclaredSymmetricTarget(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("target", "p1", registry.NoEndpoint, registry.NatPerPeerEndpoint, true, now)
	reg.UpsertObservation("coord", "p2", ep("2.2.2.2:2"), registry.NatPublic, true, now)
	reg.RecordGossip("coord", registry.MachineEndpointInfo{ID: "target", IsFirstHand: true}, now)
	reg.SetCapabilities("target", true, true, true) // self-declared symmetric, after gossip

	sender := &fakeSender{}
	s := New(reg, sender)
	s.SetLocalNatClass(registry.NatPublic)

	outcome := s.Send("p1", []byte("hi"), now)
	if outcome != Unreachable {
		t.Fatalf("expected Unreachable for a symmetric target with no warm relay, got %v", outcome)
	}
	if sender.count("holepunch") != 0 {
		t.Fatal("expected no hole punch request for a symmetric target")
	}
}

func TestSendUnreachableWhenLocalIsPerPeer(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("target", "p1", registry.NoEndpoint, registry.NatPerPeerEndpoint, true, now)
	reg.UpsertObservation("coord", "p2", ep("2.2.2.2:2"), registry.NatPublic, true, now)
	reg.RecordGossip("coord", registry.MachineEndpointInfo{ID: "target", IsFirstHand: true}, now)

	sender := &fakeSender{}
	s := New(reg, sender)
	s.SetLocalNatClass(registry.NatPerPeerEndpoint)

	outcome := s.Send("p1", []byte("hi"), now)
	if outcome != Unreachable {
		t.Fatalf("expected Unreachable when both ends are PerPeerEndpoint, got %v", outcome)
	}
}

func TestSendFallsBackToWarmRelay(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("target", "p1", registry.NoEndpoint, registry.NatPerPeerEndpoint, true, now)
	reg.SetWarmRelay(registry.WarmRelay{RelayID: "relay1", RegisteredAt: now, LastAck: now})

	sender := &fakeSender{}
	s := New(reg, sender)
	s.SetLocalNatClass(registry.NatPerPeerEndpoint) // disallow hole punch entirely

	outcome := s.Send("p1", []byte("hi"), now)
	if outcome != Relayed {
		t.Fatalf("expected Relayed, got %v", outcome)
	}
	if sender.count("relay") != 1 {
		t.Fatal("expected exactly one relay send")
	}
}

func TestOnDirectPromotedFlushesQueuedPayloads(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("target", "p1", registry.NoEndpoint, registry.NatPerPeerEndpoint, true, now)
	reg.UpsertObservation("coord", "p2", ep("2.2.2.2:2"), registry.NatPublic, true, now)
	reg.RecordGossip("coord", registry.MachineEndpointInfo{ID: "target", IsFirstHand: true}, now)

	sender := &fakeSender{}
	s := New(reg, sender)
	s.SetLocalNatClass(registry.NatPublic)
	s.Send("p1", []byte("queued"), now)

	s.OnDirectPromoted("target", ep("3.3.3.3:3"), now.Add(time.Second))

	if sender.count("direct") != 1 {
		t.Fatalf("expected the queued payload to flush as a direct send, got %d", sender.count("direct"))
	}
}

func TestDrainExpiredHolePunchPayloads(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("target", "p1", registry.NoEndpoint, registry.NatPerPeerEndpoint, true, now)
	reg.UpsertObservation("coord", "p2", ep("2.2.2.2:2"), registry.NatPublic, true, now)
	reg.RecordGossip("coord", registry.MachineEndpointInfo{ID: "target", IsFirstHand: true}, now)

	sender := &fakeSender{}
	s := New(reg, sender)
	s.SetLocalNatClass(registry.NatPublic)
	s.Send("p1", []byte("queued"), now)

	expired := s.DrainExpiredHolePunchPayloads(now.Add(HolePunchBufferWindow + time.Second))
	if len(expired) != 1 || expired[0] != "target" {
		t.Fatalf("expected target's payload to expire, got %v", expired)
	}
}

func TestSelectWarmRelaysKeepsAtLeastMinimumEvenWhenClose(t *testing.T) {
	candidates := []RelayCandidate{
		{ID: "a", Latency: 10 * time.Millisecond},
		{ID: "b", Latency: 12 * time.Millisecond},
	}
	chosen := SelectWarmRelays(candidates)
	if len(chosen) != 2 {
		t.Fatalf("expected both candidates kept to satisfy MinWarmRelays, got %d", len(chosen))
	}
}

func TestSelectWarmRelaysEnforcesLatencyDiversityPastMinimum(t *testing.T) {
	candidates := []RelayCandidate{
		{ID: "a", Latency: 10 * time.Millisecond},
		{ID: "b", Latency: 12 * time.Millisecond},
		{ID: "c", Latency: 13 * time.Millisecond}, // too close to b, should be skipped
		{ID: "d", Latency: 60 * time.Millisecond}, // diverse enough, should be picked
	}
	chosen := SelectWarmRelays(candidates)
	if len(chosen) != 3 {
		t.Fatalf("expected 3 relays (skipping the too-similar candidate), got %d: %v", len(chosen), chosen)
	}
	if chosen[2].ID != "d" {
		t.Fatalf("expected third pick to be the latency-diverse candidate d, got %s", chosen[2].ID)
	}
}

func TestSelectWarmRelaysCapsAtMaximum(t *testing.T) {
	candidates := []RelayCandidate{
		{ID: "a", Latency: 10 * time.Millisecond},
		{ID: "b", Latency: 50 * time.Millisecond},
		{ID: "c", Latency: 100 * time.Millisecond},
		{ID: "d", Latency: 150 * time.Millisecond},
	}
	chosen := SelectWarmRelays(candidates)
	if len(chosen) != MaxWarmRelays {
		t.Fatalf("expected cap at MaxWarmRelays=%d, got %d", MaxWarmRelays, len(chosen))
	}
}

func TestReconcileWarmRelaysAddsAndRemoves(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.SetWarmRelay(registry.WarmRelay{RelayID: "stale", RegisteredAt: now, LastAck: now})

	s := New(reg, &fakeSender{})
	s.ReconcileWarmRelays([]RelayCandidate{
		{ID: "a", Latency: 10 * time.Millisecond},
		{ID: "b", Latency: 50 * time.Millisecond},
	}, now)

	warm := reg.WarmRelays()
	ids := map[registry.MachineID]bool{}
	for _, w := range warm {
		ids[w.RelayID] = true
	}
	if ids["stale"] {
		t.Fatal("expected stale relay dropped from the pool")
	}
	if !ids["a"] || !ids["b"] {
		t.Fatalf("expected new candidates added, got %v", warm)
	}
}

func TestAnyWarmRelayRoundRobinsAcrossPool(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.SetWarmRelay(registry.WarmRelay{RelayID: "r1", RegisteredAt: now, LastAck: now})
	reg.SetWarmRelay(registry.WarmRelay{RelayID: "r2", RegisteredAt: now, LastAck: now})

	s := New(reg, &fakeSender{})
	seen := map[registry.MachineID]int{}
	for i := 0; i < 4; i++ {
		id, ok := s.anyWarmRelay()
		if !ok {
			t.Fatal("expected a warm relay")
		}
		seen[id]++
	}
	if seen["r1"] == 0 || seen["r2"] == 0 {
		t.Fatalf("expected round-robin to hit both relays, got %v", seen)
	}
}

func TestOutcomeStringNames(t *testing.T) {
	cases := map[Outcome]string{
		Delivered:            "Delivered",
		BufferedForHolePunch: "Buffered-for-HolePunch",
		Relayed:              "Relayed",
		Unreachable:          "Unreachable",
		DroppedRateLimited:   "Dropped-Rate-Limited",
	}
	for o, want := range cases {
		if o.String() != want {
			t.Fatalf("outcome %d: expected %q, got %q", o, want, o.String())
		}
	}
}

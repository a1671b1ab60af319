package holepunch

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

type recordedExecute struct {
	to       registry.MachineID
	endpoint registry.Endpoint
}

type fakeSender struct {
	mu       sync.Mutex
	executes []recordedExecute
	results  []ResultReason
}

func (f *fakeSender) SendExecute(to registry.MachineID, peerEndpoint registry.Endpoint, simultaneous bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executes = append(f.executes, recordedExecute{to: to, endpoint: peerEndpoint})
}

func (f *fakeSender) SendResult(to registry.MachineID, success bool, reason ResultReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, reason)
}

func ep(s string) registry.Endpoint {
	return registry.NewEndpoint(netip.MustParseAddrPort(s))
}

func TestHandleRequestSendsExecuteToBothSides(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("target", "p2", ep("2.2.2.2:2"), registry.NatPublic, true, now)

	sender := &fakeSender{}
	c := NewCoordinator(reg, sender)
	c.HandleRequest("initiator", "target", ep("1.1.1.1:1"), now)

	if len(sender.executes) != 2 {
		t.Fatalf("expected 2 Execute messages, got %d", len(sender.executes))
	}
	if c.ActiveJobs() != 1 {
		t.Fatalf("expected 1 active job, got %d", c.ActiveJobs())
	}
}

func TestHandleRequestNotPunchableForSymmetricTarget(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("target", "p2", ep("2.2.2.2:2"), registry.NatPerPeerEndpoint, true, now)
	reg.SetCapabilities("target", true, true, true)

	sender := &fakeSender{}
	c := NewCoordinator(reg, sender)
	c.HandleRequest("initiator", "target", ep("1.1.1.1:1"), now)

	if len(sender.executes) != 0 {
		t.Fatal("expected no Execute for a symmetric, unpunchable target")
	}
	if len(sender.results) != 1 || sender.results[0] != ReasonNotPunchable {
		t.Fatalf("expected not-punchable result, got %v", sender.results)
	}
	if c.ActiveJobs() != 0 {
		t.Fatal("expected no job created for an unpunchable target")
	}
}

func TestHandleRequestPunchableForNonSymmetricPerPeerTarget(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	// Plain PerPeerEndpoint (restricted-cone, not symmetric) is exactly
	// the case hole punching exists to resolve.
	reg.UpsertObservation("target", "p2", ep("2.2.2.2:2"), registry.NatPerPeerEndpoint, true, now)

	sender := &fakeSender{}
	c := NewCoordinator(reg, sender)
	c.HandleRequest("initiator", "target", ep("1.1.1.1:1"), now)

	if len(sender.executes) != 2 {
		t.Fatalf("expected 2 Execute messages for a punchable PerPeerEndpoint target, got %d", len(sender.executes))
	}
	if len(sender.results) != 0 {
		t.Fatalf("expected no result sent yet, got %v", sender.results)
	}
	if c.ActiveJobs() != 1 {
		t.Fatalf("expected 1 active job, got %d", c.ActiveJobs())
	}
}

func TestHandleRequestCoordinatorLostWhenTargetUnknown(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	sender := &fakeSender{}
	c := NewCoordinator(reg, sender)

	c.HandleRequest("initiator", "target", ep("1.1.1.1:1"), now)

	if len(sender.results) != 1 || sender.results[0] != ReasonCoordinatorLost {
		t.Fatalf("expected coordinator-lost-peer result, got %v", sender.results)
	}
}

func TestConcurrentReciprocalRequestsCollapseToOneJob(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("a", "p1", ep("1.1.1.1:1"), registry.NatPublic, true, now)
	reg.UpsertObservation("b", "p2", ep("2.2.2.2:2"), registry.NatPublic, true, now)

	sender := &fakeSender{}
	c := NewCoordinator(reg, sender)

	// a asks to reach b, and b asks to reach a, at "the same instant".
	c.HandleRequest("a", "b", ep("1.1.1.1:1"), now)
	c.HandleRequest("b", "a", ep("2.2.2.2:2"), now)

	if c.ActiveJobs() != 1 {
		t.Fatalf("expected the reciprocal request to collapse into 1 job, got %d", c.ActiveJobs())
	}
	if len(sender.executes) != 2 {
		t.Fatalf("expected only the first request's 2 Executes, got %d", len(sender.executes))
	}
}

func TestHandleResultTransitionsToDoneOnSecondResult(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("target", "p2", ep("2.2.2.2:2"), registry.NatPublic, true, now)

	sender := &fakeSender{}
	c := NewCoordinator(reg, sender)
	c.HandleRequest("initiator", "target", ep("1.1.1.1:1"), now)

	c.HandleResult("initiator", "target", now)
	if c.ActiveJobs() != 1 {
		t.Fatal("expected job to remain after first result")
	}

	c.HandleResult("target", "initiator", now)
	if c.ActiveJobs() != 0 {
		t.Fatal("expected job removed (Done) after second result")
	}
}

func TestReapRemovesTimedOutJobs(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.UpsertObservation("target", "p2", ep("2.2.2.2:2"), registry.NatPublic, true, now)

	sender := &fakeSender{}
	c := NewCoordinator(reg, sender)
	c.HandleRequest("initiator", "target", ep("1.1.1.1:1"), now)

	c.Reap(now.Add(PunchTimeout + time.Second))
	if c.ActiveJobs() != 0 {
		t.Fatal("expected stale job reaped")
	}
}

func TestRunPunchBurstSendsBurstCountTimes(t *testing.T) {
	var calls int
	var mu sync.Mutex
	send := func(registry.Endpoint) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	start := time.Now()
	RunPunchBurst(send, ep("1.1.1.1:1"))
	elapsed := time.Since(start)

	if calls != BurstCount {
		t.Fatalf("expected %d sends, got %d", BurstCount, calls)
	}
	if elapsed < (BurstCount-1)*BurstInterval {
		t.Fatalf("expected at least %v between sends, took %v", (BurstCount-1)*BurstInterval, elapsed)
	}
}

package registry

import (
	"net/netip"
	"testing"
	"time"
)

func TestClassifyUnknownBelowTwoObservers(t *testing.T) {
	c := NewClassifier()
	now := time.Now()
	c.Observe("m1", mustAddrPort("9.9.9.9:1000"), now)

	if got := c.Classify(nil, now); got != NatUnknown {
		t.Fatalf("expected NatUnknown, got %v", got)
	}
}

func TestClassifyPublicWhenObserversAgreeWithLocalAddr(t *testing.T) {
	c := NewClassifier()
	now := time.Now()
	ep := mustAddrPort("9.9.9.9:1000")
	c.Observe("m1", ep, now)
	c.Observe("m2", ep, now)

	local := []netip.Addr{ep.Addr()}
	if got := c.Classify(local, now); got != NatPublic {
		t.Fatalf("expected NatPublic, got %v", got)
	}
}

func TestClassifySharedEndpointWhenObserversAgreeButNotLocal(t *testing.T) {
	c := NewClassifier()
	now := time.Now()
	ep := mustAddrPort("9.9.9.9:1000")
	c.Observe("m1", ep, now)
	c.Observe("m2", ep, now)

	local := []netip.Addr{netip.MustParseAddr("10.0.0.5")}
	if got := c.Classify(local, now); got != NatSharedEndpoint {
		t.Fatalf("expected NatSharedEndpoint, got %v", got)
	}
}

func TestClassifyPerPeerWhenObserversDisagree(t *testing.T) {
	c := NewClassifier()
	now := time.Now()
	c.Observe("m1", mustAddrPort("9.9.9.9:1000"), now)
	c.Observe("m2", mustAddrPort("9.9.9.9:2000"), now)

	if got := c.Classify(nil, now); got != NatPerPeerEndpoint {
		t.Fatalf("expected NatPerPeerEndpoint, got %v", got)
	}
}

func TestClassifyPrunesStaleObservations(t *testing.T) {
	c := NewClassifier()
	now := time.Now()
	c.Observe("m1", mustAddrPort("9.9.9.9:1000"), now.Add(-ObserverWindow-time.Minute))
	c.Observe("m2", mustAddrPort("9.9.9.9:2000"), now)

	if got := c.ObserverCount(now); got != 1 {
		t.Fatalf("expected stale observer pruned, count=%d", got)
	}
	if got := c.Classify(nil, now); got != NatUnknown {
		t.Fatalf("expected NatUnknown after pruning, got %v", got)
	}
}

func TestForgetRemovesObserver(t *testing.T) {
	c := NewClassifier()
	now := time.Now()
	c.Observe("m1", mustAddrPort("9.9.9.9:1000"), now)
	c.Observe("m2", mustAddrPort("9.9.9.9:2000"), now)
	c.Forget("m2")

	if got := c.ObserverCount(now); got != 1 {
		t.Fatalf("expected 1 observer after forget, got %d", got)
	}
}

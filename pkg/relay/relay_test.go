package relay

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

type recordedForward struct {
	to, from registry.MachineID
	bytes    []byte
}

type recordedResult struct {
	to     registry.MachineID
	ok     bool
	reason string
}

type fakeSender struct {
	mu       sync.Mutex
	forwards []recordedForward
	results  []recordedResult
}

func (f *fakeSender) SendForward(to registry.MachineID, from registry.MachineID, innerBytes []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, recordedForward{to: to, from: from, bytes: innerBytes})
}

func (f *fakeSender) SendForwardResult(to registry.MachineID, ok bool, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, recordedResult{to: to, ok: ok, reason: reason})
}

type fakeMirror struct {
	mu       sync.Mutex
	sessions map[registry.MachineID]Session
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{sessions: make(map[registry.MachineID]Session)}
}

func (m *fakeMirror) Save(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Peer] = s
	return nil
}

func (m *fakeMirror) Load(ctx context.Context, peer registry.MachineID) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok, nil
}

func (m *fakeMirror) Delete(ctx context.Context, peer registry.MachineID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, peer)
	return nil
}

func ep(s string) registry.Endpoint {
	return registry.NewEndpoint(netip.MustParseAddrPort(s))
}

func TestRegisterAssignsIncrementingSlots(t *testing.T) {
	e := New(&fakeSender{}, nil)
	now := time.Now()

	slot1, ka := e.Register("p1", registry.NatPerPeerEndpoint, ep("1.1.1.1:1"), now)
	slot2, _ := e.Register("p2", registry.NatPublic, ep("2.2.2.2:2"), now)

	if slot1 == slot2 {
		t.Fatal("expected distinct slots")
	}
	if ka != DefaultKeepaliveInterval {
		t.Fatalf("expected default keepalive, got %v", ka)
	}
	if e.SessionCount() != 2 {
		t.Fatalf("expected 2 sessions, got %d", e.SessionCount())
	}
}

func TestForwardRequiresBothSidesRegistered(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, nil)
	now := time.Now()
	e.Register("src", registry.NatPerPeerEndpoint, ep("1.1.1.1:1"), now)

	e.Forward("src", "dst", []byte("payload"), now)

	if len(sender.forwards) != 0 {
		t.Fatal("expected no forward to an unregistered destination")
	}
	if len(sender.results) != 1 || sender.results[0].ok {
		t.Fatalf("expected a failure result, got %v", sender.results)
	}
}

func TestForwardSucceedsWhenBothRegistered(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, nil)
	now := time.Now()
	e.Register("src", registry.NatPerPeerEndpoint, ep("1.1.1.1:1"), now)
	e.Register("dst", registry.NatPerPeerEndpoint, ep("2.2.2.2:2"), now)

	e.Forward("src", "dst", []byte("payload"), now)

	if len(sender.forwards) != 1 {
		t.Fatalf("expected 1 forward, got %d", len(sender.forwards))
	}
	if string(sender.forwards[0].bytes) != "payload" {
		t.Fatal("relay must not alter inner_bytes")
	}
	if len(sender.results) != 1 || !sender.results[0].ok {
		t.Fatalf("expected success result, got %v", sender.results)
	}
}

func TestCleanupStaleRemovesAgedSessions(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, nil)
	now := time.Now()
	e.Register("p1", registry.NatPerPeerEndpoint, ep("1.1.1.1:1"), now)

	later := now.Add(2*DefaultKeepaliveInterval + time.Second)
	removed := e.CleanupStale(later)
	if len(removed) != 1 || removed[0] != "p1" {
		t.Fatalf("expected p1 removed, got %v", removed)
	}
	if e.SessionCount() != 0 {
		t.Fatal("expected session table empty after cleanup")
	}
}

func TestTouchKeepsSessionFresh(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, nil)
	now := time.Now()
	e.Register("p1", registry.NatPerPeerEndpoint, ep("1.1.1.1:1"), now)

	midway := now.Add(DefaultKeepaliveInterval + time.Second)
	e.Touch("p1", midway)

	later := midway.Add(DefaultKeepaliveInterval + time.Second)
	removed := e.CleanupStale(later)
	if len(removed) != 0 {
		t.Fatal("expected touched session to survive, since it's within 2x keepalive of its refresh")
	}
}

func TestForwardFallsBackToMirrorOnLocalMiss(t *testing.T) {
	sender := &fakeSender{}
	mirror := newFakeMirror()
	now := time.Now()

	// One relay process registers both peers and mirrors them...
	writer := New(sender, mirror)
	writer.Register("src", registry.NatPerPeerEndpoint, ep("1.1.1.1:1"), now)
	writer.Register("dst", registry.NatPerPeerEndpoint, ep("2.2.2.2:2"), now)

	// ...a second process, with an empty local table, forwards via the mirror.
	reader := New(sender, mirror)
	reader.Forward("src", "dst", []byte("hello"), now)

	if len(sender.forwards) != 1 {
		t.Fatalf("expected forward to succeed via mirror fallback, got %d forwards", len(sender.forwards))
	}
}

func TestCanRelayRequiresPublicAndNotDisabled(t *testing.T) {
	if !CanRelay(registry.NatPublic, false) {
		t.Fatal("expected Public + enabled to be relay-eligible")
	}
	if CanRelay(registry.NatPublic, true) {
		t.Fatal("expected operator-disabled to block relaying")
	}
	if CanRelay(registry.NatSharedEndpoint, false) {
		t.Fatal("expected non-Public NAT class to be ineligible")
	}
}

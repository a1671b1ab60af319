package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

// BaselineKeepaliveInterval is the steady-state Ping cadence for active
// peers and warm relays, chosen to stay within typical NAT mapping
// timeouts (spec §4.F).
const BaselineKeepaliveInterval = 25 * time.Second

// AggressiveKeepaliveInterval is used for AggressiveDuration after a
// network change is detected (spec §4.F).
const AggressiveKeepaliveInterval = 5 * time.Second

// AggressiveDuration bounds how long the aggressive interval lasts
// before reverting to baseline (spec §4.F).
const AggressiveDuration = 30 * time.Second

// ActivePeerWindow is how recently a machine must have been sent-to or
// received-from to count as an ActivePeer for keepalive purposes
// (spec §4.F).
const ActivePeerWindow = 5 * time.Minute

// Keepalive sends Pings to every ActivePeer and WarmRelay at an interval
// that steps up after a network change, grounded on the teacher's
// pkg/daemon/daemon.go ticker-per-goroutine shape.
type Keepalive struct {
	reg    *registry.Registry
	local  registry.MachineID
	sender Sender

	mu           sync.Mutex
	activity     map[registry.MachineID]time.Time
	aggressiveAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewKeepalive creates a Keepalive scheduler.
func NewKeepalive(reg *registry.Registry, local registry.MachineID, sender Sender) *Keepalive {
	return &Keepalive{
		reg:      reg,
		local:    local,
		sender:   sender,
		activity: make(map[registry.MachineID]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// RecordActivity marks mid as active as of now (called on every send-to
// or receive-from), so it is included in the next keepalive round.
func (k *Keepalive) RecordActivity(mid registry.MachineID, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activity[mid] = now
}

// NetworkChanged switches the scheduler into the aggressive interval for
// AggressiveDuration (spec §4.F: "local-interface event or classification
// change").
func (k *Keepalive) NetworkChanged(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.aggressiveAt = now
}

func (k *Keepalive) currentInterval(now time.Time) time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.aggressiveAt.IsZero() && now.Sub(k.aggressiveAt) <= AggressiveDuration {
		return AggressiveKeepaliveInterval
	}
	return BaselineKeepaliveInterval
}

// Start begins the keepalive ticker. After every tick the loop re-evaluates
// the active interval and recreates the ticker when it has changed, so a
// switch made by NetworkChanged takes effect from the next tick onward.
func (k *Keepalive) Start(ctx context.Context) {
	k.wg.Add(1)
	go k.loop(ctx)
}

// Stop halts the keepalive ticker and waits for it to exit.
func (k *Keepalive) Stop() {
	close(k.stopCh)
	k.wg.Wait()
}

func (k *Keepalive) loop(ctx context.Context) {
	defer k.wg.Done()

	interval := BaselineKeepaliveInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			k.tick(now)

			if next := k.currentInterval(now); next != interval {
				interval = next
				ticker.Stop()
				ticker = time.NewTicker(interval)
			}
		}
	}
}

func (k *Keepalive) tick(now time.Time) {
	for _, mid := range k.activePeers(now) {
		k.sender.SendPing(mid, false)
	}
	for _, w := range k.reg.WarmRelays() {
		k.sender.SendPing(w.RelayID, false)
	}
}

func (k *Keepalive) activePeers(now time.Time) []registry.MachineID {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []registry.MachineID
	for mid, last := range k.activity {
		if mid == k.local {
			continue
		}
		if now.Sub(last) > ActivePeerWindow {
			delete(k.activity, mid)
			continue
		}
		out = append(out, mid)
	}
	return out
}

// Package privacy implements an optional Dandelion++-style stem/fluff
// relay policy for the Gossip Engine's proactive ticker (spec §4.E). It
// decides WHICH peer a proactive gossip round targets, not whether
// gossip happens: for a few hops every announcement is relayed through
// a deterministic, epoch-rotated "stem" peer before the engine falls
// back to its normal random "fluff" target, so a passive observer
// watching one node's traffic cannot immediately tell which machine
// record originated there.
//
// Adapted from the nycterent-wgmesh fork's pkg/privacy/dandelion.go
// (same protocol, built for WireGuard peer announcements); here the
// relay pool is machine IDs from the Registry rather than WGPubKeys,
// and the fork's HandleAnnounce callback API is replaced by Router,
// which gossip.Engine queries directly before its own Ping sends.
package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

const (
	// FluffProbability is the chance of transitioning from stem to fluff
	// at each proactive-gossip tick.
	FluffProbability = 0.10
	// MaxStemHops forces a fluff after this many consecutive stem hops.
	MaxStemHops = 4
	// EpochDuration is how long a relay-peer selection stays fixed.
	EpochDuration = 10 * time.Minute
	// StemRelayCount is how many peers make up a stem epoch's relay pool.
	StemRelayCount = 2
)

// Epoch is a time-boxed relay-peer selection.
type Epoch struct {
	ID         uint64
	RelayPeers []string
	StartedAt  time.Time
}

// Router picks stem-phase relay targets deterministically within an
// epoch and decides, per hop, whether to keep stemming or fluff.
type Router struct {
	seed [32]byte

	mu    sync.RWMutex
	epoch Epoch
}

// NewRouter creates a Router seeded from seed — pkg/meshcore passes the
// SHA-256 of the mesh's derived NetworkID and RendezvousID — so every
// node in the same mesh rotates through the same epoch schedule.
func NewRouter(seed [32]byte) *Router {
	return &Router{seed: seed, epoch: Epoch{StartedAt: time.Now()}}
}

// ShouldFluff reports whether hop should transition from stem to fluff.
func ShouldFluff(hop int) bool {
	if hop >= MaxStemHops {
		return true
	}
	return rand.Float64() < FluffProbability
}

// NextHop returns the stem relay for hop within the current epoch, or
// ok=false when the epoch has no relay pool (first epoch, or a mesh too
// small to stem) — callers should fluff immediately in that case.
func (r *Router) NextHop(hop int) (target string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.epoch.RelayPeers) == 0 {
		return "", false
	}
	return r.epoch.RelayPeers[hop%len(r.epoch.RelayPeers)], true
}

// NeedsRotation reports whether the current epoch has expired.
func (r *Router) NeedsRotation(now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return now.Sub(r.epoch.StartedAt) > EpochDuration
}

// RotateEpoch deterministically reselects the stem relay pool from
// candidates, keyed by the router's seed and a monotonically increasing
// epoch ID so every node picks the same relays without coordination.
func (r *Router) RotateEpoch(candidates []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.epoch.ID + 1
	relays := selectRelays(r.seed, next, candidates, StemRelayCount)
	r.epoch = Epoch{ID: next, RelayPeers: relays, StartedAt: time.Now()}

	if len(relays) > 0 {
		slog.Debug("privacy: dandelion epoch rotated", "epoch", next, "relays", relays)
	}
}

func selectRelays(seed [32]byte, epochID uint64, candidates []string, count int) []string {
	if len(candidates) == 0 {
		return nil
	}
	if count > len(candidates) {
		count = len(candidates)
	}

	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epochID)
	mac := hmac.New(sha256.New, seed[:])
	mac.Write(epochBytes[:])
	digest := mac.Sum(nil)

	sorted := make([]string, len(candidates))
	copy(sorted, candidates)
	sort.Strings(sorted)

	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(digest[:8]))))
	rng.Shuffle(len(sorted), func(i, j int) {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	})
	return sorted[:count]
}

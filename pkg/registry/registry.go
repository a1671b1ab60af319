// Package registry is the mesh core's Peer/Machine Registry (spec §4.C)
// and NAT Classifier (spec §4.D). It is the single source of truth for
// what the local node believes about other machines, who vouches for
// reaching them (KnownContact), and this node's own inferred NAT class.
//
// Grounded on the teacher's pkg/daemon/peerstore.go: rank-ordered field
// merge on update, and a subscriber fan-out that snapshots under the lock
// then notifies outside it to avoid deadlocking a caller that reacts to
// the event by calling back into the registry.
package registry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("meshcore.registry")

var metricMachinesKnown metric.Int64UpDownCounter

func init() {
	var err error
	metricMachinesKnown, err = meter.Int64UpDownCounter("meshcore.registry.machines",
		metric.WithDescription("Machine records currently tracked"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

// EventKind distinguishes a brand-new record from a refreshed one.
type EventKind int

const (
	EventNew EventKind = iota
	EventUpdated
	EventEndpointChanged
	EventNatClassChanged
)

// Event is published to subscribers after Upsert/RecordGossip mutate state.
type Event struct {
	Machine MachineID
	Kind    EventKind
}

const eventBufSize = 32

// Registry is the thread-safe Peer/Machine store.
type Registry struct {
	mu       sync.Mutex
	machines map[MachineID]*MachineRecord
	peers    map[PeerID]map[MachineID]struct{}
	contacts map[MachineID][]contactEntry
	conns    map[MachineID]*ConnectionState
	warm     map[MachineID]*WarmRelay

	classifier *Classifier

	subMu sync.Mutex
	subs  []chan Event
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		machines:   make(map[MachineID]*MachineRecord),
		peers:      make(map[PeerID]map[MachineID]struct{}),
		contacts:   make(map[MachineID][]contactEntry),
		conns:      make(map[MachineID]*ConnectionState),
		warm:       make(map[MachineID]*WarmRelay),
		classifier: NewClassifier(),
	}
}

// Classifier exposes the registry's NAT classifier (spec §4.D). The
// classifier keeps its own per-observer map and does not read the
// registry's machine records.
func (r *Registry) Classifier() *Classifier { return r.classifier }

func (r *Registry) Subscribe() <-chan Event {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	ch := make(chan Event, eventBufSize)
	r.subs = append(r.subs, ch)
	return ch
}

func (r *Registry) Unsubscribe(ch <-chan Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for i, s := range r.subs {
		if s == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(s)
			return
		}
	}
}

func (r *Registry) notify(ev Event) {
	r.subMu.Lock()
	subs := make([]chan Event, len(r.subs))
	copy(subs, r.subs)
	r.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// UpsertObservation records a direct (first_hand) or indirect observation
// of a machine's endpoint and NAT class (spec §4.C). If the stored
// Endpoint differs from the incoming one, an EventEndpointChanged is
// published so the Gossip Engine can queue propagation (spec §4.C).
func (r *Registry) UpsertObservation(id MachineID, owner PeerID, ep Endpoint, nat NatClass, firstHand bool, now time.Time) {
	var ev Event
	var fire bool

	func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		rec, exists := r.machines[id]
		if !exists {
			rec = &MachineRecord{
				ID:    id,
				Owner: owner,
				// Defaults per spec §3: a machine is assumed willing to
				// relay/coordinate until it gossips otherwise via
				// SetCapabilities.
				CanRelay:           true,
				CanCoordinate:      true,
				lastEndpointSentBy: make(map[MachineID]Endpoint),
				lastNatClassSentBy: make(map[MachineID]NatClass),
			}
			r.machines[id] = rec
			r.indexPeer(owner, id)
			metricMachinesKnown.Add(context.Background(), 1)
			ev, fire = Event{Machine: id, Kind: EventNew}, true
		}

		endpointChanged := !rec.Endpoint.Equal(ep) && ep.Valid
		natChanged := nat != NatUnknown && nat != rec.NatClass

		if owner != "" {
			rec.Owner = owner
		}
		if ep.Valid {
			rec.Endpoint = ep
		}
		if nat != NatUnknown {
			rec.NatClass = nat
		}
		if firstHand {
			rec.IsFirstHand = true
		} else if !rec.IsFirstHandFresh(now) {
			rec.IsFirstHand = false
		}
		rec.LastSeen = now

		if !fire {
			switch {
			case endpointChanged:
				ev, fire = Event{Machine: id, Kind: EventEndpointChanged}, true
			case natChanged:
				ev, fire = Event{Machine: id, Kind: EventNatClassChanged}, true
			default:
				ev, fire = Event{Machine: id, Kind: EventUpdated}, true
			}
		}
	}()

	if fire {
		r.notify(ev)
	}
}

func (r *Registry) indexPeer(owner PeerID, id MachineID) {
	set, ok := r.peers[owner]
	if !ok {
		set = make(map[MachineID]struct{})
		r.peers[owner] = set
	}
	set[id] = struct{}{}
}

// MachineEndpointInfo is what a gossiping peer tells us about a third
// machine (spec §4.E's delta records, and the "about" parameter of
// record_gossip in spec §4.C).
type MachineEndpointInfo struct {
	ID          MachineID
	Owner       PeerID
	Endpoint    Endpoint // absent for PerPeerEndpoint records, per invariant 2
	NatClass    NatClass
	IsFirstHand bool // true if the gossiper (fromMID) claims first-hand contact with ID

	// CanRelay/CanCoordinate are ID's self-advertised capability bits
	// (spec §3), carried along with every other piece of gossip about it.
	CanRelay      bool
	CanCoordinate bool
	// Symmetric is ID's self-advertised/classifier-inferred
	// PerPeerEndpoint::Symmetric bit (spec §4.G), carried the same way.
	Symmetric bool
}

// RecordGossip folds in a third-party observation relayed by fromMID about
// info.ID (spec §4.C record_gossip), and updates the KnownContact multimap
// so fromMID becomes a candidate coordinator the next time a hole punch to
// info.ID is needed (spec §4.G).
func (r *Registry) RecordGossip(fromMID MachineID, info MachineEndpointInfo, now time.Time) {
	// Second-hand observation: never promote to first-hand via gossip.
	r.UpsertObservation(info.ID, info.Owner, info.Endpoint, info.NatClass, false, now)
	r.SetCapabilities(info.ID, info.CanRelay, info.CanCoordinate, info.Symmetric)

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.contacts[info.ID]
	for i := range entries {
		if entries[i].Contact == fromMID {
			entries[i].LastHeard = now
			entries[i].FirstHand = info.IsFirstHand
			r.contacts[info.ID] = entries
			return
		}
	}
	r.contacts[info.ID] = append(entries, contactEntry{
		Contact:   fromMID,
		LastHeard: now,
		FirstHand: info.IsFirstHand,
	})
}

// SetCapabilities records the can_relay/can_coordinate_punch/symmetric
// bits a machine advertised about itself (spec §3 MachineRecord fields,
// gossiped per spec §4.H "a node advertises a can_relay bit in its
// gossip" and spec.md:121's "inferred from classifier or self-declared"
// for the symmetric bit). A no-op if id isn't yet known — the capability
// bits ride on the same Ping/Pong/gossip record as the observation that
// creates the record, so this is always called after
// UpsertObservation/RecordGossip for the same id.
func (r *Registry) SetCapabilities(id MachineID, canRelay, canCoordinate, symmetric bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.machines[id]; ok {
		rec.CanRelay = canRelay
		rec.CanCoordinate = canCoordinate
		rec.Symmetric = symmetric
	}
}

// GetMachine returns a copy of the record for id, or false if unknown.
func (r *Registry) GetMachine(id MachineID) (MachineRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.machines[id]
	if !ok {
		return MachineRecord{}, false
	}
	return *rec, true
}

// MachinesOf returns all known MachineIDs owned by peer.
func (r *Registry) MachinesOf(peer PeerID) []MachineID {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.peers[peer]
	out := make([]MachineID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// MostRecentNonCold returns the freshest non-cold MachineID owned by peer,
// implementing Open Question 1's "most recently seen, non-cold" policy.
func (r *Registry) MostRecentNonCold(peer PeerID, now time.Time) (MachineID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best MachineID
	var bestSeen time.Time
	found := false
	for id := range r.peers[peer] {
		rec := r.machines[id]
		if rec == nil || rec.IsCold(now) {
			continue
		}
		if !found || rec.LastSeen.After(bestSeen) {
			best, bestSeen, found = id, rec.LastSeen, true
		}
	}
	return best, found
}

// Shareable returns copies of every non-cold record whose NAT class is
// shareable (Public or SharedEndpoint) — the set the proactive-gossip
// ticker picks its targets from (spec §4.E). Full-list responses are
// built from AllNonCold instead.
func (r *Registry) Shareable(now time.Time) []MachineRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]MachineRecord, 0, len(r.machines))
	for _, rec := range r.machines {
		if rec.IsCold(now) || !rec.NatClass.Shareable() {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// AllNonCold returns copies of every non-cold record, used for full-list
// responses where the MachineId is announced even without an endpoint
// (spec invariant 2 / testable property 3).
func (r *Registry) AllNonCold(now time.Time) []MachineRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]MachineRecord, 0, len(r.machines))
	for _, rec := range r.machines {
		if rec.IsCold(now) {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// MarkSent records that fields for id (as currently stored) have been
// delivered to dest, so subsequent delta computation can detect "no
// change since last exchange with this peer" (spec §4.E / testable
// property 2). Lives on MachineRecord itself to scope per-destination
// state alongside the record it describes.
func (r *Registry) MarkSent(dest MachineID, id MachineID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.machines[id]
	if !ok {
		return
	}
	rec.lastEndpointSentBy[dest] = rec.Endpoint
	rec.lastNatClassSentBy[dest] = rec.NatClass
}

// ChangedSince reports whether id's endpoint or NAT class differ from what
// was last sent to dest (spec §4.E delta rule).
func (r *Registry) ChangedSince(dest MachineID, id MachineID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.machines[id]
	if !ok {
		return true
	}
	lastEP, hasEP := rec.lastEndpointSentBy[dest]
	lastNat, hasNat := rec.lastNatClassSentBy[dest]
	if !hasEP || !hasNat {
		return true
	}
	return !lastEP.Equal(rec.Endpoint) || lastNat != rec.NatClass
}

// contactRank implements the contacts_for ordering policy (spec §4.C):
// 1 first-hand+shareable, 2 first-hand+perpeer, 3 second-hand+shareable,
// 4 second-hand+perpeer. Lower is preferred.
func contactRank(firstHand bool, nat NatClass) int {
	switch {
	case firstHand && nat.Shareable():
		return 1
	case firstHand && !nat.Shareable():
		return 2
	case !firstHand && nat.Shareable():
		return 3
	default:
		return 4
	}
}

// ContactsFor returns the ordered list of MachineIDs that have gossiped
// about target, suitable for choosing a hole-punch coordinator (spec
// §4.C/§4.G). Entries older than ContactFreshnessWindow are purged lazily.
func (r *Registry) ContactsFor(target MachineID, now time.Time) []MachineID {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.contacts[target]
	fresh := entries[:0:0]
	for _, e := range entries {
		if now.Sub(e.LastHeard) <= ContactFreshnessWindow {
			fresh = append(fresh, e)
		}
	}
	r.contacts[target] = fresh

	type ranked struct {
		entry contactEntry
		rank  int
	}
	rs := make([]ranked, 0, len(fresh))
	for _, e := range fresh {
		nat := NatUnknown
		rec, known := r.machines[e.Contact]
		if known {
			nat = rec.NatClass
			// A contact that has told us it won't coordinate punches
			// (spec §3 can_coordinate_punch) is never offered as a
			// candidate, regardless of how fresh or first-hand it is.
			if !rec.CanCoordinate {
				continue
			}
		}
		rs = append(rs, ranked{entry: e, rank: contactRank(e.FirstHand, nat)})
	}

	for i := 1; i < len(rs); i++ {
		j := i
		for j > 0 && less(rs[j], rs[j-1]) {
			rs[j], rs[j-1] = rs[j-1], rs[j]
			j--
		}
	}

	out := make([]MachineID, len(rs))
	for i, rk := range rs {
		out[i] = rk.entry.Contact
	}
	return out
}

func less(a, b struct {
	entry contactEntry
	rank  int
}) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.entry.LastHeard.After(b.entry.LastHeard)
}

// FirstHandContactFor returns the best first-hand contact for target, if
// any — preferring Public/SharedEndpoint contacts, then freshest (spec
// §4.G: "C is chosen by I as a first-hand contact of T; if multiple
// exist, prefer Public/Shared, then freshest").
func (r *Registry) FirstHandContactFor(target MachineID, now time.Time) (MachineID, bool) {
	for _, candidate := range r.ContactsFor(target, now) {
		r.mu.Lock()
		firstHand := false
		for _, e := range r.contacts[target] {
			if e.Contact == candidate {
				firstHand = e.FirstHand
				break
			}
		}
		r.mu.Unlock()
		if firstHand {
			return candidate, true
		}
		return "", false // ContactsFor is rank-ordered: first-hand entries sort before second-hand
	}
	return "", false
}

// CleanupCold removes machine records with no evidence from any source
// within ColdTimeout (spec §3 Lifecycles), returning the removed IDs.
func (r *Registry) CleanupCold(now time.Time) []MachineID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []MachineID
	for id, rec := range r.machines {
		if rec.IsCold(now) {
			delete(r.machines, id)
			delete(r.contacts, id)
			if set, ok := r.peers[rec.Owner]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(r.peers, rec.Owner)
				}
			}
			removed = append(removed, id)
			metricMachinesKnown.Add(context.Background(), -1)
		}
	}
	return removed
}

// Count returns the number of currently tracked machine records.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Snapshot returns a copy of every tracked machine record, cold ones
// included, for optional persistence across restarts (§3.1). Unlike
// Shareable/AllNonCold this is not a wire-protocol view. The copies still
// share the per-destination change-detection maps with the live records;
// SaveStateFile does not write those maps and LoadSnapshot clears them,
// so a restored record starts fresh with every peer on the first
// exchange after reload.
func (r *Registry) Snapshot() []MachineRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]MachineRecord, 0, len(r.machines))
	for _, rec := range r.machines {
		out = append(out, *rec)
	}
	return out
}

// LoadSnapshot repopulates the Registry from records previously returned by
// Snapshot, typically on startup before gossip or keepalive begin. Existing
// records are not cleared first; a record sharing an ID with one already
// present is overwritten. Restored records carry IsFirstHand as false
// regardless of the snapshotted value — first-hand status reflects direct
// contact (invariant 1) and a record loaded from disk has had none yet.
func (r *Registry) LoadSnapshot(records []MachineRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		rec := rec
		rec.IsFirstHand = false
		rec.lastEndpointSentBy = nil
		rec.lastNatClassSentBy = nil
		if _, exists := r.machines[rec.ID]; !exists {
			metricMachinesKnown.Add(context.Background(), 1)
		}
		r.machines[rec.ID] = &rec
		r.indexPeer(rec.Owner, rec.ID)
	}
}

// --- Connection state (spec §3 ConnectionState) ---

// Connection returns a copy of the ConnectionState for target, creating an
// empty (PathNone) one on first access — connection states are created on
// first outbound send per spec §3 Lifecycles.
func (r *Registry) Connection(target MachineID) ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.conns[target]
	if !ok {
		cs = &ConnectionState{Target: target}
		r.conns[target] = cs
	}
	return *cs
}

// SetConnection replaces the stored ConnectionState for its Target.
func (r *Registry) SetConnection(cs ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := cs
	r.conns[cs.Target] = &stored
}

// InvalidateDirect clears any Direct path across all connections, used on
// roaming recovery (spec §4.I).
func (r *Registry) InvalidateDirect(now time.Time) []MachineID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []MachineID
	for id, cs := range r.conns {
		if cs.Kind == PathDirect {
			cs.Kind = PathNone
			cs.Endpoint = NoEndpoint
			affected = append(affected, id)
		}
	}
	return affected
}

// PruneIdleConnections removes ConnectionStates untouched for idleTimeout
// (spec §3 Lifecycles: "torn down when no send occurs for the idle timeout").
func (r *Registry) PruneIdleConnections(idleTimeout time.Duration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cs := range r.conns {
		if now.Sub(cs.LastSuccess) > idleTimeout && cs.LastSuccess.Before(now) && !cs.LastSuccess.IsZero() {
			delete(r.conns, id)
		}
	}
}

// --- Warm relay set (spec §3 WarmRelay) ---

func (r *Registry) WarmRelays() []WarmRelay {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WarmRelay, 0, len(r.warm))
	for _, w := range r.warm {
		out = append(out, *w)
	}
	return out
}

func (r *Registry) SetWarmRelay(w WarmRelay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := w
	r.warm[w.RelayID] = &stored
}

func (r *Registry) RemoveWarmRelay(id MachineID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.warm, id)
}

func (r *Registry) WarmRelayCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.warm)
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

// keyPrefix namespaces relay session keys in a shared Redis instance, for
// operators running multiple relay processes against one cache.
const keyPrefix = "meshcore:relay:session:"

type wireSession struct {
	Peer         string    `json:"peer"`
	NatClass     int       `json:"nat_class"`
	Slot         int       `json:"slot"`
	KeepaliveNs  int64     `json:"keepalive_ns"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	Endpoint     string    `json:"endpoint,omitempty"`
}

// RedisMirror mirrors the Relay Session Table in Redis so a fleet of
// relay processes behind one virtual IP can share registrations (spec
// §2.2). It is a plain key-value mirror, not a pub/sub bus: each process
// still serves its own in-memory table first and only falls back here on
// a local miss.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror wraps an existing go-redis client.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (m *RedisMirror) Save(ctx context.Context, s Session) error {
	ws := wireSession{
		Peer:         string(s.Peer),
		NatClass:     int(s.NatClass),
		Slot:         s.Slot,
		KeepaliveNs:  int64(s.Keepalive),
		RegisteredAt: s.RegisteredAt,
		LastSeen:     s.LastSeen,
	}
	if s.LastEndpoint.Valid {
		ws.Endpoint = s.LastEndpoint.String()
	}

	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("relay: marshal session for %s: %w", s.Peer, err)
	}
	// Mirrored entries outlive an orphaned relay process (one that
	// registered a session but never called Delete) for the same window
	// Session.aged uses locally: 2x the session's own keepalive interval.
	ttl := 2 * s.Keepalive
	if ttl <= 0 {
		ttl = 2 * DefaultKeepaliveInterval
	}
	return m.client.Set(ctx, keyPrefix+string(s.Peer), data, ttl).Err()
}

func (m *RedisMirror) Load(ctx context.Context, peer registry.MachineID) (Session, bool, error) {
	data, err := m.client.Get(ctx, keyPrefix+string(peer)).Bytes()
	if err == redis.Nil {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("relay: load session for %s: %w", peer, err)
	}

	var ws wireSession
	if err := json.Unmarshal(data, &ws); err != nil {
		return Session{}, false, fmt.Errorf("relay: unmarshal session for %s: %w", peer, err)
	}

	s := Session{
		Peer:         registry.MachineID(ws.Peer),
		NatClass:     registry.NatClass(ws.NatClass),
		Slot:         ws.Slot,
		Keepalive:    time.Duration(ws.KeepaliveNs),
		RegisteredAt: ws.RegisteredAt,
		LastSeen:     ws.LastSeen,
	}
	if ws.Endpoint != "" {
		if addr, err := netip.ParseAddrPort(ws.Endpoint); err == nil {
			s.LastEndpoint = registry.NewEndpoint(addr)
		}
	}
	return s, true, nil
}

func (m *RedisMirror) Delete(ctx context.Context, peer registry.MachineID) error {
	return m.client.Del(ctx, keyPrefix+string(peer)).Err()
}

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
)

// DHTBootstrapNodes are well-known BitTorrent Mainline DHT bootstrap
// nodes, used only to join the DHT itself — not mesh-specific.
var DHTBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"dht.libtorrent.org:25401",
}

// AnnounceInterval and QueryInterval pace the DHT rendezvous loop.
const (
	AnnounceInterval = 15 * time.Minute
	QueryInterval    = 30 * time.Second
	lookupTimeout    = 30 * time.Second
)

// DHTDiscovery supplements the static bootstrap list with BitTorrent
// Mainline DHT rendezvous (spec §6, §2.2): nodes sharing the same
// network secret derive the same infohash (pkg/identity) and discover
// each other's endpoints without needing a pre-shared address.
//
// This only yields endpoint hints, never a MachineID — the DHT has no
// concept of mesh identity, only IP:port. Callers probe each discovered
// endpoint (meshcore.Core.ProbeEndpoint) and let the normal wire
// handshake recover the MachineID from whatever reply arrives.
type DHTDiscovery struct {
	server *dht.Server

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDHTDiscovery binds its own UDP socket (distinct from the mesh's
// transport socket, since the DHT protocol and the mesh wire protocol
// are unrelated) and joins the BitTorrent Mainline DHT.
func NewDHTDiscovery() (*DHTDiscovery, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: bind dht socket: %w", err)
	}

	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn

	var nodes []dht.Addr
	for _, raw := range DHTBootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", raw)
		if err != nil {
			slog.Warn("bootstrap: dht bootstrap node unresolved", "node", raw, "error", err)
			continue
		}
		nodes = append(nodes, dht.NewAddr(addr))
	}
	if len(nodes) == 0 {
		conn.Close()
		return nil, fmt.Errorf("bootstrap: no dht bootstrap nodes resolved")
	}
	cfg.StartingNodes = func() ([]dht.Addr, error) { return nodes, nil }

	server, err := dht.NewServer(cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bootstrap: new dht server: %w", err)
	}

	return &DHTDiscovery{server: server, seen: make(map[string]time.Time)}, nil
}

// Close releases the DHT socket.
func (d *DHTDiscovery) Close() error {
	d.server.Close()
	return nil
}

// Announce publishes port under infohash, draining responses until
// lookupTimeout elapses.
func (d *DHTDiscovery) Announce(ctx context.Context, infohash [20]byte, port int) error {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	a, err := d.server.Announce(infohash, port, false)
	if err != nil {
		return fmt.Errorf("bootstrap: dht announce: %w", err)
	}
	defer a.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-a.Peers:
			if !ok {
				return nil
			}
		}
	}
}

// Query looks up infohash and returns the endpoints announced under it,
// leaving out any endpoint this DHTDiscovery already returned within the
// last QueryInterval (mirrors the teacher's markContacted idiom in
// pkg/discovery/dht.go). An endpoint last returned longer ago than that
// is returned again.
func (d *DHTDiscovery) Query(ctx context.Context, infohash [20]byte) ([]netip.AddrPort, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	a, err := d.server.Announce(infohash, 0, false)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: dht query: %w", err)
	}
	defer a.Close()

	var found []netip.AddrPort
	for {
		select {
		case <-ctx.Done():
			return found, nil
		case peers, ok := <-a.Peers:
			if !ok {
				return found, nil
			}
			for _, p := range peers.Peers {
				ip, ok := netip.AddrFromSlice(p.IP)
				if !ok {
					continue
				}
				ep := netip.AddrPortFrom(ip.Unmap(), uint16(p.Port))
				if d.markSeen(ep.String()) {
					found = append(found, ep)
				}
			}
		}
	}
}

func (d *DHTDiscovery) markSeen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[key]; ok && time.Since(last) < QueryInterval {
		return false
	}
	d.seen[key] = time.Now()
	return true
}

// NumNodes reports the DHT routing table size, mostly useful for
// readiness logging.
func (d *DHTDiscovery) NumNodes() int {
	return d.server.NumNodes()
}

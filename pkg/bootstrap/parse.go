// Package bootstrap parses the mesh's static bootstrap-peer strings and,
// when DHT discovery is enabled, supplements them with BitTorrent
// Mainline DHT rendezvous (spec §6).
package bootstrap

import (
	"net"
	"net/netip"
	"strings"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

// ParsePeer splits a "machine_id@host:port" bootstrap string into a
// MachineID and the Endpoint it resolves to, grounded on the teacher's
// parseSecret URI-parsing style (split-then-resolve rather than a full
// grammar, since the format has exactly one separator to find).
func ParsePeer(raw string) (registry.MachineID, registry.Endpoint, bool) {
	idx := strings.LastIndexByte(raw, '@')
	if idx <= 0 || idx == len(raw)-1 {
		return "", registry.NoEndpoint, false
	}
	idPart, hostport := raw[:idx], raw[idx+1:]

	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return "", registry.NoEndpoint, false
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return "", registry.NoEndpoint, false
	}
	ep := registry.NewEndpoint(netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)))
	return registry.MachineID(idPart), ep, true
}

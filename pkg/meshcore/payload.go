package meshcore

import (
	"encoding/json"
	"net/netip"

	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
)

// Sub-payloads for each non-AppData wire.Kind, JSON-encoded into
// wire.Message.Payload. Grounded on the teacher's pkg/discovery/gossip.go
// and pkg/discovery/exchange.go, which marshal their UDP datagram bodies
// with encoding/json rather than a second hand-rolled binary layout.
// AppData carries the application's opaque bytes directly, unwrapped.

type gossipRecord struct {
	MID           string `json:"mid"`
	Owner         string `json:"owner"`
	Endpoint      string `json:"endpoint,omitempty"`
	NatClass      int    `json:"nat_class"`
	FirstHand     bool   `json:"first_hand"`
	CanRelay      bool   `json:"can_relay"`
	CanCoordinate bool   `json:"can_coordinate_punch"`
	Symmetric     bool   `json:"symmetric"`
}

func encodeGossipRecords(infos []registry.MachineEndpointInfo) []gossipRecord {
	out := make([]gossipRecord, 0, len(infos))
	for _, info := range infos {
		gr := gossipRecord{
			MID:           string(info.ID),
			Owner:         string(info.Owner),
			NatClass:      int(info.NatClass),
			FirstHand:     info.IsFirstHand,
			CanRelay:      info.CanRelay,
			CanCoordinate: info.CanCoordinate,
			Symmetric:     info.Symmetric,
		}
		if info.Endpoint.Valid {
			gr.Endpoint = info.Endpoint.String()
		}
		out = append(out, gr)
	}
	return out
}

func decodeGossipRecords(records []gossipRecord) []registry.MachineEndpointInfo {
	out := make([]registry.MachineEndpointInfo, 0, len(records))
	for _, gr := range records {
		info := registry.MachineEndpointInfo{
			ID:            registry.MachineID(gr.MID),
			Owner:         registry.PeerID(gr.Owner),
			NatClass:      registry.NatClass(gr.NatClass),
			IsFirstHand:   gr.FirstHand,
			CanRelay:      gr.CanRelay,
			CanCoordinate: gr.CanCoordinate,
			Symmetric:     gr.Symmetric,
		}
		if gr.Endpoint != "" {
			if addr, err := netip.ParseAddrPort(gr.Endpoint); err == nil {
				info.Endpoint = registry.NewEndpoint(addr)
			}
		}
		out = append(out, info)
	}
	return out
}

type pingPayload struct {
	RequestFullList bool           `json:"request_full_list"`
	Deltas          []gossipRecord `json:"deltas,omitempty"`
	// CanRelay/CanCoordinate/Symmetric are the sender's own self-advertised
	// capability bits (spec §3, spec §4.G), applied to the sender's
	// MachineRecord directly — separate from Deltas, which describe third
	// parties.
	CanRelay      bool `json:"can_relay"`
	CanCoordinate bool `json:"can_coordinate_punch"`
	Symmetric     bool `json:"symmetric"`
}

type pongPayload struct {
	YourEndpoint  string         `json:"your_endpoint,omitempty"`
	Deltas        []gossipRecord `json:"deltas,omitempty"`
	CanRelay      bool           `json:"can_relay"`
	CanCoordinate bool           `json:"can_coordinate_punch"`
	Symmetric     bool           `json:"symmetric"`
}

type holePunchRequestPayload struct {
	Target            string `json:"target"`
	InitiatorEndpoint string `json:"initiator_endpoint,omitempty"`
}

type holePunchExecutePayload struct {
	PeerEndpoint string `json:"peer_endpoint"`
	Simultaneous bool   `json:"simultaneous"`
}

type holePunchResultPayload struct {
	Other   string `json:"other"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type relayRegisterPayload struct {
	NatClass int    `json:"nat_class"`
	Endpoint string `json:"endpoint,omitempty"`
}

type relayRegisterAckPayload struct {
	Slot             int     `json:"assigned_slot"`
	KeepaliveSeconds float64 `json:"keepalive_interval_s"`
}

type relayForwardPayload struct {
	From  string `json:"from,omitempty"`
	Dst   string `json:"dst,omitempty"`
	Inner []byte `json:"inner_bytes"`
}

type relayForwardResultPayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type endpointResponsePayload struct {
	YourEndpoint string `json:"your_endpoint"`
}

func mustEncode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is a plain JSON-safe struct; a marshal
		// failure would mean a programming error, not a runtime condition.
		panic("meshcore: payload marshal: " + err.Error())
	}
	return data
}

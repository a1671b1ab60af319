package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Message{
		Kind:      KindPing,
		SenderPID: PeerID("peer-0x01"),
		SenderMID: MachineID("mid-0xA1"),
		Seq:       42,
		Payload:   []byte("hello"),
	}

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Kind != m.Kind || got.SenderPID != m.SenderPID || got.SenderMID != m.SenderMID || got.Seq != m.Seq {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
	if !bytes.Equal(got.Payload, m.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, m.Payload)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	m := &Message{Kind: KindPing, SenderPID: "a", SenderMID: "b"}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[0] = 2
	if _, err := Decode(data); err == nil {
		t.Fatal("expected error decoding unknown version")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	m := &Message{Kind: KindPing, SenderPID: "a", SenderMID: "b"}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[1] = 99
	if _, err := Decode(data); err == nil {
		t.Fatal("expected error decoding unknown kind")
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	m := &Message{Kind: KindAppData, SenderPID: "peer", SenderMID: "mach", Payload: []byte("payload bytes")}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(data[:len(data)-3]); err == nil {
		t.Fatal("expected error decoding truncated frame")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	m := &Message{Kind: KindAppData, SenderPID: "a", SenderMID: "b", Payload: make([]byte, MaxPayloadLength+1)}
	if _, err := Encode(m); err == nil {
		t.Fatal("expected error encoding oversized payload")
	}
}

func TestEncodeRejectsInvalidKind(t *testing.T) {
	m := &Message{Kind: Kind(200), SenderPID: "a", SenderMID: "b"}
	if _, err := Encode(m); err == nil {
		t.Fatal("expected error encoding invalid kind")
	}
}

func TestKindStringUnknown(t *testing.T) {
	if !strings.Contains(Kind(250).String(), "Kind(250)") {
		t.Fatalf("unexpected String() for unknown kind: %s", Kind(250).String())
	}
}

func TestSelfAddressedDetectedByCaller(t *testing.T) {
	// wire itself has no notion of "self" — the dispatcher compares
	// SenderMID against the local machine identity after Decode. This
	// test just documents that Decode does not special-case it.
	m := &Message{Kind: KindPing, SenderPID: "self", SenderMID: "self-machine"}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SenderPID != "self" {
		t.Fatalf("expected self-addressed frame to decode normally, got %+v", got)
	}
}

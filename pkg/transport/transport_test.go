package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func newLoopback(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(Options{ListenPort: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(tr.Stop)
	tr.Start(context.Background())
	return tr
}

func TestSendReceiveRoundTrip(t *testing.T) {
	a := newLoopback(t)
	b := newLoopback(t)

	dst := *a.LocalAddr()
	dst.IP = net.ParseIP("127.0.0.1")
	b.Send(dst, []byte("hello"))

	select {
	case pkt := <-a.Packets():
		if string(pkt.Data) != "hello" {
			t.Fatalf("got %q, want %q", pkt.Data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestOversizedPacketDropped(t *testing.T) {
	a := newLoopback(t)
	b := newLoopback(t)

	dst := *a.LocalAddr()
	dst.IP = net.ParseIP("127.0.0.1")

	// Write an oversized packet directly on the underlying socket first
	// (Send() itself refuses to emit oversized frames, so we bypass it to
	// exercise the receiver's own size cap), then a valid small one: the
	// first packet delivered must be the small one.
	big := make([]byte, MaxPacketSize+1)
	b.conn.WriteToUDP(big, &dst)
	b.Send(dst, []byte("ok"))

	select {
	case pkt := <-a.Packets():
		if string(pkt.Data) != "ok" {
			t.Fatalf("expected oversized packet to be dropped, got %q", pkt.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestRateLimiting(t *testing.T) {
	tr, err := New(Options{ListenPort: 0, RateLimitPPS: 5, RateLimitBurst: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(tr.Stop)
	tr.Start(context.Background())

	sender, err := New(Options{ListenPort: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(sender.Stop)
	sender.Start(context.Background())

	dst := *tr.LocalAddr()
	dst.IP = net.ParseIP("127.0.0.1")

	const flood = 20
	for i := 0; i < flood; i++ {
		sender.Send(dst, []byte("x"))
	}

	received := 0
	timeout := time.After(1 * time.Second)
drain:
	for {
		select {
		case <-tr.Packets():
			received++
		case <-timeout:
			break drain
		}
	}

	if received >= flood {
		t.Fatalf("expected rate limiting to drop some packets, received all %d", received)
	}
	if received == 0 {
		t.Fatal("expected burst to allow at least one packet through")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tr, err := New(Options{ListenPort: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.Start(context.Background())
	tr.Stop()
	tr.Stop()
}

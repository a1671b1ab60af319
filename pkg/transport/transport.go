// Package transport owns the single UDP socket the mesh core speaks on.
// It enforces the per-source rate limit and the 1400-byte size cap from
// spec §4.A and hands decoded-free raw frames to the caller over a
// channel; wire decoding happens one level up so transport stays ignorant
// of the mesh protocol.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/atvirokodosprendimai/meshcore/pkg/ratelimit"
)

// MaxPacketSize matches wire.MaxPacketSize; duplicated here (rather than
// imported) so transport has no dependency on the codec package.
const MaxPacketSize = 1400

var tracer = otel.Tracer("meshcore.transport")
var meter = otel.Meter("meshcore.transport")

var (
	metricPacketsRecv    metric.Int64Counter
	metricPacketsDropped metric.Int64Counter
	metricSendFailures   metric.Int64Counter
)

func init() {
	var err error
	metricPacketsRecv, err = meter.Int64Counter("meshcore.transport.packets_received",
		metric.WithDescription("UDP datagrams accepted past the rate limiter and size cap"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
	metricPacketsDropped, err = meter.Int64Counter("meshcore.transport.packets_dropped",
		metric.WithDescription("UDP datagrams dropped (rate limited or oversized)"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
	metricSendFailures, err = meter.Int64Counter("meshcore.transport.send_failures",
		metric.WithDescription("Outbound sendto failures, recovered locally"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

// DropReason classifies why an inbound datagram never reached a caller.
type DropReason string

const (
	DropRateLimited DropReason = "rate-limited"
	DropOversized   DropReason = "oversized"
)

// Packet is one received datagram and the endpoint it arrived from.
type Packet struct {
	Source net.UDPAddr
	Data   []byte
}

// Transport owns one UDP socket.
type Transport struct {
	conn    *net.UDPConn
	limiter *ratelimit.IPRateLimiter

	packets chan Packet

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// fatal is set and fatalCh closed when a socket-level error is
	// unrecoverable; Fatal exposes both. pkg/meshcore does not watch them,
	// so a fatal socket error does not move the Core to a stopped state.
	fatalMu sync.Mutex
	fatal   error
	fatalCh chan struct{}
}

// Options configures a Transport.
type Options struct {
	// ListenPort is the local UDP port to bind. 0 means OS-assigned.
	ListenPort int
	// RateLimitPPS and RateLimitBurst override ratelimit defaults. Zero
	// values fall back to ratelimit.DefaultRate / ratelimit.DefaultBurst.
	RateLimitPPS   int
	RateLimitBurst int
}

// New binds a UDP socket per opts and returns a Transport ready to Start.
func New(opts Options) (*Transport, error) {
	addr := &net.UDPAddr{Port: opts.ListenPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind UDP port %d: %w", opts.ListenPort, err)
	}

	rate := float64(opts.RateLimitPPS)
	burst := float64(opts.RateLimitBurst)
	if rate <= 0 {
		rate = ratelimit.DefaultRate
	}
	if burst <= 0 {
		burst = ratelimit.DefaultBurst
	}

	return &Transport{
		conn:    conn,
		limiter: ratelimit.New(rate, burst, ratelimit.DefaultMaxIPs),
		packets: make(chan Packet, 256),
		stopCh:  make(chan struct{}),
		fatalCh: make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound local address (useful when ListenPort was 0).
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Start begins the receive loop. It must be called at most once.
func (t *Transport) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receiveLoop(ctx)
}

// Packets returns the channel of accepted inbound datagrams.
func (t *Transport) Packets() <-chan Packet {
	return t.packets
}

// Fatal returns a channel closed when the socket has failed unrecoverably,
// and the error that caused it (valid only after the channel is closed).
func (t *Transport) Fatal() (<-chan struct{}, func() error) {
	return t.fatalCh, func() error {
		t.fatalMu.Lock()
		defer t.fatalMu.Unlock()
		return t.fatal
	}
}

func (t *Transport) setFatal(err error) {
	t.fatalMu.Lock()
	defer t.fatalMu.Unlock()
	if t.fatal != nil {
		return
	}
	t.fatal = err
	close(t.fatalCh)
}

func (t *Transport) receiveLoop(ctx context.Context) {
	defer t.wg.Done()
	defer close(t.packets)

	buf := make([]byte, 65536)
	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.stopCh:
				return
			default:
			}
			// A closed-by-us socket also lands here; only treat genuinely
			// unexpected errors as fatal.
			slog.Error("transport: fatal receive error", "error", err)
			t.setFatal(err)
			return
		}

		if n > MaxPacketSize {
			metricPacketsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(DropOversized))))
			continue
		}
		if !t.limiter.Allow(addr.String()) {
			metricPacketsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(DropRateLimited))))
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		metricPacketsRecv.Add(ctx, 1)

		select {
		case t.packets <- Packet{Source: *addr, Data: data}:
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Send writes bytes to endpoint. Transient send failures are logged and
// recovered locally; they never propagate to the caller (spec §4.A).
func (t *Transport) Send(endpoint net.UDPAddr, data []byte) {
	if len(data) > MaxPacketSize {
		slog.Warn("transport: refusing to send oversized frame", "size", len(data))
		return
	}
	_, span := tracer.Start(context.Background(), "transport.send")
	defer span.End()

	if _, err := t.conn.WriteToUDP(data, &endpoint); err != nil {
		metricSendFailures.Add(context.Background(), 1)
		slog.Warn("transport: send failed", "endpoint", endpoint.String(), "error", err)
	}
}

// Stop closes the socket and waits for the receive loop to exit. Idempotent.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	t.conn.Close()
	t.wg.Wait()
}

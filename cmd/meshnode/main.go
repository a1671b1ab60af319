// meshnode is a thin CLI wrapper around pkg/meshcore: it starts a Core,
// echoes received application payloads to stdout, and reads payloads to
// send from stdin as newline-delimited "peer_id message" pairs.
//
// Usage:
//
//	meshnode -peer-id alice -machine-id alice-laptop -listen 51900 \
//	    -bootstrap bob-machine@203.0.113.5:51900
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atvirokodosprendimai/meshcore/pkg/meshcore"
	"github.com/atvirokodosprendimai/meshcore/pkg/registry"
	"github.com/atvirokodosprendimai/meshcore/pkg/telemetry"
)

type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	peerID := flag.String("peer-id", "", "this node's peer identity (required)")
	machineID := flag.String("machine-id", "", "this node's machine identity (defaults to hostname)")
	listenPort := flag.Int("listen", 0, "UDP listen port (0 picks an ephemeral port)")
	promptSecretFlag := flag.Bool("prompt-secret", false, "prompt for a network secret on stdin without echoing it")
	secretFlag := flag.String("secret", "", "network secret (prefer -prompt-secret over passing this on the command line)")
	enableDHT := flag.Bool("dht", false, "supplement bootstrap peers with BitTorrent DHT rendezvous")
	enableStemRelay := flag.Bool("stem-relay", false, "route proactive gossip through a dandelion-style stem phase before fluffing")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")

	var bootstrapPeers stringSlice
	flag.Var(&bootstrapPeers, "bootstrap", "machine_id@host:port of a bootstrap peer (repeatable)")
	flag.Parse()

	setupLogging(*logLevel)

	if *peerID == "" {
		fmt.Fprintln(os.Stderr, "meshnode: -peer-id is required")
		os.Exit(2)
	}
	mid := *machineID
	if mid == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "meshnode-unknown"
		}
		mid = h
	}

	secret := *secretFlag
	if *promptSecretFlag {
		s, err := promptSecret("network secret: ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshnode: %v\n", err)
			os.Exit(1)
		}
		secret = s
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, "meshnode", "dev")
	if err != nil {
		slog.Warn("meshnode: telemetry init failed, continuing without it", "error", err)
	}
	defer shutdownTelemetry(context.Background())

	core := meshcore.New(meshcore.Config{
		LocalPeerID:     registry.PeerID(*peerID),
		LocalMachineID:  registry.MachineID(mid),
		ListenPort:      *listenPort,
		BootstrapPeers:  bootstrapPeers,
		NetworkSecret:   secret,
		EnableDHT:       *enableDHT,
		EnableStemRelay: *enableStemRelay,
	})

	core.SetMessageHandler(func(from registry.PeerID, bytes []byte) {
		fmt.Printf("%s: %s\n", from, bytes)
	})

	if err := core.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: start failed: %v\n", err)
		os.Exit(1)
	}
	defer core.Stop()

	slog.Info("meshnode: running", "peer_id", *peerID, "machine_id", mid)
	go readStdinAndSend(core)

	<-ctx.Done()
	slog.Info("meshnode: shutting down")
}

// readStdinAndSend parses "peer_id message text" lines from stdin and
// sends the remainder as an application payload to that peer.
func readStdinAndSend(core *meshcore.Core) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			fmt.Fprintln(os.Stderr, "meshnode: expected \"peer_id message\"")
			continue
		}
		outcome, err := core.Send(registry.PeerID(parts[0]), []byte(parts[1]))
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshnode: send failed: %v\n", err)
			continue
		}
		slog.Debug("meshnode: sent", "to", parts[0], "outcome", outcome)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

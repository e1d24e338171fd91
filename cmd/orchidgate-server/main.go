// Command orchidgate-server runs the gateway's signaling HTTP endpoint:
// clients POST an SDP offer to establish a WebRTC session and, over its
// secure data channel, multiplex UDP forwarding and further outgoing
// WebRTC connections through this process.
//
// Usage:
//
//	orchidgate-server --rendezvous-port 8080 --ice-stun-server stun:stun.l.google.com:19302
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orchidgate/orchidgate/internal/config"
	"github.com/orchidgate/orchidgate/internal/identity"
	"github.com/orchidgate/orchidgate/internal/metrics"
	"github.com/orchidgate/orchidgate/internal/node"
	"github.com/orchidgate/orchidgate/internal/rtcpeer"
	"github.com/orchidgate/orchidgate/internal/signaling"
)

func main() {
	help := flag.Bool("help", false, "print synopsis and exit")
	port := flag.Uint("rendezvous-port", uint(config.DefaultRendezvousPort), "port to listen for signaling requests on, on 0.0.0.0")
	stunServer := flag.String("ice-stun-server", config.DefaultICEStunServer, "STUN server URL advertised to every peer connection spawned")
	flag.Parse()

	if *help {
		fmt.Fprintln(os.Stderr, "orchidgate-server: the P2P overlay gateway's signaling and dispatch core")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg := config.Config{RendezvousPort: uint16(*port), ICEStunServer: *stunServer}
	cfg, err := config.LoadEnv(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchidgate-server:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	local, err := identity.GenerateKeyPair()
	if err != nil {
		logger.Error("generating server identity", "error", err)
		os.Exit(1)
	}
	logger.Info("server identity", "common", local.Common().String())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ice := rtcpeer.ICEConfig{STUNURLs: []string{cfg.ICEStunServer}}
	n := node.New(local, ice, logger, m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", signaling.New(n, logger))

	srv := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", cfg.RendezvousPort),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := srv.Close(); err != nil {
			logger.Error("server close", "error", err)
		}
	}()

	logger.Info("orchidgate-server listening", "addr", srv.Addr, "ice-stun-server", cfg.ICEStunServer)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

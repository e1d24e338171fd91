// Package channeladapter wraps the inbound WebRTC peer connection the
// server answers for each client. A client reaches the gateway by POSTing
// an SDP offer to the signaling endpoint; the node spins up one Incoming
// per offer, synchronously produces the answer SDP (the one-shot HTTP
// signaling exchange has no channel for ICE trickle), and hands the
// resulting data channel off to whatever takes over session security —
// see internal/securesess.
package channeladapter

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/orchidgate/orchidgate/internal/rtcpeer"
)

// DataChannelLabel is the label expected on the client's data channel.
// Unlike a bulk tunnel payload, this channel carries the framed command
// protocol itself, so it is left at pion's default (ordered, reliable)
// delivery: a dropped or reordered command frame is not an acceptable
// trade for lower latency.
const DataChannelLabel = "orchidgate"

// Incoming is a server-answered PeerConnection. The node keeps it
// reachable (via the identity-verified callback closure its secure
// session retains) until the secure transport on its one data channel
// stops.
type Incoming struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	closed bool
}

// New creates a fresh answerer PeerConnection. onChannel fires once, from
// pion's callback goroutine, as soon as the client's data channel arrives
// — callers should not block in it.
func New(cfg rtcpeer.ICEConfig, logger *slog.Logger, onChannel func(*webrtc.DataChannel)) (*Incoming, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rtcConfig := webrtc.Configuration{ICEServers: stunServers(cfg)}
	if cfg.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := webrtc.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("channeladapter: creating peer connection: %w", err)
	}

	in := &Incoming{
		log: logger.With("component", "incoming"),
		pc:  pc,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			in.log.Debug("ICE candidate gathered", "candidate", c.String())
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		in.log.Info("client data channel received", "label", dc.Label())
		in.mu.Lock()
		in.dc = dc
		in.mu.Unlock()
		if onChannel != nil {
			onChannel(dc)
		}
	})

	return in, nil
}

// Answer sets the client's offer as the remote description, creates the
// local answer, waits for ICE gathering to finish so every candidate is
// embedded, and returns the final SDP.
func (in *Incoming) Answer(offer string) (string, error) {
	if err := in.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("channeladapter: setting remote offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(in.pc)

	answer, err := in.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("channeladapter: creating answer: %w", err)
	}
	if err := in.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("channeladapter: setting local description: %w", err)
	}

	<-gatherComplete

	return in.pc.LocalDescription().SDP, nil
}

// Close tears down the peer connection. Safe to call multiple times.
func (in *Incoming) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	dc := in.dc
	in.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			in.log.Warn("closing client data channel", "error", err)
		}
	}
	return in.pc.Close()
}

func stunServers(cfg rtcpeer.ICEConfig) []webrtc.ICEServer {
	if len(cfg.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: cfg.STUNURLs}}
}

// Package rtcpeer implements the outgoing sub-connection: a WebRTC peer
// connection the server itself initiates on a client's behalf, driven
// entirely by commands the client sends over its own secure session (see
// internal/space's EstablishTag/OfferTag/NegotiateTag/ChannelTag/
// FinishTag/CancelTag handling). It adapts the inbound-peer wiring
// elsewhere in this codebase (ICE candidate logging, data channel
// lifecycle callbacks, graceful Close) to an outbound-only connection
// that never accepts a remote-created channel.
package rtcpeer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/pion/webrtc/v4"
)

// NegotiationError is raised when Negotiate's ICE connection attempt
// fails rather than connects.
type NegotiationError struct {
	State webrtc.ICEConnectionState
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("rtcpeer: ICE negotiation failed: connection entered %s state", e.State)
}

// ICEConfig carries the STUN/TURN configuration for every peer connection
// the server spawns, whether inbound (answering a client's offer) or
// outbound (an OutgoingConnection).
type ICEConfig struct {
	// STUNURLs lists the STUN/TURN server URLs advertised to pion, e.g.
	// "stun:stun.l.google.com:19302".
	STUNURLs []string

	// ForceRelay restricts ICE candidate gathering to relay candidates
	// only, useful for testing behind strict NATs.
	ForceRelay bool
}

func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	if len(c.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.STUNURLs}}
}

type state int

const (
	stateFresh state = iota
	stateOffered
	stateNegotiated
	stateChanneled
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateFresh:
		return "fresh"
	case stateOffered:
		return "offered"
	case stateNegotiated:
		return "negotiated"
	case stateChanneled:
		return "channeled"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OutgoingConnection drives the state machine
// fresh --Offer--> offered --Negotiate--> negotiated --Channel--> channeled --Close--> closed.
// Cancel (modeled as Close) is valid from any non-closed state.
type OutgoingConnection struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu    sync.Mutex
	state state
	dc    *webrtc.DataChannel

	connected     chan struct{}
	connectedOnce sync.Once
	negFailed     chan webrtc.ICEConnectionState
	stopOnce      sync.Once

	// exit is the process-termination hook Stop calls for a post-negotiation
	// failure. Overridable in tests; defaults to os.Exit.
	exit func(int)
}

// New creates a fresh OutgoingConnection. It does not yet touch the
// network; call Offer to begin the handshake.
func New(cfg ICEConfig, logger *slog.Logger) (*OutgoingConnection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rtcConfig := webrtc.Configuration{ICEServers: cfg.pionICEServers()}
	if cfg.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := webrtc.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("rtcpeer: creating peer connection: %w", err)
	}

	o := &OutgoingConnection{
		log:       logger.With("component", "outgoing"),
		pc:        pc,
		state:     stateFresh,
		connected: make(chan struct{}),
		negFailed: make(chan webrtc.ICEConnectionState, 1),
		exit:      os.Exit,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			o.log.Debug("ICE candidate gathered", "candidate", c.String())
		}
	})

	// Registered once, for the connection's whole life: during Offer/Negotiate
	// it feeds the Connected/Failed channels Negotiate waits on; once
	// negotiated, a later Failed/Closed/Disconnected transition is a
	// post-negotiation transport failure and escalates via Stop.
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		o.log.Debug("ICE connection state changed", "state", s)
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			o.connectedOnce.Do(func() { close(o.connected) })
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed, webrtc.ICEConnectionStateDisconnected:
			o.mu.Lock()
			postNegotiation := o.state == stateNegotiated || o.state == stateChanneled
			o.mu.Unlock()
			if postNegotiation {
				o.Stop(&NegotiationError{State: s})
				return
			}
			select {
			case o.negFailed <- s:
			default:
			}
		}
	})

	// An outgoing connection is driven entirely by the server; it never
	// accepts a channel the remote side pushes.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		o.log.Warn("ignoring unexpected remote-initiated data channel", "label", dc.Label())
	})

	return o, nil
}

// Offer creates the local SDP offer, sets it as the local description,
// waits for ICE gathering to complete, and returns the final SDP with all
// gathered candidates embedded.
func (o *OutgoingConnection) Offer(ctx context.Context) (string, error) {
	if err := o.requireState(stateFresh); err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(o.pc)

	offer, err := o.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("rtcpeer: creating offer: %w", err)
	}
	if err := o.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("rtcpeer: setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	o.mu.Lock()
	o.state = stateOffered
	o.mu.Unlock()

	return o.pc.LocalDescription().SDP, nil
}

// Negotiate sets the remote answer and waits for the ICE connection to
// reach the connected state. It returns a *NegotiationError if the ICE
// connection instead fails or closes.
func (o *OutgoingConnection) Negotiate(ctx context.Context, answer string) error {
	if err := o.requireState(stateOffered); err != nil {
		return err
	}

	if err := o.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("rtcpeer: setting remote description: %w", err)
	}

	select {
	case <-o.connected:
		o.mu.Lock()
		o.state = stateNegotiated
		o.mu.Unlock()
		return nil
	case s := <-o.negFailed:
		return &NegotiationError{State: s}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel creates the in-band data channel that will later be wrapped as
// an Output<DataChannel> by the space. The channel is ordered and
// reliable by default, like the client's inbound command channel: traffic
// tunneled over an outgoing's channel may itself be a reliable protocol
// the client expects not to reorder.
func (o *OutgoingConnection) Channel(label string) (*webrtc.DataChannel, error) {
	if err := o.requireState(stateNegotiated); err != nil {
		return nil, err
	}

	dc, err := o.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("rtcpeer: creating data channel: %w", err)
	}

	o.mu.Lock()
	o.dc = dc
	o.state = stateChanneled
	o.mu.Unlock()

	return dc, nil
}

// AwaitOpen blocks until the channel created by Channel has opened.
// FinishTag does not call it: the space waits through the channel's
// Output instead (output.ChannelInner.AwaitOpen).
func (o *OutgoingConnection) AwaitOpen(ctx context.Context) error {
	o.mu.Lock()
	dc := o.dc
	st := o.state
	o.mu.Unlock()

	if dc == nil || st != stateChanneled {
		return fmt.Errorf("rtcpeer: AwaitOpen called before Channel completed")
	}
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		return nil
	}

	opened := make(chan struct{})
	dc.OnOpen(func() {
		select {
		case <-opened:
		default:
			close(opened)
		}
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		return nil
	}

	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DataChannel returns the channel created by Channel, or nil.
func (o *OutgoingConnection) DataChannel() *webrtc.DataChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dc
}

// Land is a no-op: an outgoing connection never accepts a server-pushed
// channel from itself, only ones it creates via Channel.
func (o *OutgoingConnection) Land(*webrtc.DataChannel) {}

// Stop escalates an unrecoverable outgoing transport failure to process
// termination. Outgoing failures are treated as unrecoverable in this
// release; there is no supervisor to restart a half-torn-down gateway.
func (o *OutgoingConnection) Stop(err error) {
	o.stopOnce.Do(func() {
		o.log.Error("outgoing connection failed fatally", "error", err)
		_ = o.Close()
		o.exit(1)
	})
}

// Close tears the connection down. Safe to call multiple times and valid
// from any non-closed state (this is also how CancelTag is implemented
// at the space layer: drop the map entry, then Close).
func (o *OutgoingConnection) Close() error {
	o.mu.Lock()
	if o.state == stateClosed {
		o.mu.Unlock()
		return nil
	}
	o.state = stateClosed
	dc := o.dc
	o.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			o.log.Warn("closing outgoing data channel", "error", err)
		}
	}
	return o.pc.Close()
}

func (o *OutgoingConnection) requireState(want state) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != want {
		return fmt.Errorf("rtcpeer: operation invalid in state %s, want %s", o.state, want)
	}
	return nil
}

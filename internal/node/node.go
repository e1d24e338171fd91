// Package node implements the process-wide registry that binds peer
// identities to spaces and answers fresh signaling offers: the Ship and
// Back collaborators internal/conduit and internal/space depend on.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"weak"

	"github.com/pion/webrtc/v4"

	"github.com/orchidgate/orchidgate/internal/channeladapter"
	"github.com/orchidgate/orchidgate/internal/conduit"
	"github.com/orchidgate/orchidgate/internal/identity"
	"github.com/orchidgate/orchidgate/internal/rtcpeer"
	"github.com/orchidgate/orchidgate/internal/securesess"
	"github.com/orchidgate/orchidgate/internal/space"
)

// Metrics is the node-level observability hook, extending space.Metrics
// with the one gauge a Node itself is responsible for. A nil Metrics is
// valid.
type Metrics interface {
	space.Metrics
	SpacesChanged(delta int)
}

// Node is the process-wide space registry. Find is the Ship a Conduit
// calls once its secure session verifies a peer; Respond is the Back a
// Space calls to answer an AnswerTag, and is also what the signaling HTTP
// handler calls for the first offer of a connection.
type Node struct {
	log     *slog.Logger
	local   identity.KeyPair
	ice     rtcpeer.ICEConfig
	metrics Metrics

	mu     sync.Mutex
	spaces map[identity.Common]weak.Pointer[space.Space]
}

// New creates an empty registry. local is the identity this process
// signs its end of every secure-session handshake with.
func New(local identity.KeyPair, ice rtcpeer.ICEConfig, logger *slog.Logger, metrics Metrics) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		log:     logger.With("component", "node"),
		local:   local,
		ice:     ice,
		metrics: metrics,
		spaces:  make(map[identity.Common]weak.Pointer[space.Space]),
	}
}

// Find returns the space for common, creating one if none exists or the
// existing entry's weak pointer has expired. Implements conduit.Ship.
func (n *Node) Find(common identity.Common) *space.Space {
	n.mu.Lock()
	defer n.mu.Unlock()

	if wp, ok := n.spaces[common]; ok {
		if sp := wp.Value(); sp != nil {
			return sp
		}
	}

	sp := space.New(common, n.ice, n, n.log, n.metrics)
	n.spaces[common] = weak.Make(sp)
	if n.metrics != nil {
		n.metrics.SpacesChanged(1)
	}
	n.log.Info("space created", "common", common.String())
	return sp
}

// Respond instantiates a fresh incoming peer connection seeded with this
// node, synchronously produces an answer SDP, and returns it. The
// incoming connection's own secure session keeps it reachable — via the
// identity-verified callback's closure — until that session stops;
// Respond itself never blocks on the handshake completing.
func (n *Node) Respond(ctx context.Context, offer string) (string, error) {
	var in *channeladapter.Incoming

	onChannel := func(dc *webrtc.DataChannel) {
		sess := securesess.Wrap(dc, n.local, n.log, func(common identity.Common) {
			// Capturing in here keeps the incoming peer connection (and
			// the closures pion holds on it) reachable for as long as
			// this handshake-verified callback — retained by sess for
			// the session's lifetime — is reachable.
			_ = in
			cnd := conduit.New(sess, n, n.log)
			cnd.OnVerified(common)
		})
	}

	var err error
	in, err = channeladapter.New(n.ice, n.log, onChannel)
	if err != nil {
		return "", fmt.Errorf("node: creating incoming connection: %w", err)
	}

	type answerResult struct {
		sdp string
		err error
	}
	done := make(chan answerResult, 1)
	go func() {
		sdp, err := in.Answer(offer)
		done <- answerResult{sdp: sdp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			_ = in.Close()
			return "", fmt.Errorf("node: answering offer: %w", r.err)
		}
		return r.sdp, nil
	case <-ctx.Done():
		_ = in.Close()
		return "", fmt.Errorf("node: answering offer: %w", ctx.Err())
	}
}

var _ conduit.Ship = (*Node)(nil)
var _ space.Back = (*Node)(nil)

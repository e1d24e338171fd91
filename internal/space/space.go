// Package space implements the per-client multiplexer and command
// dispatcher that is the heart of orchidgate: it owns the map of outputs
// and outgoing connections, interprets framed commands arriving over a
// client's secure session, enforces the error-wrapping policy, and
// maintains the advisory balance counter.
package space

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/orchidgate/orchidgate/internal/buffer"
	"github.com/orchidgate/orchidgate/internal/identity"
	"github.com/orchidgate/orchidgate/internal/output"
	"github.com/orchidgate/orchidgate/internal/rtcpeer"
	"github.com/orchidgate/orchidgate/internal/sdpfilter"
	"github.com/orchidgate/orchidgate/internal/wire"
)

// ConduitPipe is the narrow view of a Conduit a Space needs: somewhere
// to forward outbound frames. It is non-owning — a Space never creates
// or closes its conduit, only references whichever one last Associated.
type ConduitPipe interface {
	Send(ctx context.Context, data buffer.Buffer) error
}

// Back answers a signaling offer by spinning up a fresh incoming peer
// connection, the AnswerTag collaborator.
type Back interface {
	Respond(ctx context.Context, offer string) (answer string, err error)
}

// Metrics is the narrow, optional observability hook a Space reports
// through. A nil Metrics is valid; every method is called only when
// non-nil.
type Metrics interface {
	SetBalance(common identity.Common, balance int64)
	AddBilled(n int64)
	OutputsChanged(delta int)
	OutgoingChanged(delta int)
}

// Space is a per-client multiplexer: simultaneously a pipe (Send forwards
// to the attached conduit and bills one unit) and a drain (Land schedules
// a background dispatch of a command frame).
type Space struct {
	log     *slog.Logger
	common  identity.Common
	ice     rtcpeer.ICEConfig
	back    Back
	metrics Metrics

	mu       sync.Mutex
	input    ConduitPipe
	outputs  map[wire.Tag]outputHandle
	outgoing map[wire.Tag]*rtcpeer.OutgoingConnection
	balance  int64
}

// outputHandle is what Space stores per output tag: enough to forward
// outbound sends and to shut it down, regardless of which inner type (UDP
// socket or data channel) backs it.
type outputHandle interface {
	Send(ctx context.Context, data buffer.Buffer) error
	Shut(ctx context.Context) error
	AwaitOpen(ctx context.Context) error
}

// New creates an empty space for the given identity. It is not reachable
// from anywhere until a Node inserts it into its registry.
func New(common identity.Common, ice rtcpeer.ICEConfig, back Back, logger *slog.Logger, metrics Metrics) *Space {
	if logger == nil {
		logger = slog.Default()
	}
	return &Space{
		log:      logger.With("component", "space", "common", common.String()),
		common:   common,
		ice:      ice,
		back:     back,
		metrics:  metrics,
		outputs:  make(map[wire.Tag]outputHandle),
		outgoing: make(map[wire.Tag]*rtcpeer.OutgoingConnection),
	}
}

// Bill subtracts n from the balance. The counter is advisory: it is
// allowed to go negative and nothing in this package enforces a ceiling.
func (s *Space) Bill(n int64) {
	s.mu.Lock()
	s.balance -= n
	bal := s.balance
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetBalance(s.common, bal)
		s.metrics.AddBilled(n)
	}
}

// Balance returns the current advisory balance.
func (s *Space) Balance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// Associate attaches input as the currently active conduit. input is a
// non-owning reference: the Space never closes it.
func (s *Space) Associate(input ConduitPipe) {
	s.mu.Lock()
	s.input = input
	s.mu.Unlock()
}

// Dissociate clears input if it is still the currently attached conduit.
// Calling it with a stale conduit (one that has already been replaced) is
// a no-op.
func (s *Space) Dissociate(input ConduitPipe) {
	s.mu.Lock()
	if s.input == input {
		s.input = nil
	}
	s.mu.Unlock()
}

// Send forwards data to the attached conduit, billing one unit. It fails
// if no conduit is currently associated.
func (s *Space) Send(ctx context.Context, data buffer.Buffer) error {
	s.mu.Lock()
	input := s.input
	s.mu.Unlock()

	if input == nil {
		return fmt.Errorf("space: no conduit attached")
	}
	s.Bill(1)
	return input.Send(ctx, data)
}

// Land is the Drain half a Conduit calls when it receives a frame from
// the client. It never blocks the caller: dispatch runs on its own
// goroutine.
func (s *Space) Land(data buffer.Buffer) {
	go s.Call(context.Background(), data)
}

// Stop tears the space's outputs and outgoing connections down. It is
// called when the attached conduit's secure transport fails.
func (s *Space) Stop(err error) {
	s.log.Warn("conduit stopped, tearing down space", "error", err)
	s.teardown()
}

// Deliver is the output.Sink half: an Output calls it when its inner
// forwarder has produced bytes. It bills one unit for the landing, then
// bills a second unit (via Send) for the resulting outbound frame to the
// client, tagged so the client can demultiplex it.
func (s *Space) Deliver(ctx context.Context, tag wire.Tag, data buffer.Buffer) error {
	s.Bill(1)
	return s.Send(ctx, buffer.Cat(buffer.Wrap(tag[:]), data))
}

// OutputFailed removes tag's output from the map. Called by an Output
// when its inner has failed irrecoverably.
func (s *Space) OutputFailed(tag wire.Tag, err error) {
	s.log.Warn("output failed", "tag", tag.String(), "error", err)
	s.removeOutput(tag)
}

func (s *Space) removeOutput(tag wire.Tag) {
	s.mu.Lock()
	_, existed := s.outputs[tag]
	delete(s.outputs, tag)
	s.mu.Unlock()
	if existed && s.metrics != nil {
		s.metrics.OutputsChanged(-1)
	}
}

func (s *Space) addOutput(tag wire.Tag, h outputHandle) error {
	s.mu.Lock()
	if _, exists := s.outputs[tag]; exists {
		s.mu.Unlock()
		return &DuplicateEntryError{Tag: tag.String()}
	}
	s.outputs[tag] = h
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.OutputsChanged(1)
	}
	return nil
}

// teardown shuts every output (in map iteration order; Go gives no
// stronger ordering guarantee than that) and drops every outgoing
// connection.
func (s *Space) teardown() {
	s.mu.Lock()
	outputs := make([]outputHandle, 0, len(s.outputs))
	for _, h := range s.outputs {
		outputs = append(outputs, h)
	}
	s.outputs = make(map[wire.Tag]outputHandle)
	outgoing := make([]*rtcpeer.OutgoingConnection, 0, len(s.outgoing))
	for _, o := range s.outgoing {
		outgoing = append(outgoing, o)
	}
	s.outgoing = make(map[wire.Tag]*rtcpeer.OutgoingConnection)
	s.mu.Unlock()

	ctx := context.Background()
	for _, h := range outputs {
		if err := h.Shut(ctx); err != nil {
			s.log.Warn("shutting down output during teardown", "error", err)
		}
	}
	for _, o := range outgoing {
		if err := o.Close(); err != nil {
			s.log.Warn("closing outgoing connection during teardown", "error", err)
		}
	}
}

// Call is the outer dispatcher: it bills the frame, splits nonce||body,
// and either routes the body straight to a live output (nonce shadowing)
// or interprets body as a command.
func (s *Space) Call(ctx context.Context, frame buffer.Buffer) {
	s.Bill(1)

	nonce, rest, err := wire.ParseFrame(frame)
	if err != nil {
		s.log.Error("malformed frame, tearing down", "error", err)
		s.teardown()
		return
	}

	s.mu.Lock()
	out, isOutput := s.outputs[nonce]
	s.mu.Unlock()

	if isOutput {
		s.Bill(1)
		if err := out.Send(ctx, rest); err != nil {
			s.OutputFailed(nonce, err)
		}
		return
	}

	w := buffer.NewWindow(rest)
	reply, err := s.dispatch(ctx, w)
	if err != nil {
		var fe *fatalError
		if asFatal(err, &fe) {
			s.log.Error("fatal dispatch error, tearing down", "error", fe.err)
			s.teardown()
			return
		}
		if sendErr := s.Send(ctx, wire.ErrorReply(nonce, err.Error())); sendErr != nil {
			s.log.Error("sending error reply", "error", sendErr)
		}
		return
	}
	if reply == nil {
		return // DiscardTag: no reply at all
	}
	if err := s.Send(ctx, wire.Reply(nonce, reply)); err != nil {
		s.log.Error("sending reply", "error", err)
	}
}

func asFatal(err error, target **fatalError) bool {
	for err != nil {
		if fe, ok := err.(*fatalError); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// dispatch interprets one command_tag||args from w, consuming exactly
// the bytes that command's arguments occupy (or, for the variable-length
// tail commands, the remainder of w). A nil, non-error reply means
// "swallow, no reply at all" (DiscardTag); a non-nil empty reply means
// "reply with an empty payload".
func (s *Space) dispatch(ctx context.Context, w *buffer.Window) (buffer.Buffer, error) {
	rawCmd, err := w.TakeTag()
	if err != nil {
		return nil, err
	}
	cmd := wire.Tag(rawCmd)

	switch cmd {
	case wire.BatchTag:
		return s.dispatchBatch(ctx, w)

	case wire.DiscardTag:
		return nil, nil

	case wire.CloseTag:
		return s.handleClose(ctx, w)

	case wire.ConnectTag:
		return s.handleConnect(ctx, w)

	case wire.EstablishTag:
		return s.handleEstablish(w)

	case wire.OfferTag:
		return s.handleOffer(ctx, w)

	case wire.NegotiateTag:
		return s.handleNegotiate(ctx, w)

	case wire.ChannelTag:
		return s.handleChannel(w)

	case wire.CancelTag:
		return s.handleCancel(w)

	case wire.FinishTag:
		return s.handleFinish(ctx, w)

	case wire.AnswerTag:
		return s.handleAnswer(ctx, w)

	default:
		return nil, fatal(&UnknownCommandError{Command: cmd.String()})
	}
}

// dispatchBatch recursively dispatches sub-frames (each nonce||command||
// args) from the remainder of w, one after another, awaiting each before
// starting the next so replies concatenate in issue order. Only the last
// sub-command in a batch may itself be a variable-length-tail command
// (Connect/Offer/Negotiate/Answer), since those consume the rest of the
// window.
func (s *Space) dispatchBatch(ctx context.Context, w *buffer.Window) (buffer.Buffer, error) {
	var parts []buffer.Buffer
	for !w.Empty() {
		subNonce, err := w.TakeTag()
		if err != nil {
			return nil, err
		}
		reply, err := s.dispatch(ctx, w)
		if err != nil {
			var fe *fatalError
			if asFatal(err, &fe) {
				return nil, err
			}
			parts = append(parts, buffer.WrapString(fmt.Sprintf("%s: %s", wire.Tag(subNonce), err.Error())))
			continue
		}
		if reply == nil {
			continue
		}
		parts = append(parts, reply)
	}
	return buffer.Cat(parts...), nil
}

func (s *Space) handleClose(ctx context.Context, w *buffer.Window) (buffer.Buffer, error) {
	tag, err := w.TakeTag()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	out, ok := s.outputs[wire.Tag(tag)]
	if ok {
		delete(s.outputs, wire.Tag(tag))
	}
	s.mu.Unlock()
	if !ok {
		return nil, &MissingEntryError{Kind: "output", Tag: wire.Tag(tag).String()}
	}
	if s.metrics != nil {
		s.metrics.OutputsChanged(-1)
	}

	if err := out.Shut(ctx); err != nil {
		s.log.Warn("shutting down output on CloseTag", "error", err)
	}
	return buffer.Nothing, nil
}

func (s *Space) handleConnect(ctx context.Context, w *buffer.Window) (buffer.Buffer, error) {
	tag, err := w.TakeTag()
	if err != nil {
		return nil, err
	}
	target := buffer.Str(w.Rest())

	colon := strings.LastIndex(target, ":")
	if colon < 0 {
		return nil, fmt.Errorf("space: malformed connect target %q, want host:port", target)
	}
	addr := target

	sock, err := output.DialUDP(addr)
	if err != nil {
		return nil, err
	}
	out := output.New(wire.Tag(tag), sock, s)
	if err := s.addOutput(wire.Tag(tag), out); err != nil {
		_ = sock.Shut(ctx)
		return nil, err
	}

	return buffer.WrapString(sock.LocalAddr()), nil
}

func (s *Space) handleEstablish(w *buffer.Window) (buffer.Buffer, error) {
	handle, err := w.TakeTag()
	if err != nil {
		return nil, err
	}

	outgoing, err := rtcpeer.New(s.ice, s.log)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.outgoing[wire.Tag(handle)] = outgoing
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.OutgoingChanged(1)
	}

	return buffer.Nothing, nil
}

func (s *Space) handleOffer(ctx context.Context, w *buffer.Window) (buffer.Buffer, error) {
	handle, err := w.TakeTag()
	if err != nil {
		return nil, err
	}

	outgoing, ok := s.lookupOutgoing(wire.Tag(handle))
	if !ok {
		return nil, &MissingEntryError{Kind: "outgoing", Tag: wire.Tag(handle).String()}
	}

	offer, err := outgoing.Offer(ctx)
	if err != nil {
		return nil, err
	}
	return buffer.WrapString(sdpfilter.Strip(offer)), nil
}

func (s *Space) handleNegotiate(ctx context.Context, w *buffer.Window) (buffer.Buffer, error) {
	handle, err := w.TakeTag()
	if err != nil {
		return nil, err
	}
	answer := buffer.Str(w.Rest())

	outgoing, ok := s.lookupOutgoing(wire.Tag(handle))
	if !ok {
		return nil, &MissingEntryError{Kind: "outgoing", Tag: wire.Tag(handle).String()}
	}

	if err := outgoing.Negotiate(ctx, answer); err != nil {
		return nil, err
	}
	return buffer.Nothing, nil
}

func (s *Space) handleChannel(w *buffer.Window) (buffer.Buffer, error) {
	handle, err := w.TakeTag()
	if err != nil {
		return nil, err
	}
	tag, err := w.TakeTag()
	if err != nil {
		return nil, err
	}

	outgoing, ok := s.lookupOutgoing(wire.Tag(handle))
	if !ok {
		return nil, &MissingEntryError{Kind: "outgoing", Tag: wire.Tag(handle).String()}
	}

	dc, err := outgoing.Channel(wire.Tag(tag).String())
	if err != nil {
		return nil, err
	}

	out := output.New(wire.Tag(tag), output.WrapChannel(dc), s)
	if err := s.addOutput(wire.Tag(tag), out); err != nil {
		return nil, err
	}

	return buffer.Nothing, nil
}

func (s *Space) handleCancel(w *buffer.Window) (buffer.Buffer, error) {
	handle, err := w.TakeTag()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	outgoing, ok := s.outgoing[wire.Tag(handle)]
	if ok {
		delete(s.outgoing, wire.Tag(handle))
	}
	s.mu.Unlock()
	if !ok {
		return nil, &MissingEntryError{Kind: "outgoing", Tag: wire.Tag(handle).String()}
	}
	if s.metrics != nil {
		s.metrics.OutgoingChanged(-1)
	}

	if err := outgoing.Close(); err != nil {
		s.log.Warn("closing outgoing connection on CancelTag", "error", err)
	}
	return buffer.Nothing, nil
}

func (s *Space) handleFinish(ctx context.Context, w *buffer.Window) (buffer.Buffer, error) {
	tag, err := w.TakeTag()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	h, ok := s.outputs[wire.Tag(tag)]
	s.mu.Unlock()
	if !ok {
		return nil, &MissingEntryError{Kind: "output", Tag: wire.Tag(tag).String()}
	}

	if err := h.AwaitOpen(ctx); err != nil {
		return nil, err
	}
	return buffer.Nothing, nil
}

func (s *Space) handleAnswer(ctx context.Context, w *buffer.Window) (buffer.Buffer, error) {
	offer := buffer.Str(w.Rest())
	answer, err := s.back.Respond(ctx, offer)
	if err != nil {
		return nil, err
	}
	return buffer.WrapString(answer), nil
}

func (s *Space) lookupOutgoing(tag wire.Tag) (*rtcpeer.OutgoingConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outgoing[tag]
	return o, ok
}

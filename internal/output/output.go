// Package output implements the tagged forwarder that adapts a source of
// bytes — a UDP socket, or a data channel on an outgoing connection — to
// a space. Two concrete instantiations exist: Output[*UDPSocket] for
// ConnectTag and Output[*ChannelInner] for ChannelTag; both share this
// one generic implementation instead of a sum type, since Go's type
// parameters make the split unnecessary.
package output

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchidgate/orchidgate/internal/buffer"
	"github.com/orchidgate/orchidgate/internal/pipe"
	"github.com/orchidgate/orchidgate/internal/wire"
)

// Inner is anything an Output can forward to and receive from: a pipe
// that also accepts the Drain it should report received data and
// failures to.
type Inner interface {
	pipe.Pipe
	SetDrain(pipe.Drain)
}

// Sink is the space-side collaborator an Output delivers landed frames
// to. Space implements this.
type Sink interface {
	// Deliver bills one unit and forwards tag||data to the space's
	// attached conduit.
	Deliver(ctx context.Context, tag wire.Tag, data buffer.Buffer) error
	// OutputFailed reports that the output keyed by tag has failed and
	// should be torn down and removed from the space's output map.
	OutputFailed(tag wire.Tag, err error)
}

// Output is a pipe to its inner forwarder and a drain from it, tagged on
// construction with the key that identifies its stream back to the
// space.
type Output[I Inner] struct {
	tag   wire.Tag
	inner I
	sink  Sink

	mu   sync.Mutex
	shut bool
}

// New constructs an Output, wiring inner's Drain to the new Output so
// that bytes the inner produces flow back through Land.
func New[I Inner](tag wire.Tag, inner I, sink Sink) *Output[I] {
	o := &Output[I]{tag: tag, inner: inner, sink: sink}
	inner.SetDrain(o)
	return o
}

// Tag returns the output's routing key.
func (o *Output[I]) Tag() wire.Tag {
	return o.tag
}

// Inner returns the wrapped forwarder, for callers (e.g. ConnectTag's
// reply, which needs the UDP socket's local address) that need it
// directly.
func (o *Output[I]) Inner() I {
	return o.inner
}

// Send forwards outbound data to the inner.
func (o *Output[I]) Send(ctx context.Context, data buffer.Buffer) error {
	return o.inner.Send(ctx, data)
}

// Shut shuts the inner down. It is idempotent; detaching the output from
// the space's map is the caller's responsibility (CloseTag's handler).
func (o *Output[I]) Shut(ctx context.Context) error {
	o.mu.Lock()
	if o.shut {
		o.mu.Unlock()
		return nil
	}
	o.shut = true
	o.mu.Unlock()
	return o.inner.Shut(ctx)
}

// Land is called by the inner when it has received data. It bills the
// space one unit and delivers tag||data, asynchronously: a Drain must
// never block the caller (here, the inner's own read loop).
func (o *Output[I]) Land(data buffer.Buffer) {
	go func() {
		if err := o.sink.Deliver(context.Background(), o.tag, data); err != nil {
			o.sink.OutputFailed(o.tag, fmt.Errorf("output %s: delivering to space: %w", o.tag, err))
		}
	}()
}

// Stop is called by the inner when it has failed irrecoverably. It
// reports the failure to the space so the output can be torn down.
func (o *Output[I]) Stop(err error) {
	o.sink.OutputFailed(o.tag, err)
}

// openAwaiter is implemented by inners that have their own "wait until
// ready" handshake (ChannelInner); UDPSocket has none.
type openAwaiter interface {
	AwaitOpen(ctx context.Context) error
}

// AwaitOpen blocks until the inner is ready to carry traffic, if the
// inner defines such a handshake (FinishTag's contract for a channel
// output); for inners with no such concept it returns immediately.
func (o *Output[I]) AwaitOpen(ctx context.Context) error {
	if aw, ok := any(o.inner).(openAwaiter); ok {
		return aw.AwaitOpen(ctx)
	}
	return nil
}

package output

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/orchidgate/orchidgate/internal/buffer"
	"github.com/orchidgate/orchidgate/internal/pipe"
)

// ChannelInner is the Inner behind Output<DataChannel>: an in-band data
// channel created on an OutgoingConnection by ChannelTag, wrapped so it
// can be treated uniformly with UDPSocket.
type ChannelInner struct {
	dc *webrtc.DataChannel

	mu    sync.Mutex
	drain pipe.Drain
}

// WrapChannel adapts an already-open (or about-to-open) data channel.
// The channel must have passed through ChannelInner.AwaitOpen (FinishTag's
// handshake, reached via the Output's AwaitOpen) before data flows in
// either direction.
func WrapChannel(dc *webrtc.DataChannel) *ChannelInner {
	c := &ChannelInner{dc: dc}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)

		c.mu.Lock()
		drain := c.drain
		c.mu.Unlock()
		if drain != nil {
			drain.Land(buffer.Wrap(data))
		}
	})

	dc.OnClose(func() {
		c.mu.Lock()
		drain := c.drain
		c.mu.Unlock()
		if drain != nil {
			drain.Stop(fmt.Errorf("output: data channel closed"))
		}
	})

	dc.OnError(func(err error) {
		c.mu.Lock()
		drain := c.drain
		c.mu.Unlock()
		if drain != nil {
			drain.Stop(fmt.Errorf("output: data channel error: %w", err))
		}
	})

	return c
}

// SetDrain attaches the Drain notified of inbound messages and channel
// failure.
func (c *ChannelInner) SetDrain(d pipe.Drain) {
	c.mu.Lock()
	c.drain = d
	c.mu.Unlock()
}

// Send writes data as a single data channel message.
func (c *ChannelInner) Send(ctx context.Context, data buffer.Buffer) error {
	return c.dc.Send(buffer.Materialize(data))
}

// Shut closes the data channel.
func (c *ChannelInner) Shut(ctx context.Context) error {
	return c.dc.Close()
}

// AwaitOpen blocks until the data channel has opened — FinishTag's
// "invoke its await-open handshake" step.
func (c *ChannelInner) AwaitOpen(ctx context.Context) error {
	if c.dc.ReadyState() == webrtc.DataChannelStateOpen {
		return nil
	}

	opened := make(chan struct{})
	var once sync.Once
	c.dc.OnOpen(func() { once.Do(func() { close(opened) }) })

	if c.dc.ReadyState() == webrtc.DataChannelStateOpen {
		return nil
	}

	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

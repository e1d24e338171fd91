// Package conduit implements the glue between a secure transport and a
// space. A Conduit holds a self-reference that is cleared only when its
// secure transport stops, guaranteeing it outlives any dispatch still in
// flight; Space holds only a non-owning back-pointer to whichever Conduit
// last Associated with it.
package conduit

import (
	"context"
	"log/slog"

	"github.com/orchidgate/orchidgate/internal/buffer"
	"github.com/orchidgate/orchidgate/internal/identity"
	"github.com/orchidgate/orchidgate/internal/pipe"
	"github.com/orchidgate/orchidgate/internal/space"
)

// Secure is the minimal secure-transport inner a Conduit drives: a pipe
// it forwards outbound frames to, paired with a Drain it registers
// itself as (see internal/securesess.Session).
type Secure interface {
	pipe.Pipe
	SetDrain(pipe.Drain)
}

// Ship looks a space up (or creates one) by identity, the collaborator a
// Conduit calls once its secure session's handshake verifies a peer.
type Ship interface {
	Find(common identity.Common) *space.Space
}

// Conduit binds one secure session to one space for the session's
// lifetime. It is constructed before the peer identity is known; the
// space is assigned asynchronously, once the handshake inside the secure
// inner verifies a Common.
type Conduit struct {
	log    *slog.Logger
	ship   Ship
	secure Secure

	self  *Conduit // cleared on Stop; keeps this Conduit alive while frames are in flight
	space *space.Space
}

// New wires up a Conduit around secure, registering the Conduit as
// secure's Drain so that Land/Stop reach it. The returned Conduit holds
// itself alive (via self) until Stop runs.
func New(secure Secure, ship Ship, logger *slog.Logger) *Conduit {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conduit{
		log:    logger.With("component", "conduit"),
		ship:   ship,
		secure: secure,
	}
	c.self = c
	secure.SetDrain(c)
	return c
}

// OnVerified is the callback to pass to the secure inner's handshake
// (internal/securesess.Wrap): extract the peer Common, look up (or
// create) its space, and associate this conduit with it.
func (c *Conduit) OnVerified(common identity.Common) {
	space := c.ship.Find(common)
	c.space = space
	space.Associate(c)
	c.log.Info("conduit associated with space", "common", common.String())
}

// Send bills one unit on the space and forwards to the secure inner.
func (c *Conduit) Send(ctx context.Context, data buffer.Buffer) error {
	if c.space != nil {
		c.space.Bill(1)
	}
	return c.secure.Send(ctx, data)
}

// Land schedules dispatch of an inbound frame on the associated space.
// It must not block the secure transport's own callback goroutine, so it
// only hands off; the space's own Land implementation does the actual
// async dispatch.
func (c *Conduit) Land(data buffer.Buffer) {
	space := c.space
	if space == nil {
		c.log.Warn("frame landed before handshake completed, dropping")
		return
	}
	space.Land(data)
}

// Stop clears the conduit's self-reference — after this, no further
// frames are dispatched and the Conduit is eligible for collection once
// any in-flight dispatch completes — dissociates it from its space, and
// passes the stop on to the space's own Stop, which tears its outputs and
// outgoing connections down.
func (c *Conduit) Stop(err error) {
	c.log.Info("secure transport stopped", "error", err)
	if c.space != nil {
		c.space.Dissociate(c)
		c.space.Stop(err)
	}
	c.self = nil
}

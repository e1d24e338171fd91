// Package pipe defines the two dual roles that everything else in
// orchidgate is built from: something you can send bytes to, and
// something that lands received bytes on an attached sink. An Output is a
// Pipe to its inner forwarder and a Drain from it; a Space is a Pipe to
// its conduit and a Drain from it.
package pipe

import (
	"context"

	"github.com/orchidgate/orchidgate/internal/buffer"
)

// Pipe accepts outbound data and can be shut down. Every Send/Shut may
// suspend (block on I/O), hence the context.Context parameter.
type Pipe interface {
	Send(ctx context.Context, data buffer.Buffer) error
	Shut(ctx context.Context) error
}

// Drain is notified when its source produces bytes, and when its source
// fails. Land implementations MUST NOT block — they should enqueue a task
// (e.g. via go func() or a worker pool) and return immediately, per the
// concurrency model's suspension-point rules.
type Drain interface {
	Land(data buffer.Buffer)
	Stop(err error)
}

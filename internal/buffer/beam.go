package buffer

import (
	"bytes"
	"fmt"
	"sync/atomic"
)

// Beam is a reference-counted heap-allocated copy of a Buffer's contents.
// Construction from a Buffer materializes it once; afterward Beam is
// itself a Buffer (and a Region) that can be cheaply shared by Retain-ing
// a new reference.
//
// Go's garbage collector already reclaims unreachable memory, but callers
// need to observe the backing store being freed exactly once, on the last
// Release, so Beam keeps an explicit atomic count rather than relying on
// GC timing.
type Beam struct {
	data []byte
	refs *atomic.Int32
}

// NewBeam copies b's regions into a new Beam with a single reference.
func NewBeam(b Buffer) *Beam {
	refs := new(atomic.Int32)
	refs.Store(1)
	return &Beam{
		data: Materialize(b),
		refs: refs,
	}
}

// Bytes returns the Beam's backing slice. The caller must not mutate it.
func (b *Beam) Bytes() []byte {
	return b.data
}

// Each implements Buffer: a Beam is a single region.
func (b *Beam) Each(code func(Region) bool) bool {
	return code(bytesRegion(b.data))
}

// Retain increments the reference count and returns the same Beam, so
// call sites can write `other := beam.Retain()` to hand out a shared copy.
func (b *Beam) Retain() *Beam {
	b.refs.Add(1)
	return b
}

// Release decrements the reference count. When it reaches zero, onFree
// (if non-nil) is invoked exactly once and the backing storage is
// dropped. Calling Release more times than the Beam has been
// constructed-or-Retained is a refcount underflow and panics.
func (b *Beam) Release(onFree func()) {
	n := b.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("buffer: beam refcount underflow (count=%d)", n))
	}
	if n == 0 {
		b.data = nil
		if onFree != nil {
			onFree()
		}
	}
}

// Equal reports whether the Beam's contents equal another Buffer's,
// by length then byte-for-byte comparison.
func (b *Beam) Equal(other Buffer) bool {
	return bytes.Equal(b.data, Materialize(other))
}

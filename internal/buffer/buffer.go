// Package buffer implements the scatter/gather byte-sequence model used
// throughout orchidgate's framing: a Buffer is an ordered sequence of
// read-only Regions, visited without forcing a contiguous copy until one
// is actually needed (e.g. for a Window.Take or a network write).
//
// One observable operation (Each), everything else derived — the same
// preference for small, explicit interfaces over deep hierarchies used
// elsewhere in this codebase, generalized here from a C++ Buffer/Region/
// Knot hierarchy into Go's interface-and-composition idiom.
package buffer

// Region is a contiguous read-only byte range. It is itself a Buffer of
// exactly one region.
type Region interface {
	Bytes() []byte
}

// Buffer is any ordered sequence of Regions. Each visits regions in order,
// short-circuiting when code returns false — the only operation every
// Buffer must support directly; Size and Materialize are derived from it.
type Buffer interface {
	Each(code func(Region) bool) bool
}

// Size returns the total byte length of a Buffer, summing its regions.
func Size(b Buffer) int {
	total := 0
	b.Each(func(r Region) bool {
		total += len(r.Bytes())
		return true
	})
	return total
}

// Materialize copies a Buffer's regions into one contiguous byte slice.
func Materialize(b Buffer) []byte {
	out := make([]byte, 0, Size(b))
	b.Each(func(r Region) bool {
		out = append(out, r.Bytes()...)
		return true
	})
	return out
}

// Str returns a Buffer's contents as a string (one copy).
func Str(b Buffer) string {
	return string(Materialize(b))
}

// bytesRegion is a borrowed view over a caller-owned slice. It is a Region
// and, trivially, a single-region Buffer.
type bytesRegion []byte

func (r bytesRegion) Bytes() []byte { return []byte(r) }

func (r bytesRegion) Each(code func(Region) bool) bool {
	return code(r)
}

// Wrap returns a Buffer that is a single borrowed region over data. The
// caller must not mutate data while the Buffer is in use.
func Wrap(data []byte) Buffer {
	return bytesRegion(data)
}

// WrapString returns a Buffer that is a single region over an owned,
// immutable string — the "owned string-like" region variant.
func WrapString(s string) Buffer {
	return bytesRegion(s)
}

// Nothing is the empty Buffer/Region.
var Nothing Buffer = bytesRegion(nil)

// knot is a concatenation of child Buffers, visited in order. It
// corresponds to Cat/Tie in the original buffer model; Go's garbage
// collector makes the owning-vs-borrowing distinction the original drew
// between Cat and Tie unobservable, so one implementation serves both.
type knot struct {
	parts []Buffer
}

func (k knot) Each(code func(Region) bool) bool {
	for _, part := range k.parts {
		if !part.Each(code) {
			return false
		}
	}
	return true
}

// Cat concatenates buffers into one, visited child-by-child in order.
func Cat(parts ...Buffer) Buffer {
	return knot{parts: parts}
}

// Tie is an alias of Cat. The original C++ buffer model distinguished an
// owning Cat from a borrowing Tie; both collapse to the same behavior
// under GC-managed memory, so Tie is kept only so frame-construction call
// sites can state their intent ("Tie(nonce, data)").
func Tie(parts ...Buffer) Buffer {
	return knot{parts: parts}
}

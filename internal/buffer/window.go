package buffer

import "fmt"

// TruncationError is returned when a Window.Take requests more bytes than
// remain in the window.
type TruncationError struct {
	Requested int
	Remaining int
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("buffer: truncated take: requested %d bytes, %d remain", e.Requested, e.Remaining)
}

// Window is a positional cursor over a Buffer's flattened regions. It is
// built once from any Buffer and then consumed left to right via Take,
// which is the operation the command dispatcher's frame parsing is built
// from (see internal/space).
//
// Go has no compile-time variadic-template equivalent of the original
// Take<N1,N2,...,0?>(buffer) -> tuple; callers instead issue a sequence of
// Take calls whose sizes are known at each call site, a runtime sequence
// of fixed-length reads in place of that compile-time template.
type Window struct {
	regions [][]byte
	idx     int // index into regions of the region currently being read
	off     int // byte offset already consumed within regions[idx]
}

// NewWindow flattens buf's regions into a Window positioned at the start.
func NewWindow(buf Buffer) *Window {
	var regions [][]byte
	buf.Each(func(r Region) bool {
		b := r.Bytes()
		if len(b) > 0 {
			regions = append(regions, b)
		}
		return true
	})
	return &Window{regions: regions}
}

// remaining returns the number of unconsumed bytes.
func (w *Window) remaining() int {
	total := 0
	if w.idx < len(w.regions) {
		total += len(w.regions[w.idx]) - w.off
		for i := w.idx + 1; i < len(w.regions); i++ {
			total += len(w.regions[i])
		}
	}
	return total
}

// Empty reports whether the cursor has reached the end of the window.
func (w *Window) Empty() bool {
	return w.remaining() == 0
}

// Take copies exactly n bytes into a freshly allocated slice, advancing
// the cursor past them and transparently crossing region boundaries. It
// returns a *TruncationError if fewer than n bytes remain; the cursor
// never advances past the window's total length.
func (w *Window) Take(n int) ([]byte, error) {
	if n > w.remaining() {
		return nil, &TruncationError{Requested: n, Remaining: w.remaining()}
	}

	out := make([]byte, n)
	filled := 0
	for filled < n {
		region := w.regions[w.idx]
		avail := len(region) - w.off
		need := n - filled
		if need < avail {
			copy(out[filled:], region[w.off:w.off+need])
			w.off += need
			filled += need
		} else {
			copy(out[filled:], region[w.off:])
			filled += avail
			w.idx++
			w.off = 0
		}
	}
	return out, nil
}

// TakeTag is Take(TagSize) specialized to return a wire.Tag-shaped array;
// it lives here (rather than importing the wire package, which itself
// depends on buffer) as a plain 32-byte array so callers can convert it
// with wire.Tag(...) at the call site.
func (w *Window) TakeTag() ([32]byte, error) {
	var tag [32]byte
	b, err := w.Take(32)
	if err != nil {
		return tag, err
	}
	copy(tag[:], b)
	return tag, nil
}

// Rest returns the remainder of the window as a new, independent Buffer,
// and leaves this Window empty.
func (w *Window) Rest() Buffer {
	var parts []Buffer
	if w.idx < len(w.regions) {
		if w.off < len(w.regions[w.idx]) {
			parts = append(parts, Wrap(w.regions[w.idx][w.off:]))
		}
		for i := w.idx + 1; i < len(w.regions); i++ {
			parts = append(parts, Wrap(w.regions[i]))
		}
	}
	w.idx = len(w.regions)
	w.off = 0
	return Cat(parts...)
}

package buffer

import "github.com/pkg/errors"

// ErrNotOwned is returned when a Mark is used with a Buffer other than
// the one that created it.
var ErrNotOwned = errors.New("buffer: mark does not belong to this buffer")

// Mark is a stable positional reference into a Buffer. It is created by
// Begin, End, or as the return value of AppendBack/Reserve, and is kept
// valid across mutations that insert or release bytes elsewhere in the
// buffer — the registry node it references is adjusted in place.
//
// A Mark is owned by its creator; the registry slot it occupies is
// owned by the Buffer. Destroy deregisters it. A zero Mark is invalid.
type Mark struct {
	buf  *Buffer
	node *markNode
}

// Buffer returns the Buffer this mark was created from.
func (m Mark) Buffer() *Buffer { return m.buf }

// Valid reports whether the mark was obtained from a Buffer; it is false
// only for the zero Mark. Destroy does not reset a Mark value, so a
// destroyed mark still reports true.
func (m Mark) Valid() bool { return m.buf != nil && m.node != nil }

// Compare orders two marks by (block.id, offset), as required by §3.
// It panics if the marks belong to different buffers, since cross-buffer
// marks have no defined ordering.
func (m Mark) Compare(other Mark) int {
	if m.buf != other.buf {
		panic("buffer: cannot compare marks from different buffers")
	}
	switch {
	case equalPos(m.node.blk, m.node.off, other.node.blk, other.node.off):
		return 0
	case less(m.node.blk, m.node.off, other.node.blk, other.node.off):
		return -1
	default:
		return 1
	}
}

// Destroy deregisters the mark. The Mark must not be used afterward.
func (m Mark) Destroy() {
	if m.node != nil {
		m.buf.reg.remove(m.node)
	}
}

// Clone registers a new mark at the same position, independent of m's
// lifetime.
func (m Mark) Clone() Mark {
	n := m.buf.reg.insert(m.node.blk, m.node.off)
	return Mark{buf: m.buf, node: n}
}

package buffer

import (
	"github.com/pkg/errors"
	"github.com/tsafin/tntcxx/tnt/log"
)

// IOVec describes one contiguous run of live bytes, suitable for a
// scatter/gather write. Data aliases the Buffer's internal storage; it
// must not be retained past the next mutation of the Buffer.
type IOVec struct {
	Data []byte
}

// Buffer is a segmented, block-allocated byte sequence. It supports
// append/drop at both ends and in-place insert/release at arbitrary
// marks, and exposes its live range as a vector of IOVecs for vectored
// I/O. A Buffer is not safe for concurrent use (§5): callers serialise
// access externally.
type Buffer struct {
	alloc  Allocator
	blocks blockList
	reg    markRegistry

	beginBlk *block
	beginOff int
	endBlk   *block
	endOff   int

	size   int
	nextID uint64

	// Debug enables the debug-mode assertions described in §7 and §8:
	// drop_back/drop_front/release check that no registered mark is
	// stranded inside the region being removed, and Set checks that its
	// write stays within the live range. Off by default, since a
	// production client pays for this only when it wants to.
	Debug bool
}

// NewBuffer returns an empty Buffer backed by alloc.
func NewBuffer(alloc Allocator) *Buffer {
	return &Buffer{alloc: alloc}
}

// NewDefaultBuffer returns an empty Buffer backed by DefaultAllocator
// with DefaultBlockSize blocks.
func NewDefaultBuffer() *Buffer {
	return NewBuffer(mustDefaultAllocator())
}

func physCap(b *block) int { return len(b.data) }

func (b *Buffer) liveCap(blk *block) int {
	if blk == b.endBlk {
		return b.endOff
	}
	return physCap(blk)
}

// step resolves a forward byte-delta from (blk,off) into a new
// (block,offset) pair, using cap to bound each block's contribution.
func step(blk *block, off, n int, cap func(*block) int) (*block, int) {
	for n > 0 {
		avail := cap(blk) - off
		if n <= avail {
			return blk, off + n
		}
		n -= avail
		blk = blk.next
		off = 0
	}
	return blk, off
}

// stepBack is the backward counterpart of step.
func stepBack(blk *block, off, n int, cap func(*block) int) (*block, int) {
	for n > 0 {
		if n <= off {
			return blk, off - n
		}
		n -= off
		blk = blk.prev
		off = cap(blk)
	}
	return blk, off
}

func (b *Buffer) liveStep(blk *block, off, n int) (*block, int) {
	return step(blk, off, n, b.liveCap)
}

func (b *Buffer) liveStepBack(blk *block, off, n int) (*block, int) {
	return stepBack(blk, off, n, b.liveCap)
}

// distance returns the number of bytes between two positions, assuming
// b1,o1 is at or before b2,o2 in buffer order.
func (b *Buffer) distance(b1 *block, o1 int, b2 *block, o2 int) int {
	if b1 == b2 {
		return o2 - o1
	}
	d := b.liveCap(b1) - o1
	for cur := b1.next; cur != b2; cur = cur.next {
		d += b.liveCap(cur)
	}
	return d + o2
}

// Empty reports whether there are any live bytes.
func (b *Buffer) Empty() bool { return b.size == 0 }

// Size returns the number of live bytes.
func (b *Buffer) Size() int { return b.size }

// Begin returns a registered mark at the head of the live range.
func (b *Buffer) Begin() Mark {
	return Mark{buf: b, node: b.reg.insert(b.beginBlk, b.beginOff)}
}

// End returns a registered mark at the one-past-the-end position.
func (b *Buffer) End() Mark {
	return Mark{buf: b, node: b.reg.insert(b.endBlk, b.endOff)}
}

// Distance returns the number of bytes between from and to, which must
// both belong to this Buffer and satisfy from <= to.
func (b *Buffer) Distance(from, to Mark) int {
	if from.buf != b || to.buf != b {
		panic("buffer: Distance: marks belong to a different Buffer")
	}
	return b.distance(from.node.blk, from.node.off, to.node.blk, to.node.off)
}

func (b *Buffer) tempMarkAt(blk *block, off int) Mark {
	return Mark{buf: b, node: b.reg.insert(blk, off)}
}

// Advance returns a new, independently registered mark n live bytes
// after m's position. Used by higher layers (e.g. the msgpack codec)
// that need to walk a buffer's live range one field at a time without
// reaching into block internals.
func (b *Buffer) Advance(m Mark, n int) Mark {
	blk, off := b.liveStep(m.node.blk, m.node.off, n)
	return b.tempMarkAt(blk, off)
}

// AppendBack reserves n uninitialised bytes at the tail and returns a
// mark at the start of the reserved span. If the allocator refuses a
// block mid-grow, every block acquired during this call is freed and
// the Buffer is left unchanged (the transactional-abort guarantee of
// §4.A/§7).
func (b *Buffer) AppendBack(n int) (Mark, error) {
	if n < 0 {
		return Mark{}, errors.Errorf("buffer: AppendBack: negative length %d", n)
	}

	wasEmpty := b.blocks.empty()
	var retBlk *block
	var retOff int
	if !wasEmpty {
		retBlk, retOff = b.endBlk, b.endOff
	}

	freeInTail := 0
	if !wasEmpty {
		freeInTail = physCap(b.endBlk) - b.endOff
	}
	need := n - freeInTail

	var acquired []*block
	if need > 0 {
		perBlock := b.alloc.RealSize()
		count := (need + perBlock - 1) / perBlock
		for i := 0; i < count; i++ {
			data, err := b.alloc.Alloc()
			if err != nil {
				for _, nb := range acquired {
					b.alloc.Free(nb.data)
				}
				return Mark{}, errors.Wrap(ErrAllocation, err.Error())
			}
			acquired = append(acquired, newBlock(0, data))
		}
	}

	if len(acquired) > 0 {
		maxID := b.blocks.maxID()
		if !wasEmpty && nextIDWouldOverflow(maxID) {
			b.blocks.renumber()
			maxID = b.blocks.maxID()
		}
		id := maxID + 1
		if wasEmpty {
			id = 0
		}
		for _, nb := range acquired {
			nb.id = id
			id++
		}
	}

	for _, nb := range acquired {
		b.blocks.pushBack(nb)
	}

	if wasEmpty {
		b.beginBlk, b.beginOff = b.blocks.head, 0
		b.endBlk, b.endOff = b.blocks.head, 0
		retBlk, retOff = b.beginBlk, b.beginOff
		b.reg.relocateNil(b.beginBlk, 0)
	}

	node := b.reg.insert(retBlk, retOff)
	b.endBlk, b.endOff = step(b.endBlk, b.endOff, n, physCap)
	b.size += n
	return Mark{buf: b, node: node}, nil
}

// WriteBack is a convenience for AppendBack(len(data)) followed by Set.
func (b *Buffer) WriteBack(data []byte) (Mark, error) {
	m, err := b.AppendBack(len(data))
	if err != nil {
		return Mark{}, err
	}
	if err := b.Set(m, data); err != nil {
		return Mark{}, err
	}
	return m, nil
}

func (b *Buffer) growTail(n int) error {
	m, err := b.AppendBack(n)
	if err != nil {
		return err
	}
	m.Destroy()
	return nil
}

// DropBack reduces the live region by n bytes at the tail, freeing the
// blocks that lie wholly past the block holding the new end. That block
// is kept even when the new end sits at its offset 0, so a drop ending
// exactly on a block boundary leaves one block with no live bytes
// linked. n must be <= Size(). When Debug is set, it is an error for any
// registered mark to lie inside the dropped region.
func (b *Buffer) DropBack(n int) error {
	if n < 0 || n > b.size {
		return errors.Errorf("buffer: DropBack: n=%d exceeds size=%d", n, b.size)
	}
	if n == 0 {
		return nil
	}
	newEndBlk, newEndOff := b.liveStepBack(b.endBlk, b.endOff, n)
	if b.Debug && b.reg.hasNodeStrictlyInside(func(bb *block, oo int) bool {
		return !less(bb, oo, newEndBlk, newEndOff)
	}) {
		log.Default().Errorf("buffer: DropBack(%s): a registered mark is stranded in the dropped region", log.Bytes(uint64(n)))
		return errors.New("buffer: DropBack: a registered mark is stranded in the dropped region")
	}
	for b.blocks.tail != newEndBlk {
		victim := b.blocks.removeBack()
		b.alloc.Free(victim.data)
	}
	b.endBlk, b.endOff = newEndBlk, newEndOff
	b.size -= n
	if b.blocks.empty() {
		b.beginBlk, b.beginOff, b.endBlk, b.endOff = nil, 0, nil, 0
	}
	return nil
}

// DropFront reduces the live region by n bytes at the head, symmetric
// to DropBack: blocks wholly before the block holding the new begin are
// freed, and that block is kept even when the new begin sits at its end.
func (b *Buffer) DropFront(n int) error {
	if n < 0 || n > b.size {
		return errors.Errorf("buffer: DropFront: n=%d exceeds size=%d", n, b.size)
	}
	if n == 0 {
		return nil
	}
	newBeginBlk, newBeginOff := b.liveStep(b.beginBlk, b.beginOff, n)
	if b.Debug && b.reg.hasNodeStrictlyInside(func(bb *block, oo int) bool {
		return less(bb, oo, newBeginBlk, newBeginOff)
	}) {
		log.Default().Errorf("buffer: DropFront(%s): a registered mark is stranded in the dropped region", log.Bytes(uint64(n)))
		return errors.New("buffer: DropFront: a registered mark is stranded in the dropped region")
	}
	for b.blocks.head != newBeginBlk {
		victim := b.blocks.removeFront()
		b.alloc.Free(victim.data)
	}
	b.beginBlk, b.beginOff = newBeginBlk, newBeginOff
	b.size -= n
	if b.blocks.empty() {
		b.beginBlk, b.beginOff, b.endBlk, b.endOff = nil, 0, nil, 0
	}
	return nil
}

// Insert makes room for n additional, uninitialised bytes starting at
// mark's position. Bytes before mark are unchanged; bytes at-and-after
// shift right by n. mark itself, and any mark at the same position, do
// not move — the inserted region opens "before" them. n must be <=
// the Allocator's RealSize (BLOCK_DATA_SIZE), a hard precondition.
func (b *Buffer) Insert(m Mark, n int) error {
	if n > b.alloc.RealSize() {
		return errors.Errorf("buffer: Insert: n=%d exceeds BLOCK_DATA_SIZE=%d", n, b.alloc.RealSize())
	}
	if !m.Valid() || m.buf != b {
		return ErrNotOwned
	}
	if n <= 0 {
		return nil
	}

	markBlk, markOff := m.node.blk, m.node.off
	oldEndBlk, oldEndOff := b.endBlk, b.endOff

	if err := b.growTail(n); err != nil {
		return err
	}

	// Shift [mark, oldEnd) right by n, from the highest address down, so
	// writes never clobber unread source bytes.
	dstBlk, dstOff := step(oldEndBlk, oldEndOff, n, physCap)
	srcBlk, srcOff := oldEndBlk, oldEndOff
	for !(srcBlk == markBlk && srcOff == markOff) {
		if srcOff == 0 {
			srcBlk = srcBlk.prev
			srcOff = physCap(srcBlk)
			continue
		}
		if dstOff == 0 {
			dstBlk = dstBlk.prev
			dstOff = physCap(dstBlk)
			continue
		}
		chunk := min(srcOff, dstOff)
		if srcBlk == markBlk {
			chunk = min(chunk, srcOff-markOff)
		}
		copy(dstBlk.data[dstOff-chunk:dstOff], srcBlk.data[srcOff-chunk:srcOff])
		srcOff -= chunk
		dstOff -= chunk
	}

	b.reg.shiftForward(markBlk, markOff, func(bb *block, oo int) (*block, int) {
		return b.liveStep(bb, oo, n)
	})
	return nil
}

// Release removes n bytes starting at mark's position; bytes
// at-and-after shift left by n and the buffer's tail shrinks by n. All
// marks in the released range collapse to mark's position; all marks
// strictly after move backward by n.
func (b *Buffer) Release(m Mark, n int) error {
	if !m.Valid() || m.buf != b {
		return ErrNotOwned
	}
	if n <= 0 {
		return nil
	}
	if n > b.size {
		return errors.Errorf("buffer: Release: n=%d exceeds size=%d", n, b.size)
	}

	markBlk, markOff := m.node.blk, m.node.off
	rangeEndBlk, rangeEndOff := b.liveStep(markBlk, markOff, n)

	// Shift [mark+n, end) left by n, from the lowest address up.
	srcBlk, srcOff := rangeEndBlk, rangeEndOff
	dstBlk, dstOff := markBlk, markOff
	endBlk, endOff := b.endBlk, b.endOff
	for !(srcBlk == endBlk && srcOff == endOff) {
		if srcOff == physCap(srcBlk) {
			srcBlk = srcBlk.next
			srcOff = 0
			continue
		}
		if dstOff == physCap(dstBlk) {
			dstBlk = dstBlk.next
			dstOff = 0
			continue
		}
		chunk := min(physCap(srcBlk)-srcOff, physCap(dstBlk)-dstOff)
		if srcBlk == endBlk {
			chunk = min(chunk, endOff-srcOff)
		}
		copy(dstBlk.data[dstOff:dstOff+chunk], srcBlk.data[srcOff:srcOff+chunk])
		srcOff += chunk
		dstOff += chunk
	}

	b.reg.collapseAndShiftBack(markBlk, markOff,
		func(bb *block, oo int) bool { return !less(bb, oo, rangeEndBlk, rangeEndOff) },
		func(bb *block, oo int) (*block, int) { return b.liveStepBack(bb, oo, n) },
	)

	return b.DropBack(n)
}

// Resize grows or shrinks the span [mark, mark+oldN) to length newN by
// inserting or releasing the delta at the span's tail.
func (b *Buffer) Resize(m Mark, oldN, newN int) error {
	delta := newN - oldN
	if delta == 0 {
		return nil
	}
	tailBlk, tailOff := b.liveStep(m.node.blk, m.node.off, min(oldN, newN))
	tmp := b.tempMarkAt(tailBlk, tailOff)
	defer tmp.Destroy()
	if delta > 0 {
		return b.Insert(tmp, delta)
	}
	return b.Release(tmp, -delta)
}

// Set copies data into the buffer starting at mark, crossing block
// boundaries as needed. The caller guarantees the range lies within the
// live buffer; no bounds check is performed beyond Debug assertions.
func (b *Buffer) Set(m Mark, data []byte) error {
	if !m.Valid() || m.buf != b {
		return ErrNotOwned
	}
	if b.Debug && len(data) > b.distance(m.node.blk, m.node.off, b.endBlk, b.endOff) {
		return errors.Errorf("buffer: Set: %d bytes run past the live range", len(data))
	}
	blk, off := m.node.blk, m.node.off
	written := 0
	for written < len(data) {
		if off == physCap(blk) {
			blk, off = blk.next, 0
			continue
		}
		n := min(physCap(blk)-off, len(data)-written)
		copy(blk.data[off:off+n], data[written:written+n])
		written += n
		off += n
	}
	return nil
}

// Get copies len(out) bytes from the buffer starting at mark into out.
func (b *Buffer) Get(m Mark, out []byte) error {
	if !m.Valid() || m.buf != b {
		return ErrNotOwned
	}
	blk, off := m.node.blk, m.node.off
	read := 0
	for read < len(out) {
		if off == physCap(blk) {
			blk, off = blk.next, 0
			continue
		}
		n := min(physCap(blk)-off, len(out)-read)
		copy(out[read:read+n], blk.data[off:off+n])
		read += n
		off += n
	}
	return nil
}

// IOV fills up to max entries in out describing the contiguous read
// window from mark to the buffer's end, returning the count written.
// Each entry corresponds to the in-block run of bytes from the current
// position to that block's data end, except the last, which stops at
// end().
func (b *Buffer) IOV(m Mark, out []IOVec, max int) int {
	if !m.Valid() || m.buf != b {
		return 0
	}
	blk, off := m.node.blk, m.node.off
	count := 0
	for count < max && blk != nil {
		cap := b.liveCap(blk)
		if off >= cap {
			if blk == b.endBlk {
				break
			}
			blk, off = blk.next, 0
			continue
		}
		out[count] = IOVec{Data: blk.data[off:cap]}
		count++
		if blk == b.endBlk {
			break
		}
		blk, off = blk.next, 0
	}
	return count
}

// TruncateTo releases every byte from m to the current end, restoring
// the buffer to the state it had when m was taken. Used by the encoder
// to roll back a compound emit that failed partway through (§4.E/§7).
func (b *Buffer) TruncateTo(m Mark) error {
	n := b.distance(m.node.blk, m.node.off, b.endBlk, b.endOff)
	return b.DropBack(n)
}

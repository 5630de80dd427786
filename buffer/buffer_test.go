package buffer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func smallBuffer(t *testing.T, blockSize int) *Buffer {
	alloc, err := NewDefaultAllocator(blockSize)
	require.NoError(t, err)
	return NewBuffer(alloc)
}

// markAtOffset registers a mark n bytes after begin(), for tests that need
// an interior position without hand-walking buffer internals.
func markAtOffset(b *Buffer, n int) Mark {
	blk, off := b.liveStep(b.beginBlk, b.beginOff, n)
	return b.tempMarkAt(blk, off)
}

func TestAppendBackWriteBackGet(t *testing.T) {
	b := smallBuffer(t, 8)
	m, err := b.WriteBack([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, b.Size())

	out := make([]byte, 11)
	require.NoError(t, b.Get(m, out))
	require.Equal(t, "hello world", string(out))
}

func TestAppendBackAllocatesAcrossBlocks(t *testing.T) {
	b := smallBuffer(t, 4)
	_, err := b.WriteBack([]byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 10, b.Size())
	require.GreaterOrEqual(t, b.blocks.len, 3)
}

func TestDropFrontDropBackCommute(t *testing.T) {
	b := smallBuffer(t, 4)
	_, err := b.WriteBack([]byte("0123456789"))
	require.NoError(t, err)

	b1 := smallBuffer(t, 4)
	_, err = b1.WriteBack([]byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, b.DropFront(3))
	require.NoError(t, b.DropBack(2))

	require.NoError(t, b1.DropBack(2))
	require.NoError(t, b1.DropFront(3))

	require.Equal(t, b.Size(), b1.Size())
	out, out1 := make([]byte, b.Size()), make([]byte, b1.Size())
	require.NoError(t, b.Get(b.Begin(), out))
	require.NoError(t, b1.Get(b1.Begin(), out1))
	require.Equal(t, out, out1)
}

func TestInsertThenReleaseIsNoOp(t *testing.T) {
	b := smallBuffer(t, 4)
	_, err := b.WriteBack([]byte("0123456789ABCDEF"))
	require.NoError(t, err)

	before := make([]byte, b.Size())
	require.NoError(t, b.Get(b.Begin(), before))

	mark := markAtOffset(b, 6)
	require.NoError(t, b.Insert(mark, 3))
	require.Equal(t, len(before)+3, b.Size())
	require.NoError(t, b.Release(mark, 3))
	require.Equal(t, len(before), b.Size())

	after := make([]byte, b.Size())
	require.NoError(t, b.Get(b.Begin(), after))
	require.Equal(t, before, after)
	mark.Destroy()
}

func TestInsertPreservesSurroundingBytes(t *testing.T) {
	b := smallBuffer(t, 4)
	_, err := b.WriteBack([]byte("0123456789ABCDEF"))
	require.NoError(t, err)

	mark := markAtOffset(b, 6)
	tailBefore := make([]byte, b.Size()-6)
	require.NoError(t, b.Get(mark, tailBefore))

	require.NoError(t, b.Insert(mark, 3))
	require.Equal(t, 19, b.Size())

	tailAfter := make([]byte, len(tailBefore))
	after := markAtOffset(b, 9)
	require.NoError(t, b.Get(after, tailAfter))
	require.Equal(t, tailBefore, tailAfter)
	mark.Destroy()
	after.Destroy()
}

func TestMarksAtSamePositionDoNotMoveOnInsert(t *testing.T) {
	b := smallBuffer(t, 4)
	_, err := b.WriteBack([]byte("0123456789"))
	require.NoError(t, err)

	m1 := markAtOffset(b, 4)
	m2 := markAtOffset(b, 4)
	require.Equal(t, 0, m1.Compare(m2))

	require.NoError(t, b.Insert(m1, 2))
	require.Equal(t, 0, m1.Compare(m2))
	m1.Destroy()
	m2.Destroy()
}

func TestReleaseCollapsesInteriorMarks(t *testing.T) {
	b := smallBuffer(t, 4)
	_, err := b.WriteBack([]byte("0123456789"))
	require.NoError(t, err)

	mark := markAtOffset(b, 3)
	interior := markAtOffset(b, 5)
	afterRange := markAtOffset(b, 8)

	require.NoError(t, b.Release(mark, 4))
	require.Equal(t, 0, mark.Compare(interior))

	// afterRange was at offset 8, released region was [3,7), so it should
	// now sit at offset 8-4=4, one byte past mark's collapsed offset 3.
	require.Equal(t, -1, mark.Compare(afterRange))
	got := make([]byte, 1)
	require.NoError(t, b.Get(afterRange, got))
	mark.Destroy()
	interior.Destroy()
	afterRange.Destroy()
}

func TestResizeGrowsLikeInsert(t *testing.T) {
	b := smallBuffer(t, 4)
	_, err := b.WriteBack([]byte("0123456789ABCDEF"))
	require.NoError(t, err)

	mark := markAtOffset(b, 6)
	tailBefore := make([]byte, b.Size()-6)
	require.NoError(t, b.Get(mark, tailBefore))

	require.NoError(t, b.Resize(mark, 0, 3))
	require.Equal(t, 19, b.Size())

	tailAfter := make([]byte, len(tailBefore))
	after := markAtOffset(b, 9)
	require.NoError(t, b.Get(after, tailAfter))
	require.Equal(t, tailBefore, tailAfter)
	mark.Destroy()
	after.Destroy()
}

func TestResizeShrinksLikeRelease(t *testing.T) {
	b := smallBuffer(t, 4)
	_, err := b.WriteBack([]byte("0123456789ABCDEF"))
	require.NoError(t, err)

	mark := markAtOffset(b, 3)
	require.NoError(t, b.Resize(mark, 4, 0))
	require.Equal(t, 12, b.Size())

	got := make([]byte, 1)
	require.NoError(t, b.Get(mark, got))
	require.Equal(t, byte('7'), got[0])
	mark.Destroy()
}

func TestResizeZeroDeltaIsNoOp(t *testing.T) {
	b := smallBuffer(t, 4)
	_, err := b.WriteBack([]byte("0123456789"))
	require.NoError(t, err)

	before := make([]byte, b.Size())
	require.NoError(t, b.Get(b.Begin(), before))

	mark := markAtOffset(b, 6)
	require.NoError(t, b.Resize(mark, 3, 3))
	require.Equal(t, len(before), b.Size())

	after := make([]byte, b.Size())
	require.NoError(t, b.Get(b.Begin(), after))
	require.Equal(t, before, after)
	mark.Destroy()
}

func TestIOVCoversLiveRangeExactly(t *testing.T) {
	b := smallBuffer(t, 4)
	data := []byte("0123456789ABCDEF")
	_, err := b.WriteBack(data)
	require.NoError(t, err)

	segs := make([]IOVec, 16)
	n := b.IOV(b.Begin(), segs, len(segs))
	require.Greater(t, n, 0)

	var got []byte
	for i := 0; i < n; i++ {
		got = append(got, segs[i].Data...)
	}
	require.Equal(t, data, got)
}

func TestAllocationFailureIsTransactional(t *testing.T) {
	fa := &failingAllocator{real: 4, failAfter: 2}
	b := NewBuffer(fa)
	_, err := b.AppendBack(2) // fits in first block, succeeds
	require.NoError(t, err)
	require.Equal(t, 2, b.Size())

	_, err = b.AppendBack(100) // needs many new blocks, allocator hands out one more then refuses
	require.Error(t, err)
	require.Equal(t, 2, b.Size())
	require.Equal(t, 1, fa.outstanding) // only the first, already-committed block remains
}

type failingAllocator struct {
	real        int
	failAfter   int
	allocated   int
	outstanding int
}

func (f *failingAllocator) Alloc() ([]byte, error) {
	if f.allocated >= f.failAfter {
		return nil, errAllocRefused
	}
	f.allocated++
	f.outstanding++
	return make([]byte, f.real), nil
}

func (f *failingAllocator) Free(b []byte) { f.outstanding-- }
func (f *failingAllocator) RealSize() int { return f.real }

var errAllocRefused = errors.New("buffer_test: allocator refused")
